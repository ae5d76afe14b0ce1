package engine

import (
	"fmt"
)

// SchemaError reports a record shape the target table cannot hold: an
// empty first record, a reserved or invalid column name, or a column that
// does not exist in an already-created table. Nothing is written when a
// SchemaError is returned.
type SchemaError struct {
	Table  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error on table %q: %s", e.Table, e.Reason)
}

// ExecError reports a statement the store rejected. The surrounding
// transaction has been rolled back before the error propagates.
type ExecError struct {
	Op    string
	Table string
	Err   error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s on table %q failed: %v", e.Op, e.Table, e.Err)
}

// Unwrap returns the underlying store error.
func (e *ExecError) Unwrap() error {
	return e.Err
}
