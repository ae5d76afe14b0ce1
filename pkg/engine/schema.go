package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// identPattern matches the identifiers the engine is willing to interpolate
// into DDL and DML. Anything else is rejected before it reaches SQL text.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// tablePattern extracts table names referenced by a query, for cache
// invalidation bookkeeping. It deliberately over-matches (a name in a
// string literal after FROM would be caught): over-invalidating is safe,
// under-invalidating is not.
var tablePattern = regexp.MustCompile(`(?i)\b(?:from|join|into|update)\s+["` + "`" + `]?([A-Za-z_][A-Za-z0-9_]*)`)

// inferColumns derives the ordered column list and SQLite column types from
// the first record of a bulk write. Column order is the sorted key order.
func inferColumns(table string, rec Record) ([]string, []string, error) {
	if len(rec) == 0 {
		return nil, nil, &SchemaError{Table: table, Reason: "first record has no fields"}
	}

	cols := make([]string, 0, len(rec))
	for name := range rec {
		if !identPattern.MatchString(name) {
			return nil, nil, &SchemaError{Table: table, Reason: fmt.Sprintf("invalid column name %q", name)}
		}
		if name == "id" {
			return nil, nil, &SchemaError{Table: table, Reason: `column "id" is reserved for the primary key`}
		}
		cols = append(cols, name)
	}
	sort.Strings(cols)

	types := make([]string, len(cols))
	for i, name := range cols {
		types[i] = columnType(rec[name])
	}
	return cols, types, nil
}

// columnType maps a Go value to the SQLite column type it is stored as.
// Composite values serialize to JSON text.
func columnType(v any) string {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, bool:
		return "INTEGER"
	case float32, float64:
		return "REAL"
	default:
		return "TEXT"
	}
}

// normalizeQuery collapses whitespace so formatting differences do not
// produce distinct fingerprints.
func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

// fingerprint derives the cache key for a query and its ordered parameters.
func fingerprint(query string, params []any) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(normalizeQuery(query))
	for _, p := range params {
		_, _ = d.WriteString("\x00")
		fmt.Fprintf(d, "%T=%v", p, p)
	}
	return d.Sum64()
}

// queryTables returns the deduplicated table names a query references.
// Names are lower-cased: SQLite resolves table names case-insensitively,
// so FROM USERS and a write to users must meet on one canonical form.
func queryTables(query string) []string {
	matches := tablePattern.FindAllStringSubmatch(query, -1)
	seen := make(map[string]struct{}, len(matches))
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.ToLower(m[1])
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		tables = append(tables, name)
	}
	return tables
}

// jsonText serializes a composite value for storage in a TEXT column.
func jsonText(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize composite value: %w", err)
	}
	return string(raw), nil
}
