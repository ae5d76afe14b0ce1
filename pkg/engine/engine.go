package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/crudhpc/crudhpc/pkg/cache"
	"github.com/crudhpc/crudhpc/pkg/compress"
	"github.com/crudhpc/crudhpc/pkg/pool"
	"github.com/crudhpc/crudhpc/pkg/telemetry"
)

// Engine is the concurrency-safe access layer between application code and
// the embedded store. It owns a bounded connection pool, a bounded query
// cache, and (optionally) a compression dictionary; every public operation
// acquires a connection, does its work, and releases on every exit path.
//
// All methods are safe for concurrent use.
type Engine struct {
	cfg  Config
	pool *pool.Pool
	qc   *cache.Cache
	comp *compress.Compressor

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	// mu guards the table registry: table name to its ordered column list,
	// fixed at first write.
	mu     sync.Mutex
	tables map[string][]string
}

// New creates an Engine. tel may be nil, in which case a default telemetry
// setup (stderr logging, no metrics, no tracing) is used.
func New(cfg Config, tel *telemetry.Telemetry) (*Engine, error) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10000
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 1024
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	if tel == nil {
		var err error
		tel, err = telemetry.NewTelemetry(telemetry.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create default telemetry: %w", err)
		}
	}

	p, err := pool.New(cfg.Pool)
	if err != nil {
		return nil, err
	}

	qc, err := cache.New(cfg.CacheSize)
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		pool:    p,
		qc:      qc,
		logger:  tel.Logger.NewComponentLogger("engine"),
		metrics: tel.Metrics,
		tracer:  tel.Tracer,
		tables:  make(map[string][]string),
	}

	if cfg.Compression {
		comp, err := compress.New(cfg.Compressor)
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		e.comp = comp
	}

	return e, nil
}

// Close shuts the engine down: the pool closes its connections and further
// operations fail with pool.ErrPoolClosed.
func (e *Engine) Close() error {
	e.qc.Purge()
	return e.pool.Close()
}

// CreateBulk writes records to table, creating the table on first use with
// a schema inferred from records[0] plus a synthetic auto-incrementing
// primary key named "id".
//
// Records are committed in batches of BatchSize, each in its own
// transaction. A failure mid-batch rolls back only that batch; rows from
// earlier batches stay committed, and the identifiers assigned so far are
// returned alongside the error. Atomicity is therefore per batch, not per
// call.
func (e *Engine) CreateBulk(ctx context.Context, table string, records []Record) ([]int64, error) {
	start := time.Now()
	ctx, span := e.tracer.StartOpSpan(ctx, "create_bulk", table)
	defer span.End()

	if len(records) == 0 {
		telemetry.RecordSuccess(span)
		return nil, nil
	}
	if !identPattern.MatchString(table) {
		err := &SchemaError{Table: table, Reason: "invalid table name"}
		telemetry.RecordError(span, err)
		e.metrics.RecordOp("create_bulk", "error", time.Since(start))
		return nil, err
	}

	conn, err := e.acquire(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		e.metrics.RecordOp("create_bulk", "error", time.Since(start))
		return nil, err
	}
	defer e.release(conn)

	cols, err := e.ensureTable(ctx, conn, table, records[0])
	if err != nil {
		telemetry.RecordError(span, err)
		e.metrics.RecordOp("create_bulk", "error", time.Since(start))
		return nil, err
	}

	insertSQL := "INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" + placeholders(len(cols)) + ")"

	ids := make([]int64, 0, len(records))
	for begin := 0; begin < len(records); begin += e.cfg.BatchSize {
		end := min(begin+e.cfg.BatchSize, len(records))

		batchIDs, err := e.insertBatch(ctx, conn, table, insertSQL, cols, records[begin:end])
		if err != nil {
			// Earlier batches are already durable; their cached reads are
			// stale regardless of this batch's failure.
			if len(ids) > 0 {
				e.invalidate(table)
			}
			telemetry.RecordError(span, err)
			e.metrics.RecordOp("create_bulk", "error", time.Since(start))
			return ids, err
		}

		ids = append(ids, batchIDs...)
		e.metrics.RecordBatchCommit(len(batchIDs))
		e.logger.WithTable(table).Debugf("committed batch of %d records", len(batchIDs))
	}

	e.invalidate(table)
	e.syncGauges()
	telemetry.RecordSuccess(span)
	e.metrics.RecordOp("create_bulk", "ok", time.Since(start))
	return ids, nil
}

// insertBatch inserts records inside one transaction and returns their
// assigned row identifiers. On any failure the whole batch rolls back.
func (e *Engine) insertBatch(ctx context.Context, conn *pool.Conn, table, insertSQL string, cols []string, records []Record) ([]int64, error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, &ExecError{Op: "create_bulk", Table: table, Err: err}
	}

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		_ = tx.Rollback()
		return nil, &ExecError{Op: "create_bulk", Table: table, Err: err}
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		args, err := e.bindArgs(table, cols, rec)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}

		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			_ = tx.Rollback()
			return nil, &ExecError{Op: "create_bulk", Table: table, Err: err}
		}
		id, err := res.LastInsertId()
		if err != nil {
			_ = tx.Rollback()
			return nil, &ExecError{Op: "create_bulk", Table: table, Err: err}
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return nil, &ExecError{Op: "create_bulk", Table: table, Err: err}
	}
	return ids, nil
}

// ReadCached executes query with params, serving from the query cache when
// a result for the same fingerprint is present. On a miss the full result
// set is stored under the fingerprint together with the tables the query
// references, so later writes can invalidate it.
func (e *Engine) ReadCached(ctx context.Context, query string, params ...any) ([]Record, error) {
	start := time.Now()
	ctx, span := e.tracer.StartOpSpan(ctx, "read_cached", "")
	defer span.End()

	key := fingerprint(query, params)
	if entry, ok := e.qc.Get(key); ok {
		e.metrics.RecordCacheHit()
		span.SetAttributes(telemetry.AttrCacheHit.Bool(true))
		telemetry.RecordSuccess(span)
		e.metrics.RecordOp("read_cached", "ok", time.Since(start))
		return cloneRows(entry.Rows), nil
	}
	e.metrics.RecordCacheMiss()
	span.SetAttributes(telemetry.AttrCacheHit.Bool(false))

	// The stamp must predate query execution: if a write invalidates any
	// referenced table while the query runs, the result was computed
	// against a pre-write snapshot and must not be published.
	tables := queryTables(query)
	stamp := e.qc.Stamp(tables)

	conn, err := e.acquire(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		e.metrics.RecordOp("read_cached", "error", time.Since(start))
		return nil, err
	}
	defer e.release(conn)

	rows, err := e.runQuery(ctx, conn, query, e.encodeParams(params))
	if err != nil {
		telemetry.RecordError(span, err)
		e.metrics.RecordOp("read_cached", "error", time.Since(start))
		return nil, err
	}

	e.qc.PutIfFresh(key, tables, rows, stamp)
	e.metrics.SetCacheEntries(e.qc.Len())

	span.SetAttributes(telemetry.AttrRowCount.Int(len(rows)))
	telemetry.RecordSuccess(span)
	e.metrics.RecordOp("read_cached", "ok", time.Since(start))
	return cloneRows(rows), nil
}

// runQuery executes the query and converts every result row to a Record,
// decoding compressed string columns back to their original values.
func (e *Engine) runQuery(ctx context.Context, conn *pool.Conn, query string, params []any) ([]map[string]any, error) {
	rows, err := conn.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, &ExecError{Op: "read_cached", Table: strings.Join(queryTables(query), ","), Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &ExecError{Op: "read_cached", Err: err}
	}

	var out []map[string]any
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &ExecError{Op: "read_cached", Err: err}
		}

		rec := make(map[string]any, len(cols))
		for i, col := range cols {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			if s, ok := v.(string); ok && e.comp != nil {
				decoded, err := e.comp.Decode(s)
				if err != nil {
					return nil, fmt.Errorf("failed to decode column %q: %w", col, err)
				}
				v = decoded
			}
			rec[col] = v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &ExecError{Op: "read_cached", Err: err}
	}
	return out, nil
}

// UpdateTransactional executes a single parameterized UPDATE inside one
// transaction and returns the number of modified rows. Cache entries for
// the table are invalidated after the commit, before the method returns.
// Callers supply the WHERE predicate as pre-built SQL text with its
// parameters.
func (e *Engine) UpdateTransactional(ctx context.Context, table string, updates Record, predicate string, predicateParams ...any) (int64, error) {
	start := time.Now()
	ctx, span := e.tracer.StartOpSpan(ctx, "update", table)
	defer span.End()

	predicateParams = e.encodeParams(predicateParams)
	n, err := e.writeOne(ctx, "update", table, func(cols []string, args []any) (string, []any) {
		sets := make([]string, len(cols))
		for i, col := range cols {
			sets[i] = col + " = ?"
		}
		stmt := "UPDATE " + table + " SET " + strings.Join(sets, ", ")
		if predicate != "" {
			stmt += " WHERE " + predicate
		}
		return stmt, append(args, predicateParams...)
	}, updates)

	if err != nil {
		telemetry.RecordError(span, err)
		e.metrics.RecordOp("update", "error", time.Since(start))
		return 0, err
	}

	span.SetAttributes(telemetry.AttrRowCount.Int64(n))
	telemetry.RecordSuccess(span)
	e.metrics.RecordOp("update", "ok", time.Since(start))
	return n, nil
}

// DeleteCascade executes a single parameterized DELETE inside one
// transaction and returns the number of removed rows. "Cascade" refers to
// predicates the caller writes across foreign relationships; the engine
// runs exactly the SQL it is given.
func (e *Engine) DeleteCascade(ctx context.Context, table string, predicate string, predicateParams ...any) (int64, error) {
	start := time.Now()
	ctx, span := e.tracer.StartOpSpan(ctx, "delete", table)
	defer span.End()

	predicateParams = e.encodeParams(predicateParams)
	n, err := e.writeOne(ctx, "delete", table, func(_ []string, _ []any) (string, []any) {
		stmt := "DELETE FROM " + table
		if predicate != "" {
			stmt += " WHERE " + predicate
		}
		return stmt, predicateParams
	}, nil)

	if err != nil {
		telemetry.RecordError(span, err)
		e.metrics.RecordOp("delete", "error", time.Since(start))
		return 0, err
	}

	span.SetAttributes(telemetry.AttrRowCount.Int64(n))
	telemetry.RecordSuccess(span)
	e.metrics.RecordOp("delete", "ok", time.Since(start))
	return n, nil
}

// writeOne runs a single-statement write transaction: build SQL from the
// update columns, execute, commit, invalidate. Rollback happens before the
// connection is released on every failure path.
func (e *Engine) writeOne(ctx context.Context, op, table string, build func(cols []string, args []any) (string, []any), updates Record) (int64, error) {
	if !identPattern.MatchString(table) {
		return 0, &SchemaError{Table: table, Reason: "invalid table name"}
	}

	var cols []string
	var args []any
	if updates != nil {
		if len(updates) == 0 {
			return 0, &SchemaError{Table: table, Reason: "no columns to update"}
		}
		var err error
		cols, _, err = inferColumns(table, updates)
		if err != nil {
			return 0, err
		}
		args, err = e.bindArgs(table, cols, updates)
		if err != nil {
			return 0, err
		}
	}

	stmtSQL, stmtArgs := build(cols, args)

	conn, err := e.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer e.release(conn)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, &ExecError{Op: op, Table: table, Err: err}
	}

	res, err := tx.ExecContext(ctx, stmtSQL, stmtArgs...)
	if err != nil {
		_ = tx.Rollback()
		return 0, &ExecError{Op: op, Table: table, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return 0, &ExecError{Op: op, Table: table, Err: err}
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return 0, &ExecError{Op: op, Table: table, Err: err}
	}

	// The write is durable; stale entries must go before the caller can
	// issue a follow-up read.
	e.invalidate(table)
	e.logger.WithTable(table).WithOp(op).Debugf("%d rows affected", n)
	return n, nil
}

// Train pre-populates the compression dictionary from sample records so
// strings seen during training are already tokenized when live writes
// arrive. It is a no-op when compression is disabled.
func (e *Engine) Train(samples []Record) {
	if e.comp == nil {
		return
	}
	maps := make([]map[string]any, len(samples))
	for i, s := range samples {
		maps[i] = s
	}
	e.comp.Train(maps)
	e.metrics.SetDictionaryEntries(e.comp.Len())
	e.logger.Debugf("dictionary trained to %d entries", e.comp.Len())
}

// Stats returns a snapshot of engine state for telemetry collection.
func (e *Engine) Stats() Stats {
	s := Stats{
		PoolIdle:           e.pool.Idle(),
		PoolMax:            e.pool.MaxSize(),
		WALEnabled:         e.pool.WAL(),
		CompressionEnabled: e.comp != nil,
		BatchSize:          e.cfg.BatchSize,
		CacheEntries:       e.qc.Len(),
	}
	if e.comp != nil {
		s.DictionaryEntries = e.comp.Len()
	}
	return s
}

// ensureTable returns the column list for table, creating the table with an
// inferred schema on first write. Columns are fixed after creation; later
// records must fit the registered shape.
func (e *Engine) ensureTable(ctx context.Context, conn *pool.Conn, table string, first Record) ([]string, error) {
	e.mu.Lock()
	if cols, ok := e.tables[table]; ok {
		e.mu.Unlock()
		return cols, nil
	}
	e.mu.Unlock()

	cols, types, err := inferColumns(table, first)
	if err != nil {
		return nil, err
	}

	defs := make([]string, 0, len(cols)+1)
	defs = append(defs, "id INTEGER PRIMARY KEY AUTOINCREMENT")
	for i, col := range cols {
		defs = append(defs, col+" "+types[i])
	}
	ddl := "CREATE TABLE IF NOT EXISTS " + table + " (" + strings.Join(defs, ", ") + ")"

	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return nil, &ExecError{Op: "create_table", Table: table, Err: err}
	}
	e.logger.WithTable(table).Infof("created table with columns %v", cols)

	e.mu.Lock()
	// Another writer may have won the race; their column list is
	// authoritative.
	if existing, ok := e.tables[table]; ok {
		cols = existing
	} else {
		e.tables[table] = cols
	}
	e.mu.Unlock()
	return cols, nil
}

// bindArgs converts a record to driver arguments in column order. Fields
// outside the registered columns are a shape mismatch; missing fields bind
// NULL. String values pass through the compressor; composite values
// serialize to JSON text.
func (e *Engine) bindArgs(table string, cols []string, rec Record) ([]any, error) {
	colSet := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		colSet[c] = struct{}{}
	}
	for name := range rec {
		if _, ok := colSet[name]; !ok {
			return nil, &SchemaError{Table: table, Reason: fmt.Sprintf("field %q does not match the table's columns", name)}
		}
	}

	args := make([]any, len(cols))
	for i, col := range cols {
		v, ok := rec[col]
		if !ok || v == nil {
			args[i] = nil
			continue
		}
		switch tv := v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, bool, float32, float64:
			args[i] = tv
		case string:
			args[i] = e.encode(tv)
		default:
			text, err := jsonText(tv)
			if err != nil {
				return nil, &SchemaError{Table: table, Reason: err.Error()}
			}
			args[i] = e.encode(text)
		}
	}
	return args, nil
}

func (e *Engine) encode(s string) string {
	if e.comp == nil {
		return s
	}
	return e.comp.EncodeString(s)
}

// encodeParams maps string parameters to the wire form stored values have,
// so equality predicates compare like with like. The dictionary is not
// grown by lookups. The cache fingerprint is computed on the original
// parameters, before this mapping.
func (e *Engine) encodeParams(params []any) []any {
	if e.comp == nil {
		return params
	}
	out := make([]any, len(params))
	for i, p := range params {
		if s, ok := p.(string); ok {
			out[i] = e.comp.Token(s)
		} else {
			out[i] = p
		}
	}
	return out
}

// invalidate removes every cache entry whose query referenced table. The
// name is lower-cased to match queryTables' canonical form.
func (e *Engine) invalidate(table string) {
	table = strings.ToLower(table)
	removed := e.qc.Invalidate(table)
	e.metrics.RecordCacheInvalidation(table, removed)
	e.metrics.SetCacheEntries(e.qc.Len())
	if removed > 0 {
		e.logger.WithTable(table).Debugf("invalidated %d cache entries", removed)
	}
}

func (e *Engine) acquire(ctx context.Context) (*pool.Conn, error) {
	start := time.Now()
	conn, err := e.pool.Acquire(ctx)
	e.metrics.RecordAcquire(time.Since(start), errors.Is(err, pool.ErrPoolExhausted))
	if err != nil {
		return nil, err
	}
	e.metrics.SetPoolState(e.pool.InUse(), e.pool.Idle())
	return conn, nil
}

func (e *Engine) release(conn *pool.Conn) {
	e.pool.Release(conn)
	e.metrics.SetPoolState(e.pool.InUse(), e.pool.Idle())
}

func (e *Engine) syncGauges() {
	if e.comp != nil {
		e.metrics.SetDictionaryEntries(e.comp.Len())
	}
}

// cloneRows copies a cached result set so callers can mutate what they get
// back without corrupting the cache.
func cloneRows(rows []map[string]any) []Record {
	out := make([]Record, len(rows))
	for i, r := range rows {
		c := make(Record, len(r))
		for k, v := range r {
			c[k] = v
		}
		out[i] = c
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
