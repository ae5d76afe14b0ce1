// Package engine implements the concurrency-safe CRUD access layer over an
// embedded SQLite store.
//
// # Overview
//
// The Engine is the only component application code calls. It composes
// three subsystems:
//
//   - a bounded connection pool (pkg/pool) with blocking, timeout-bounded
//     checkout
//   - a bounded LRU query cache (pkg/cache) with table-level invalidation
//   - an adaptive string compressor (pkg/compress) with a persisted
//     dictionary
//
// Writes check out a connection, create the target table on first use with
// a schema inferred from the first record, execute in fixed-size batches
// each inside its own transaction, and release the connection on every
// exit path. Reads are served through the query cache; a write to a table
// invalidates that table's cached results after the commit and before the
// write returns, so a read started after a completed write never sees
// pre-write data.
//
// # Atomicity
//
// CreateBulk commits each batch independently: a failure rolls back only
// the current batch, and identifiers from earlier batches remain valid.
// UpdateTransactional and DeleteCascade are single transactions. No
// operation ever leaves a transaction open across a connection release.
//
// # Example
//
//	eng, err := engine.New(engine.DefaultConfig("data.db"), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
//	ids, err := eng.CreateBulk(ctx, "users", []engine.Record{
//	    {"name": "ada", "score": 99},
//	})
//	rows, err := eng.ReadCached(ctx, "SELECT * FROM users WHERE score > ?", 50)
package engine
