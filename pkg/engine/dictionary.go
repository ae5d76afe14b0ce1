package engine

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/crudhpc/crudhpc/pkg/compress"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate creates the engine's bookkeeping tables (currently the persisted
// compression dictionary). Data tables are created lazily by CreateBulk and
// are not managed here.
func (e *Engine) Migrate(_ context.Context) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(e.pool.DB(), &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// SaveDictionary persists the compression dictionary to the store, so a
// later process can decode rows written by this one. Existing entries keep
// their identifiers; the write is one transaction.
func (e *Engine) SaveDictionary(ctx context.Context) error {
	if e.comp == nil {
		return nil
	}

	entries := e.comp.Snapshot()

	conn, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer e.release(conn)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dictionary save: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO compression_dict (id, value) VALUES (?, ?) ON CONFLICT(id) DO NOTHING")
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare dictionary insert: %w", err)
	}
	defer stmt.Close()

	for _, entry := range entries {
		if _, err := stmt.ExecContext(ctx, entry.ID, entry.Value); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to save dictionary entry %d: %w", entry.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to commit dictionary save: %w", err)
	}

	e.logger.Infof("saved %d dictionary entries", len(entries))
	return nil
}

// LoadDictionary replaces the in-memory dictionary with the persisted one.
// Call it before reading rows written by an earlier process.
func (e *Engine) LoadDictionary(ctx context.Context) error {
	if e.comp == nil {
		return nil
	}

	conn, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer e.release(conn)

	rows, err := conn.QueryContext(ctx, "SELECT id, value FROM compression_dict ORDER BY id")
	if err != nil {
		return fmt.Errorf("failed to load dictionary: %w", err)
	}
	defer rows.Close()

	var entries []compress.Entry
	for rows.Next() {
		var entry compress.Entry
		if err := rows.Scan(&entry.ID, &entry.Value); err != nil {
			return fmt.Errorf("failed to scan dictionary entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating dictionary entries: %w", err)
	}

	if err := e.comp.Restore(entries); err != nil {
		return fmt.Errorf("failed to restore dictionary: %w", err)
	}

	e.metrics.SetDictionaryEntries(len(entries))
	e.logger.Infof("loaded %d dictionary entries", len(entries))
	return nil
}
