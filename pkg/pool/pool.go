package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	// SQLite driver
	_ "modernc.org/sqlite"
)

var (
	// ErrPoolExhausted is returned by Acquire when no connection became
	// available before the timeout. Callers may retry with backoff.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("connection pool closed")
)

// Config holds connection pool configuration.
type Config struct {
	// Path is the SQLite database file. ":memory:" style DSNs work but
	// give every connection its own private database; use a file path
	// when MaxSize > 1.
	Path string `validate:"required"`

	// MaxSize bounds open connections: idle + checked out never exceeds it.
	MaxSize int `validate:"min=1,max=1024"`

	// AcquireTimeout bounds how long Acquire blocks when the pool is
	// saturated before failing with ErrPoolExhausted.
	AcquireTimeout time.Duration `validate:"min=0"`

	// WAL selects write-ahead journaling, which allows concurrent readers
	// alongside a writer while keeping committed writes durable.
	WAL bool

	// CacheKiB is the per-connection page cache size in KiB.
	CacheKiB int `validate:"min=0"`

	// BusyTimeout is the per-connection SQLite busy handler timeout.
	BusyTimeout time.Duration `validate:"min=0"`
}

// DefaultConfig returns the pool configuration used when fields are unset.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		MaxSize:        10,
		AcquireTimeout: 5 * time.Second,
		WAL:            true,
		CacheKiB:       65536,
		BusyTimeout:    5 * time.Second,
	}
}

// Conn is a pooled connection with exclusive-use semantics: between Acquire
// and Release it is owned by exactly one caller and must not be shared.
type Conn struct {
	sc *sql.Conn
}

// ExecContext executes a statement on this connection.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.sc.ExecContext(ctx, query, args...)
}

// QueryContext runs a query on this connection.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.sc.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query on this connection.
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.sc.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction on this connection.
func (c *Conn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.sc.BeginTx(ctx, opts)
}

func (c *Conn) close() {
	_ = c.sc.Close()
}

// Pool is a bounded set of reusable SQLite connections. Acquire blocks on a
// channel when the pool is saturated, so waiting callers are descheduled
// rather than spinning, and are woken directly by Release.
type Pool struct {
	db  *sql.DB
	cfg Config

	mu      sync.Mutex
	numOpen int
	closed  bool

	// checkedOut tracks every handle currently owned by a caller, so
	// Release can reject a handle that is not actually checked out.
	checkedOut map[*Conn]struct{}

	idle chan *Conn
	done chan struct{}
}

// New opens the database and creates an empty pool. Connections are created
// lazily on demand up to MaxSize.
func New(cfg Config) (*Pool, error) {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 10
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The pool manages checkout itself; database/sql must never close
	// connections out from under it.
	db.SetMaxOpenConns(cfg.MaxSize)
	db.SetMaxIdleConns(cfg.MaxSize)
	db.SetConnMaxLifetime(0)

	return &Pool{
		db:         db,
		cfg:        cfg,
		checkedOut: make(map[*Conn]struct{}),
		idle:       make(chan *Conn, cfg.MaxSize),
		done:       make(chan struct{}),
	}, nil
}

// Acquire returns an idle connection, creates one if the pool is under
// capacity, or blocks until a connection is released. Blocking is bounded
// by the configured AcquireTimeout and by ctx.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case c := <-p.idle:
		return p.checkout(c), nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.numOpen < p.cfg.MaxSize {
		p.numOpen++
		p.mu.Unlock()

		c, err := p.openConn(ctx)
		if err != nil {
			p.mu.Lock()
			p.numOpen--
			p.mu.Unlock()
			return nil, err
		}
		return p.checkout(c), nil
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case c := <-p.idle:
		return p.checkout(c), nil
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("%w: no connection released within %s", ErrPoolExhausted, p.cfg.AcquireTimeout)
	}
}

// checkout records conn as owned by a caller.
func (p *Pool) checkout(c *Conn) *Conn {
	p.mu.Lock()
	p.checkedOut[c] = struct{}{}
	p.mu.Unlock()
	return c
}

// Release returns conn to the idle set, or closes it if the pool has shut
// down. It never blocks and never fails. Releasing nil, or a handle that
// is not currently checked out (a double release), is a no-op.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}

	// The closed check and the idle send happen under the same mutex
	// Close takes to flip the flag, so a released conn is either visible
	// to Close's drain or closed here; it cannot slip into idle after
	// the drain finished.
	p.mu.Lock()
	if _, ok := p.checkedOut[conn]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.checkedOut, conn)

	if p.closed {
		p.numOpen--
		p.mu.Unlock()
		conn.close()
		return
	}

	select {
	case p.idle <- conn:
		p.mu.Unlock()
	default:
		// idle holds MaxSize slots and numOpen never exceeds MaxSize,
		// so a full channel means the counters are corrupt. Close the
		// handle instead of blocking.
		p.numOpen--
		p.mu.Unlock()
		conn.close()
	}
}

// Close closes every idle connection and marks the pool shut down. Blocked
// Acquire calls fail immediately; connections still checked out are closed
// when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	for {
		select {
		case c := <-p.idle:
			p.mu.Lock()
			p.numOpen--
			p.mu.Unlock()
			c.close()
		default:
			return p.db.Close()
		}
	}
}

// openConn dials a dedicated connection and applies the store-level
// performance configuration exactly once, at creation time.
func (p *Pool) openConn(ctx context.Context) (*Conn, error) {
	sc, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	journal := "DELETE"
	if p.cfg.WAL {
		journal = "WAL"
	}

	// PRAGMA journal_mode returns the resulting mode as a row.
	var mode string
	if err := sc.QueryRowContext(ctx, "PRAGMA journal_mode="+journal).Scan(&mode); err != nil {
		_ = sc.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	pragmas := []string{
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		fmt.Sprintf("PRAGMA cache_size=-%d", p.cfg.CacheKiB),
		fmt.Sprintf("PRAGMA busy_timeout=%d", p.cfg.BusyTimeout.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if _, err := sc.ExecContext(ctx, pragma); err != nil {
			_ = sc.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return &Conn{sc: sc}, nil
}

// Idle returns the current number of idle connections.
func (p *Pool) Idle() int {
	return len(p.idle)
}

// InUse returns the current number of checked-out connections.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.checkedOut)
}

// MaxSize returns the configured capacity.
func (p *Pool) MaxSize() int {
	return p.cfg.MaxSize
}

// WAL reports whether connections run in write-ahead journaling mode.
func (p *Pool) WAL() bool {
	return p.cfg.WAL
}

// DB exposes the underlying handle for schema migrations. It must not be
// used for statement execution; that would bypass pool checkout.
func (p *Pool) DB() *sql.DB {
	return p.db
}
