// Package store adapts SQLite to the connection pool. Each pooled session
// is a single pinned connection configured with the journal, durability and
// locking pragmas ledgerd relies on.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/budgetbook/ledgerd/lib/errors"
	"github.com/budgetbook/ledgerd/lib/pool"
)

const (
	driverName = "sqlite"

	// DefaultBusyTimeout is how long a statement waits on a locked database.
	DefaultBusyTimeout = 30 * time.Second

	// walAutocheckpointPages is the WAL size, in pages, that triggers an
	// automatic checkpoint.
	walAutocheckpointPages = 500
	// cacheSizeKiB is the per-connection page cache. SQLite reads negative
	// cache_size values as KiB.
	cacheSizeKiB = 2000
)

// Options configures how sessions are opened.
type Options struct {
	// Path is the database file.
	Path string
	// WAL selects journal_mode=WAL. When false, journal_mode=DELETE is used.
	WAL bool
	// BusyTimeout bounds lock waits.
	// Default: 30 seconds
	BusyTimeout time.Duration
}

func (o Options) validate() error {
	if strings.TrimSpace(o.Path) == "" {
		return fmt.Errorf("%w: database path is required", apperrors.ErrStoreInvalidConfig)
	}
	if o.BusyTimeout < 0 {
		return fmt.Errorf("%w: busy timeout must not be negative", apperrors.ErrStoreInvalidConfig)
	}
	return nil
}

func (o Options) pragmas() []string {
	busy := o.BusyTimeout
	if busy == 0 {
		busy = DefaultBusyTimeout
	}

	out := []string{fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds())}
	if o.WAL {
		out = append(out,
			"PRAGMA journal_mode = WAL",
			fmt.Sprintf("PRAGMA wal_autocheckpoint = %d", walAutocheckpointPages),
		)
	} else {
		out = append(out, "PRAGMA journal_mode = DELETE")
	}
	return append(out,
		"PRAGMA synchronous = FULL",
		fmt.Sprintf("PRAGMA cache_size = -%d", cacheSizeKiB),
		"PRAGMA foreign_keys = ON",
	)
}

// Conn is one pooled SQLite session. It satisfies pool.Session.
type Conn struct {
	db   *sql.DB
	conn *sql.Conn
}

var _ pool.Session = (*Conn)(nil)

// OpenConn opens a dedicated connection to opts.Path and applies the
// session pragmas. The connection is pinned for its whole lifetime so that
// per-connection state such as pragmas survives.
func OpenConn(ctx context.Context, opts Options) (*Conn, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, opts.Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", opts.Path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s: %w", opts.Path, err)
	}

	for _, stmt := range opts.pragmas() {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			conn.Close()
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", stmt, err)
		}
	}

	log.WithField("path", opts.Path).WithField("wal", opts.WAL).Debug("sqlite session opened")
	return &Conn{db: db, conn: conn}, nil
}

// Opener returns a pool.Opener that opens sessions with opts.
func Opener(opts Options) pool.Opener[*Conn] {
	return func(ctx context.Context, index int) (*Conn, error) {
		c, err := OpenConn(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("session %d: %w", index, err)
		}
		return c, nil
	}
}

// Checkpoint runs a RESTART checkpoint, which blocks new writers until the
// log has been copied into the database file.
func (c *Conn) Checkpoint(ctx context.Context) (pool.CheckpointResult, error) {
	var res pool.CheckpointResult
	err := c.conn.QueryRowContext(ctx, "PRAGMA wal_checkpoint(RESTART)").
		Scan(&res.Busy, &res.LogFrames, &res.CheckpointedFrames)
	if err != nil {
		return res, fmt.Errorf("wal_checkpoint: %w", err)
	}
	return res, nil
}

// Commit commits an open transaction left on the session. Having no
// transaction open is not an error.
func (c *Conn) Commit(ctx context.Context) error {
	if _, err := c.conn.ExecContext(ctx, "COMMIT"); err != nil {
		if strings.Contains(err.Error(), "no transaction is active") {
			return nil
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the pinned connection and its handle.
func (c *Conn) Close() error {
	connErr := c.conn.Close()
	dbErr := c.db.Close()
	return apperrors.Join(connErr, dbErr)
}

// JournalMode reports the journal mode in effect on the session.
func (c *Conn) JournalMode(ctx context.Context) (string, error) {
	var mode string
	if err := c.conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		return "", fmt.Errorf("journal_mode: %w", err)
	}
	return strings.ToLower(mode), nil
}

// BeginTx starts a transaction on the session.
func (c *Conn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.conn.BeginTx(ctx, opts)
}

// ExecContext runs a statement outside of a transaction.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query outside of a transaction.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query outside of a transaction.
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}
