package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	apperrors "github.com/budgetbook/ledgerd/lib/errors"
	"github.com/budgetbook/ledgerd/lib/pool"
	"github.com/budgetbook/ledgerd/lib/resilience"
)

// DB is the caller-facing handle to a pooled SQLite database.
type DB struct {
	opts    Options
	pool    *pool.Pool[*Conn]
	breaker atomic.Pointer[resilience.CircuitBreaker]
}

// Open creates the database directory if needed and fills a pool of
// sessions. The pool's WAL flag follows opts.WAL.
func Open(ctx context.Context, opts Options, cfg pool.Config) (*DB, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}

	cfg.WAL = opts.WAL
	p, err := pool.New(ctx, Opener(opts), cfg)
	if err != nil {
		return nil, err
	}

	log.WithField("path", opts.Path).WithField("size", p.Size()).WithField("wal", opts.WAL).Info("database opened")
	return &DB{opts: opts, pool: p}, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pool.Pool[*Conn] {
	return db.pool
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.opts.Path
}

// SetBreaker guards connection acquisition with cb. Only pool exhaustion
// counts against the circuit; while it is open, WithConn and WithTx fail
// with ErrCircuitOpen instead of waiting. A nil cb removes the guard.
func (db *DB) SetBreaker(cb *resilience.CircuitBreaker) {
	db.breaker.Store(cb)
}

// Breaker returns the breaker set by SetBreaker, if any.
func (db *DB) Breaker() *resilience.CircuitBreaker {
	return db.breaker.Load()
}

// IsExhaustion reports whether err means the pool had no free session.
func IsExhaustion(err error) bool {
	return errors.Is(err, pool.ErrPoolExhausted)
}

// acquire leases a session, going through the breaker when one is set.
func (db *DB) acquire(ctx context.Context) (*pool.Lease[*Conn], error) {
	cb := db.breaker.Load()
	if cb == nil {
		return db.pool.Acquire(ctx)
	}

	var lease *pool.Lease[*Conn]
	err := cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		lease, err = db.pool.Acquire(ctx)
		return err
	})
	return lease, err
}

// WithConn runs fn with a leased session outside of any transaction.
func (db *DB) WithConn(ctx context.Context, fn func(*Conn) error) error {
	lease, err := db.acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Session())
}

// WithTx runs fn inside a transaction on a leased session. The transaction
// commits when fn returns nil and rolls back otherwise, including when fn
// panics. The session is returned to the pool on every path.
func (db *DB) WithTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	lease, err := db.acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	tx, err := lease.Session().BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "begin transaction", err)
	}

	defer func() {
		if r := recover(); r != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.WithError(rbErr).Warn("rollback after panic failed")
			}
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return apperrors.Join(err, fmt.Errorf("%w: %w", apperrors.ErrStoreRollback, rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "commit transaction", err)
	}
	return nil
}

// Checkpoint merges the write-ahead log into the database file.
func (db *DB) Checkpoint(ctx context.Context) (pool.CheckpointResult, bool) {
	return db.pool.CheckpointWAL(ctx)
}

// Close shuts the pool down, checkpointing first in WAL mode.
func (db *DB) Close(ctx context.Context) pool.ShutdownReport {
	report := db.pool.Shutdown(ctx)
	log.WithField("path", db.opts.Path).Info("database closed")
	return report
}
