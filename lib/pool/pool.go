package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/budgetbook/ledgerd/lib/errors"
)

var (
	// ErrPoolClosed is returned when acquiring from a pool that has been shut down.
	ErrPoolClosed = apperrors.ErrPoolClosed
	// ErrPoolExhausted is returned when no connection became free within the timeout.
	ErrPoolExhausted = apperrors.ErrPoolExhausted
	// ErrConstruction is returned when any connection fails to open during New.
	ErrConstruction = apperrors.ErrConstruction
)

// Default configuration values.
const (
	DefaultSize              = 8
	DefaultAcquireTimeout    = 10 * time.Second
	DefaultCheckpointTimeout = 5 * time.Second
	DefaultSettleDelay       = 500 * time.Millisecond

	// sampleWindowSize bounds the rolling window of acquire wait samples.
	sampleWindowSize = 1000
)

// Session is one live storage-engine connection held by the pool.
// The pool never duplicates a session and callers never close one.
type Session interface {
	// Checkpoint merges the write-ahead log into the main store.
	Checkpoint(ctx context.Context) (CheckpointResult, error)
	// Commit commits any pending transaction. It must tolerate having
	// nothing to commit.
	Commit(ctx context.Context) error
	// Close closes the session.
	Close() error
}

// Opener opens the session that will occupy slot index of the pool.
type Opener[S Session] func(ctx context.Context, index int) (S, error)

// Config configures the connection pool.
type Config struct {
	// Size is the number of connections held open.
	// Default: 8
	Size int
	// Monitoring enables per-connection usage records.
	// Aggregate counters are always maintained.
	Monitoring bool
	// WAL reports whether sessions run in write-ahead-log mode.
	// CheckpointWAL is a no-op when false.
	WAL bool
	// AcquireTimeout is the maximum wait per Acquire call.
	// Default: 10 seconds
	AcquireTimeout time.Duration
	// CheckpointTimeout bounds the wait for a connection to checkpoint with.
	// Default: 5 seconds
	CheckpointTimeout time.Duration
	// SettleDelay is how long Shutdown waits after its final checkpoint.
	// Default: 500 milliseconds
	SettleDelay time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Size:              DefaultSize,
		Monitoring:        true,
		WAL:               true,
		AcquireTimeout:    DefaultAcquireTimeout,
		CheckpointTimeout: DefaultCheckpointTimeout,
		SettleDelay:       DefaultSettleDelay,
	}
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = DefaultSize
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.CheckpointTimeout <= 0 {
		c.CheckpointTimeout = DefaultCheckpointTimeout
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	return c
}

// entry carries a session together with the identity assigned at creation.
type entry[S Session] struct {
	id      string
	index   int
	session S
}

// Pool is a fixed-size pool of storage sessions.
type Pool[S Session] struct {
	config Config

	// free is the free list. Sends happen only while mu is held so
	// Shutdown can drain it without racing a concurrent Release.
	free chan *entry[S]
	done chan struct{}

	mu         sync.Mutex
	entries    []*entry[S]
	records    map[string]*ConnectionRecord
	checkedOut map[string]time.Time
	waits      *sampleWindow
	idle       int
	peak       int
	waiting    int
	checkouts  uint64
	checkins   uint64
	failed     uint64
	createdAt  time.Time
	closed     bool
}

// New opens cfg.Size sessions and returns a pool holding all of them.
// Construction is all-or-nothing: if any session fails to open, the ones
// already opened are closed and an error wrapping ErrConstruction is returned.
func New[S Session](ctx context.Context, open Opener[S], cfg Config) (*Pool[S], error) {
	if open == nil {
		return nil, fmt.Errorf("%w: opener is required", ErrConstruction)
	}
	cfg = cfg.withDefaults()

	p := &Pool[S]{
		config:     cfg,
		free:       make(chan *entry[S], cfg.Size),
		done:       make(chan struct{}),
		entries:    make([]*entry[S], 0, cfg.Size),
		records:    make(map[string]*ConnectionRecord, cfg.Size),
		checkedOut: make(map[string]time.Time, cfg.Size),
		waits:      newSampleWindow(sampleWindowSize),
		createdAt:  time.Now(),
	}

	for i := 0; i < cfg.Size; i++ {
		s, err := open(ctx, i)
		if err != nil {
			p.abandon()
			log.WithError(err).WithField("index", i).Error("failed to open pooled connection")
			return nil, fmt.Errorf("%w: opening connection %d: %w", ErrConstruction, i, err)
		}

		e := &entry[S]{id: uuid.NewString(), index: i, session: s}
		p.entries = append(p.entries, e)
		p.free <- e

		if cfg.Monitoring {
			now := time.Now()
			p.records[e.id] = &ConnectionRecord{
				ID:        e.id,
				Index:     i,
				CreatedAt: now,
				LastUsed:  now,
				Status:    StatusAvailable,
			}
		}
	}
	p.idle = cfg.Size

	PoolConnectionsTotal.Set(int64(cfg.Size))
	log.WithField("size", cfg.Size).WithField("wal", cfg.WAL).WithField("monitoring", cfg.Monitoring).Debug("pool created")
	return p, nil
}

// abandon closes every session opened so far during a failed construction.
func (p *Pool[S]) abandon() {
	for _, e := range p.entries {
		if err := e.session.Close(); err != nil {
			log.WithError(err).WithField("connection", e.id).Warn("failed to close connection after construction failure")
		}
	}
	p.entries = nil
}

// Config returns the effective pool configuration.
func (p *Pool[S]) Config() Config {
	return p.config
}

// Size returns the number of connections the pool was built with.
func (p *Pool[S]) Size() int {
	return p.config.Size
}

// Acquire waits up to the configured timeout for a free connection.
// A context deadline earlier than the timeout takes precedence.
// The returned lease must be released; Release is safe to defer.
func (p *Pool[S]) Acquire(ctx context.Context) (*Lease[S], error) {
	return p.acquire(ctx, p.config.AcquireTimeout)
}

func (p *Pool[S]) acquire(ctx context.Context, timeout time.Duration) (*Lease[S], error) {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.waiting++
	p.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var e *entry[S]
	select {
	case e = <-p.free:
	case <-timer.C:
		return nil, p.failCheckout(fmt.Errorf("%w: no connection within %s", ErrPoolExhausted, timeout))
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, p.failCheckout(fmt.Errorf("%w: %w", ErrPoolExhausted, ctx.Err()))
		}
		return nil, p.failCheckout(ctx.Err())
	case <-p.done:
		p.mu.Lock()
		p.waiting--
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	wait := time.Since(start)
	if !p.checkout(e, wait) {
		return nil, ErrPoolClosed
	}

	PoolCheckoutsTotal.Inc()
	PoolAcquireLatency.ObserveDuration(wait)
	return &Lease[S]{pool: p, entry: e}, nil
}

// checkout records a successful hand-off. It reports false when the pool
// was shut down while the caller was waiting; the session is closed then.
func (p *Pool[S]) checkout(e *entry[S], wait time.Duration) bool {
	now := time.Now()

	p.mu.Lock()
	p.waiting--
	if p.closed {
		p.idle--
		p.mu.Unlock()
		p.closeSession(e)
		return false
	}

	p.idle--
	p.checkouts++
	p.checkedOut[e.id] = now
	if active := len(p.checkedOut); active > p.peak {
		p.peak = active
	}
	p.waits.add(wait)

	if rec, ok := p.records[e.id]; ok {
		rec.Status = StatusInUse
		rec.LastUsed = now
		rec.TotalUses++
	}
	p.mu.Unlock()
	return true
}

func (p *Pool[S]) failCheckout(err error) error {
	p.mu.Lock()
	p.waiting--
	p.failed++
	p.mu.Unlock()

	PoolFailedCheckoutsTotal.Inc()
	log.WithError(err).Debug("connection checkout failed")
	return err
}

// Release returns a leased connection to the pool. It is equivalent to
// l.Release() and exists for callers holding the pool rather than the lease.
// A lease that belongs to a different pool is reported and ignored.
func (p *Pool[S]) Release(l *Lease[S]) {
	if l == nil {
		return
	}
	if l.pool != p {
		log.WithField("connection", "unknown").Warn("release of a connection this pool does not own")
		return
	}
	l.Release()
}

// checkin returns e to the free list and folds its checkout into the stats.
func (p *Pool[S]) checkin(e *entry[S]) {
	now := time.Now()

	p.mu.Lock()
	checkedOutAt, ok := p.checkedOut[e.id]
	if !ok {
		p.mu.Unlock()
		log.WithField("connection", "unknown").Warn("release of a connection that is not checked out")
		return
	}
	delete(p.checkedOut, e.id)
	p.checkins++

	if rec, found := p.records[e.id]; found {
		rec.Status = StatusAvailable
		rec.TotalTimeInUse += now.Sub(checkedOutAt)
	}

	if p.closed {
		p.mu.Unlock()
		p.closeSession(e)
		PoolCheckinsTotal.Inc()
		return
	}

	p.idle++
	select {
	case p.free <- e:
	default:
		// Capacity equals the pool size and e came from the free list.
		p.idle--
		log.WithField("connection", e.id).Error("free list full on release")
	}
	p.mu.Unlock()
	PoolCheckinsTotal.Inc()
}

// With acquires a connection, runs fn with it and releases it on every
// exit path, including a panic in fn.
func (p *Pool[S]) With(ctx context.Context, fn func(S) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Session())
}

func (p *Pool[S]) closeSession(e *entry[S]) error {
	if err := e.session.Close(); err != nil {
		log.WithError(err).WithField("connection", e.id).Warn("failed to close connection")
		return err
	}
	return nil
}

// Lease is a scoped checkout of one pooled connection.
type Lease[S Session] struct {
	pool  *Pool[S]
	entry *entry[S]
	once  sync.Once
}

// Session returns the leased connection. It must not be used after Release.
func (l *Lease[S]) Session() S {
	return l.entry.session
}

// ID returns the stable identity of the leased connection.
func (l *Lease[S]) ID() string {
	return l.entry.id
}

// Release returns the connection to its pool. Calls after the first are no-ops.
func (l *Lease[S]) Release() {
	l.once.Do(func() {
		l.pool.checkin(l.entry)
	})
}
