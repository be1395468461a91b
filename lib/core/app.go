package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/smira/go-statsd"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/budgetbook/ledgerd/lib/errors"
	"github.com/budgetbook/ledgerd/lib/ledger"
	"github.com/budgetbook/ledgerd/lib/metrics"
	"github.com/budgetbook/ledgerd/lib/monitor"
	"github.com/budgetbook/ledgerd/lib/pool"
	"github.com/budgetbook/ledgerd/lib/resilience"
	"github.com/budgetbook/ledgerd/lib/store"
	"github.com/budgetbook/ledgerd/lib/web"
)

// State represents the lifecycle state of an App.
type State int

const (
	// StateInitial is the initial state before Start is called.
	StateInitial State = iota
	// StateStarting means the database is being opened.
	StateStarting
	// StateRunning means the pool and its background tasks are live.
	StateRunning
	// StateStopping means the app is shutting down.
	StateStopping
	// StateStopped means every component has been released.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// App owns the pooled database and everything that watches it: the health
// monitor, the periodic checkpointer, the ops web server and the optional
// StatsD client. There is no package-level pool; callers reach the
// database through App.DB.
type App struct {
	mu     sync.RWMutex
	config *Config
	root   *slog.Logger
	logger *slog.Logger
	state  State

	db           *store.DB
	tags         *ledger.Repository
	monitor      *monitor.Monitor
	checkpointer *monitor.Checkpointer
	web          *web.Server
	statsd       *statsd.Client

	// cancel signals shutdown to the run loop
	cancel context.CancelFunc
	// done is closed once shutdown has released every component
	done chan struct{}

	startedAt       time.Time
	shutdownTimeout time.Duration
	report          pool.ShutdownReport

	onStateChange func(oldState, newState State)
	onError       func(err error, message string)
	onAlert       func(monitor.Alert)
}

// NewApp creates an App with the given configuration.
// Nothing is opened until Start is called.
func NewApp(cfg *Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", apperrors.ErrAppInvalidConfig)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrAppInvalidConfig, err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &App{
		config:          cfg,
		root:            logger,
		logger:          logger.With("component", "app"),
		state:           StateInitial,
		done:            make(chan struct{}),
		shutdownTimeout: DefaultShutdownTimeout,
	}, nil
}

// Start opens the database, bootstraps the schema and starts the
// background tasks enabled in the configuration:
//   - health monitor
//   - periodic WAL checkpoints (WAL mode only)
//   - ops web server
//
// Start returns once everything is running. The app shuts down when Stop
// is called or ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateInitial && a.state != StateStopped {
		a.mu.Unlock()
		return fmt.Errorf("%w: cannot start app in state %s", apperrors.ErrAppInvalidState, a.state)
	}
	oldState := a.state
	a.state = StateStarting
	a.done = make(chan struct{})
	a.mu.Unlock()

	a.emitStateChange(oldState, StateStarting)

	cfg := a.config
	wal := cfg.UseWAL()
	a.logger.Info("starting ledgerd",
		"database", cfg.DatabasePath(),
		"pool_size", cfg.PoolSize(),
		"wal", wal,
	)

	db, err := store.Open(ctx, store.Options{
		Path: cfg.DatabasePath(),
		WAL:  wal,
	}, pool.Config{
		Size:           cfg.PoolSize(),
		Monitoring:     cfg.Pool.Monitoring,
		AcquireTimeout: cfg.Pool.AcquireTimeout.Std(),
	})
	if err != nil {
		a.transitionToStopped()
		a.emitError(err, "failed to open database")
		return fmt.Errorf("opening database: %w", err)
	}

	if n := cfg.Pool.BreakerThreshold; n > 0 {
		cb := resilience.NewCircuitBreaker("pool", resilience.CircuitBreakerConfig{
			FailureThreshold: n,
			Timeout:          cfg.Pool.BreakerCooldown.Std(),
			IsFailure:        store.IsExhaustion,
		})
		cb.SetStateChangeCallback(func(from, to resilience.CircuitState) {
			a.logger.Warn("pool circuit breaker", "from", from.String(), "to", to.String())
		})
		db.SetBreaker(cb)
	}

	tags := ledger.New(db)
	if err := tags.EnsureSchema(ctx); err != nil {
		db.Close(context.Background())
		a.transitionToStopped()
		a.emitError(err, "failed to bootstrap schema")
		return fmt.Errorf("bootstrapping schema: %w", err)
	}

	appCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	a.mu.Lock()
	a.db = db
	a.tags = tags
	a.cancel = cancel
	a.statsd = monitor.NewStatsD(cfg.StatsD.Address, cfg.StatsD.Prefix)
	a.mu.Unlock()

	if err := a.startBackground(appCtx, db.Pool(), wal); err != nil {
		cancel()
		a.shutdown()
		a.transitionToStopped()
		close(a.done)
		a.emitError(err, "failed to start background tasks")
		return err
	}

	a.mu.Lock()
	a.state = StateRunning
	a.startedAt = time.Now()
	a.mu.Unlock()

	metrics.RecordStartTime()
	a.emitStateChange(StateStarting, StateRunning)
	a.logger.Info("ledgerd started")

	go a.run(ctx, appCtx)

	return nil
}

func (a *App) startBackground(ctx context.Context, p *pool.Pool[*store.Conn], wal bool) error {
	cfg := a.config
	a.mu.RLock()
	sd := a.statsd
	a.mu.RUnlock()

	if cfg.Monitor.Enabled {
		mcfg := monitor.Config{
			Interval:           cfg.Monitor.HealthCheckInterval.Std(),
			AlertCooldown:      cfg.Monitor.AlertCooldown.Std(),
			MetricsLogInterval: cfg.Monitor.MetricsLogInterval.Std(),
			Continuous:         cfg.Monitor.Continuous,
			Logger:             a.root,
			OnAlert:            a.emitAlert,
		}
		if cfg.Monitor.Continuous {
			mcfg.Output = os.Stdout
		}
		// a nil *statsd.Client must not reach the Sink interface
		if sd != nil {
			mcfg.StatsD = sd
		}
		mon := monitor.New(p, mcfg)
		a.mu.Lock()
		a.monitor = mon
		a.mu.Unlock()
		if err := mon.Start(ctx); err != nil {
			return fmt.Errorf("starting monitor: %w", err)
		}
	}

	if wal {
		cp := monitor.NewCheckpointer(p, cfg.Pool.CheckpointInterval.Std(), a.root)
		a.mu.Lock()
		a.checkpointer = cp
		a.mu.Unlock()
		if err := cp.Start(ctx); err != nil {
			return fmt.Errorf("starting checkpointer: %w", err)
		}
	}

	if cfg.Web.Enabled {
		srv, err := web.New(web.Config{
			ListenAddr: cfg.Web.Listen,
			Source:     p,
			RateLimit: &web.RateLimitConfig{
				RequestsPerSecond: cfg.Web.RequestsPerSecond,
				BurstSize:         cfg.Web.Burst,
				TrustProxy:        cfg.Web.TrustProxy,
			},
			Logger: a.root,
		})
		if err != nil {
			return fmt.Errorf("creating web server: %w", err)
		}
		if err := srv.Start(); err != nil {
			return fmt.Errorf("starting web server: %w", err)
		}
		a.mu.Lock()
		a.web = srv
		a.mu.Unlock()
	}
	return nil
}

// run waits for Stop or for the parent context to end, then releases
// every component.
func (a *App) run(parent, ctx context.Context) {
	defer close(a.done)

	select {
	case <-ctx.Done():
	case <-parent.Done():
		a.mu.Lock()
		if a.state == StateRunning {
			a.state = StateStopping
			a.mu.Unlock()
			a.emitStateChange(StateRunning, StateStopping)
		} else {
			a.mu.Unlock()
		}
		a.cancel()
	}

	a.logger.Info("ledgerd shutting down")
	a.shutdown()

	a.mu.Lock()
	oldState := a.state
	a.state = StateStopped
	a.mu.Unlock()

	a.emitStateChange(oldState, StateStopped)
}

// shutdown stops the background tasks concurrently, then closes the pool,
// which runs the final checkpoint.
func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()

	a.mu.RLock()
	srv, mon, cp, db, sd := a.web, a.monitor, a.checkpointer, a.db, a.statsd
	a.mu.RUnlock()

	var g errgroup.Group
	if srv != nil {
		g.Go(func() error { return srv.Stop(ctx) })
	}
	if mon != nil {
		g.Go(func() error {
			mon.Stop()
			return nil
		})
	}
	if cp != nil {
		g.Go(func() error {
			cp.Stop()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.logger.Warn("background task did not stop cleanly", "error", err)
		a.emitError(err, "background task did not stop cleanly")
	}

	var report pool.ShutdownReport
	if db != nil {
		report = db.Close(ctx)
		a.logger.Info("database closed",
			"checkpointed", report.Checkpointed,
			"closed", report.Closed,
			"close_errors", report.CloseErrors,
			"outstanding", report.Outstanding,
		)
	}
	if sd != nil {
		if err := sd.Close(); err != nil {
			a.logger.Debug("closing statsd client", "error", err)
		}
	}

	a.mu.Lock()
	a.report = report
	a.web = nil
	a.monitor = nil
	a.checkpointer = nil
	a.statsd = nil
	a.mu.Unlock()
}

// Stop gracefully shuts the app down. It blocks until every component has
// been released or ctx is done.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateRunning {
		a.mu.Unlock()
		return fmt.Errorf("%w: cannot stop app in state %s", apperrors.ErrAppInvalidState, a.state)
	}
	a.state = StateStopping
	cancel := a.cancel
	done := a.done
	a.mu.Unlock()

	a.emitStateChange(StateRunning, StateStopping)
	a.logger.Info("stopping ledgerd")

	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
		a.logger.Info("ledgerd stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) transitionToStopped() {
	a.mu.Lock()
	a.state = StateStopped
	a.mu.Unlock()
}

// State returns the current lifecycle state.
func (a *App) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Config returns the app's configuration.
func (a *App) Config() *Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// DB returns the pooled database, or nil before Start.
func (a *App) DB() *store.DB {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.db
}

// Tags returns the tag repository, or nil before Start.
func (a *App) Tags() *ledger.Repository {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tags
}

// Monitor returns the health monitor, or nil when it is disabled.
func (a *App) Monitor() *monitor.Monitor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.monitor
}

// Checkpointing reports whether periodic checkpoints are running.
func (a *App) Checkpointing() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.checkpointer != nil
}

// WebAddr returns the bound address of the ops server, or "" when it is
// not running.
func (a *App) WebAddr() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.web == nil {
		return ""
	}
	return a.web.Addr()
}

// ShutdownReport returns what the last shutdown did to the pool.
func (a *App) ShutdownReport() pool.ShutdownReport {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.report
}

// Done returns a channel that is closed when the app has stopped.
func (a *App) Done() <-chan struct{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.done
}

// StartedAt returns when the app was started.
// Returns zero time if not started.
func (a *App) StartedAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.startedAt
}

// Uptime returns how long the app has been running.
// Returns zero if not running.
func (a *App) Uptime() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.startedAt.IsZero() || a.state != StateRunning {
		return 0
	}
	return time.Since(a.startedAt)
}

// SetShutdownTimeout bounds how long shutdown waits for the web server and
// the pool. Non-positive values are ignored.
func (a *App) SetShutdownTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdownTimeout = d
}

// SetOnStateChange sets a callback for state changes.
// The callback is invoked synchronously during state transitions.
func (a *App) SetOnStateChange(callback func(oldState, newState State)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onStateChange = callback
}

// SetOnError sets a callback for error events.
func (a *App) SetOnError(callback func(err error, message string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onError = callback
}

// SetOnAlert sets a callback for pool health alerts. It must be set
// before Start.
func (a *App) SetOnAlert(callback func(monitor.Alert)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onAlert = callback
}

func (a *App) emitStateChange(oldState, newState State) {
	a.mu.RLock()
	callback := a.onStateChange
	a.mu.RUnlock()

	if callback != nil {
		callback(oldState, newState)
	}
}

func (a *App) emitError(err error, message string) {
	a.mu.RLock()
	callback := a.onError
	a.mu.RUnlock()

	if callback != nil {
		callback(err, message)
	}
}

func (a *App) emitAlert(alert monitor.Alert) {
	a.mu.RLock()
	callback := a.onAlert
	a.mu.RUnlock()

	if callback != nil {
		callback(alert)
	}
}
