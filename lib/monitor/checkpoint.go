package monitor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/budgetbook/ledgerd/lib/metrics"
	"github.com/budgetbook/ledgerd/lib/pool"
)

// DefaultCheckpointInterval is the time between periodic WAL checkpoints.
const DefaultCheckpointInterval = 5 * time.Minute

// Checkpointable merges its write-ahead log on request.
// *pool.Pool satisfies it.
type Checkpointable interface {
	CheckpointWAL(ctx context.Context) (pool.CheckpointResult, bool)
}

// Checkpointer runs WAL checkpoints on a fixed interval.
type Checkpointer struct {
	target   Checkpointable
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	runs     atomic.Uint64
	failures atomic.Uint64
}

// NewCheckpointer creates a checkpointer. A non-positive interval uses
// DefaultCheckpointInterval and a nil logger uses slog.Default().
func NewCheckpointer(target Checkpointable, interval time.Duration, logger *slog.Logger) *Checkpointer {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkpointer{
		target:   target,
		interval: interval,
		logger:   logger.With("component", "checkpointer"),
	}
}

// Start begins periodic checkpoints. The first one runs after one interval.
func (c *Checkpointer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Debug("periodic checkpoint started", "interval", c.interval)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Run(ctx)
			}
		}
	}()
	return nil
}

// Stop halts the checkpoint loop and waits for it to exit.
func (c *Checkpointer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Debug("periodic checkpoint stopped")
}

// Run performs one checkpoint and reports whether it succeeded.
func (c *Checkpointer) Run(ctx context.Context) bool {
	c.runs.Add(1)
	metrics.CheckpointsTotal.Inc()

	res, ok := c.target.CheckpointWAL(ctx)
	if !ok {
		c.failures.Add(1)
		metrics.CheckpointFailuresTotal.Inc()
		return false
	}
	c.logger.Debug("periodic checkpoint",
		"busy", res.Busy,
		"log", res.LogFrames,
		"checkpointed", res.CheckpointedFrames)
	return true
}

// Runs returns the number of checkpoints attempted.
func (c *Checkpointer) Runs() uint64 { return c.runs.Load() }

// Failures returns the number of checkpoints that did not complete.
func (c *Checkpointer) Failures() uint64 { return c.failures.Load() }
