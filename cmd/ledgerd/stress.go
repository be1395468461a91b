package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/urfave/cli/v2"

	"github.com/budgetbook/ledgerd/lib/ledger"
	"github.com/budgetbook/ledgerd/lib/pool"
	"github.com/budgetbook/ledgerd/lib/resilience"
	"github.com/budgetbook/ledgerd/lib/store"
)

var stressColors = []string{"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231"}

func stressCommand() *cli.Command {
	return &cli.Command{
		Name:  "stress",
		Usage: "drive concurrent tag writes through a pool and report its statistics",
		Description: `Opens the configured database with its own pool, submits --ops tag
inserts and lookups from --workers goroutines, then prints the pool
statistics. Use a small --pool-size and a short --acquire-timeout to
watch the pool saturate; once the configured breaker trips, operations
are rejected without waiting.`,
		Flags: []cli.Flag{
			dbFlag(),
			poolSizeFlag(),
			&cli.IntFlag{
				Name:  "workers",
				Usage: "concurrent workers",
				Value: 32,
			},
			&cli.IntFlag{
				Name:  "ops",
				Usage: "operations to run",
				Value: 1000,
			},
			&cli.DurationFlag{
				Name:  "acquire-timeout",
				Usage: "per-operation wait for a connection",
				Value: 2 * time.Second,
			},
			&cli.StringFlag{
				Name:  "export",
				Usage: "also write the JSON metrics document to this file",
			},
		},
		Action: runStress,
	}
}

type stressResult struct {
	ok        atomic.Uint64
	exhausted atomic.Uint64
	rejected  atomic.Uint64
	failed    atomic.Uint64
}

func runStress(c *cli.Context) error {
	logger := newLogger(c)

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ops := c.Int("ops")
	if ops <= 0 {
		return fmt.Errorf("--ops must be positive")
	}

	ctx := c.Context
	db, err := store.Open(ctx, store.Options{
		Path: cfg.DatabasePath(),
		WAL:  cfg.UseWAL(),
	}, pool.Config{
		Size:           cfg.PoolSize(),
		Monitoring:     true,
		AcquireTimeout: c.Duration("acquire-timeout"),
	})
	if err != nil {
		return err
	}
	defer db.Close(context.Background())

	if n := cfg.Pool.BreakerThreshold; n > 0 {
		db.SetBreaker(resilience.NewCircuitBreaker("pool", resilience.CircuitBreakerConfig{
			FailureThreshold: n,
			Timeout:          cfg.Pool.BreakerCooldown.Std(),
			IsFailure:        store.IsExhaustion,
		}))
	}

	tags := ledger.New(db)
	if err := tags.EnsureSchema(ctx); err != nil {
		return err
	}

	workers, err := ants.NewPool(c.Int("workers"))
	if err != nil {
		return fmt.Errorf("creating worker pool: %w", err)
	}
	defer workers.Release()

	var res stressResult
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < ops; i++ {
		wg.Add(1)
		err := workers.Submit(func() {
			defer wg.Done()
			res.record(stressOp(ctx, tags, i))
		})
		if err != nil {
			wg.Done()
			res.record(err)
		}
	}
	wg.Wait()

	elapsed := time.Since(start)
	logger.Info("stress run complete",
		"ops", ops,
		"ok", res.ok.Load(),
		"exhausted", res.exhausted.Load(),
		"rejected", res.rejected.Load(),
		"failed", res.failed.Load(),
		"elapsed", elapsed,
	)

	p := db.Pool()
	if err := p.WriteStats(c.App.Writer); err != nil {
		return err
	}
	if out := c.String("export"); out != "" {
		if _, err := p.ExportJSON(out); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "metrics exported to %s\n", out)
	}
	return nil
}

// stressOp tags a synthetic transaction and reads the tags back.
func stressOp(ctx context.Context, tags *ledger.Repository, i int) error {
	txID := int64(i%50 + 1)
	name := fmt.Sprintf("stress-%d", i%20)
	if _, err := tags.AddTag(ctx, txID, name, stressColors[i%len(stressColors)], nil); err != nil {
		return err
	}
	_, err := tags.TagsForTransaction(ctx, txID, nil)
	return err
}

func (r *stressResult) record(err error) {
	switch {
	case err == nil:
		r.ok.Add(1)
	case errors.Is(err, pool.ErrPoolExhausted):
		r.exhausted.Add(1)
	case errors.Is(err, resilience.ErrCircuitOpen):
		r.rejected.Add(1)
	default:
		r.failed.Add(1)
	}
}
