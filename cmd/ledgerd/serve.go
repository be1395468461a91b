package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/budgetbook/ledgerd/lib/core"
	"github.com/budgetbook/ledgerd/lib/monitor"
	"github.com/budgetbook/ledgerd/version"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "open the connection pool and serve the ops endpoints",
		Flags: []cli.Flag{
			dbFlag(),
			poolSizeFlag(),
			listenFlag(),
			&cli.BoolFlag{
				Name:  "no-web",
				Usage: "do not start the ops HTTP server",
			},
			&cli.StringFlag{
				Name:    "statsd",
				Usage:   "StatsD address for pool gauges",
				EnvVars: []string{"LEDGERD_STATSD_ADDRESS"},
			},
			&cli.DurationFlag{
				Name:  "shutdown-timeout",
				Usage: "how long to wait for a clean shutdown",
				Value: core.DefaultShutdownTimeout,
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	logger := newLogger(c)

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.Bool("no-web") {
		cfg.Web.Enabled = false
	}
	if c.IsSet("statsd") {
		cfg.StatsD.Address = c.String("statsd")
	}

	app, err := core.NewApp(cfg, logger)
	if err != nil {
		return err
	}
	app.SetShutdownTimeout(c.Duration("shutdown-timeout"))
	app.SetOnAlert(func(a monitor.Alert) {
		logger.Warn("pool alert", "id", a.ID, "status", string(a.Status))
	})

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	logger.Info("ledgerd serving",
		"version", version.Full(),
		"database", cfg.DatabasePath(),
		"web", app.WebAddr(),
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case <-app.Done():
		logger.Info("ledgerd stopped unexpectedly")
		return nil
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), c.Duration("shutdown-timeout")+core.DefaultShutdownTimeout)
	defer cancel()
	return app.Stop(stopCtx)
}
