// ledgerd runs the pooled SQLite store behind the personal finance
// dashboard and exposes the pool's health for operators.
//
// Usage:
//
//	ledgerd [global flags] serve        Open the pool and serve the ops endpoints
//	ledgerd [global flags] stats        Print statistics from a running server
//	ledgerd [global flags] export       Save a running server's metrics as JSON
//	ledgerd [global flags] checkpoint   Run one WAL checkpoint against the database
//	ledgerd [global flags] stress       Drive concurrent tag writes through a pool
//	ledgerd [global flags] config init  Write a default configuration file
//
// Global flags:
//
//	--config string   Path to configuration file (default "~/.ledgerd/config.toml")
//	--verbose, -v     Enable debug logging
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/budgetbook/ledgerd/lib/core"
	"github.com/budgetbook/ledgerd/version"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".ledgerd", "config.toml")
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "ledgerd",
		Usage:   "pooled SQLite store for the finance dashboard",
		Version: version.Full(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to configuration file",
				Value:   defaultConfigPath(),
				EnvVars: []string{"LEDGERD_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
				EnvVars: []string{"LEDGERD_VERBOSE"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			statsCommand(),
			exportCommand(),
			checkpointCommand(),
			stressCommand(),
			configCommand(),
		},
	}
}

func newLogger(c *cli.Context) *slog.Logger {
	level := slog.LevelInfo
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// loadConfig reads the file named by --config and applies the command's
// override flags on top of it.
func loadConfig(c *cli.Context) (*core.Config, error) {
	cfg, err := core.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("db") {
		cfg.Database.Path = c.String("db")
	}
	if c.IsSet("pool-size") {
		cfg.Pool.Size = c.Int("pool-size")
	}
	if c.IsSet("listen") {
		cfg.Web.Listen = c.String("listen")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func dbFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "db",
		Usage: "database file (overrides config)",
	}
}

func poolSizeFlag() cli.Flag {
	return &cli.IntFlag{
		Name:  "pool-size",
		Usage: "number of pooled connections, 0 for one per CPU (overrides config)",
	}
}

func listenFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "listen",
		Usage: "ops server address (overrides config)",
	}
}
