package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/budgetbook/ledgerd/lib/pool"
	"github.com/budgetbook/ledgerd/lib/store"
)

const opsTimeout = 10 * time.Second

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "print pool statistics from a running server",
		Flags: []cli.Flag{
			listenFlag(),
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print the JSON metrics document instead of the text dump",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			path := "/api/pool/stats"
			if c.Bool("json") {
				path = "/api/pool/metrics"
			}
			body, err := fetch(c.Context, cfg.Web.Listen, path)
			if err != nil {
				return err
			}
			_, err = c.App.Writer.Write(body)
			return err
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "save a running server's pool metrics as JSON",
		Flags: []cli.Flag{
			listenFlag(),
			&cli.StringFlag{
				Name:     "output",
				Aliases:  []string{"o"},
				Usage:    "file to write",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			body, err := fetch(c.Context, cfg.Web.Listen, "/api/pool/metrics")
			if err != nil {
				return err
			}
			out := c.String("output")
			if err := os.WriteFile(out, body, 0o600); err != nil {
				return fmt.Errorf("writing %s: %w", out, err)
			}
			fmt.Fprintf(c.App.Writer, "metrics exported to %s\n", out)
			return nil
		},
	}
}

func checkpointCommand() *cli.Command {
	return &cli.Command{
		Name:  "checkpoint",
		Usage: "run one WAL checkpoint against the database",
		Flags: []cli.Flag{dbFlag()},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if !cfg.UseWAL() {
				fmt.Fprintln(c.App.Writer, "database is not in WAL mode; nothing to checkpoint")
				return nil
			}

			ctx, cancel := context.WithTimeout(c.Context, opsTimeout)
			defer cancel()

			db, err := store.Open(ctx, store.Options{Path: cfg.DatabasePath(), WAL: true}, pool.Config{Size: 1})
			if err != nil {
				return err
			}
			defer db.Close(context.Background())

			res, ok := db.Checkpoint(ctx)
			if !ok {
				return fmt.Errorf("checkpoint did not complete")
			}
			fmt.Fprintf(c.App.Writer, "checkpoint complete: busy=%d log=%d checkpointed=%d\n",
				res.Busy, res.LogFrames, res.CheckpointedFrames)
			return nil
		},
	}
}

// fetch GETs path from the ops server listening on addr.
func fetch(ctx context.Context, addr, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contacting ledgerd at %s (is it running?): %w", addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s", path, resp.Status)
	}
	return body, nil
}
