// Command photometry partitions a sector into extraction jobs and runs workers over the ledger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/danhey/photometry/internal/config"
	"github.com/danhey/photometry/internal/platform/env"
)

const usage = `usage: photometry <command> [flags]

commands:
  partition  seed the ledger with one job per target and time range
  work       run workers until no pending or running jobs remain
  sweep      reclaim running jobs whose heartbeat expired
  report     print the final status of every requested job
  verify     check completed outputs and the kernel set against their digests
`

// errUsage exits with status 2 like a configuration error.
var errUsage = errors.New("usage")

type command func(ctx context.Context, app *app, args []string) error

var commands = map[string]command{
	"partition": runPartition,
	"work":      runWork,
	"sweep":     runSweep,
	"report":    runReport,
	"verify":    runVerify,
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", env.String("PHOTOMETRY_CONFIG", "photometry.yaml"), "run configuration file")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	bootLogger := slog.New(slog.NewJSONHandler(stderr, nil))
	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Error("invalid config", "path", *configPath, "error", err)
		return 2
	}
	logger, err := newLogger(cfg.Log, stderr)
	if err != nil {
		bootLogger.Error("invalid log config", "error", err)
		return 2
	}
	logger = logger.With("command", args[0])

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, logger: logger, stdout: stdout}
	defer a.close()
	if err := cmd(ctx, a, fs.Args()); err != nil {
		if errors.Is(err, errUsage) {
			logger.Error("invalid arguments", "error", err)
			return 2
		}
		logger.Error("command failed", "error", err)
		return 1
	}
	return 0
}

func newLogger(cfg config.Log, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}
