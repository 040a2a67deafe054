// Command invoicer trains vendor templates, processes supplier invoices into pricing
// history and runs price trend analyses.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/extraction"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/processing"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/template"
	"github.com/FACorreiaa/invoice-pricing/pkg/config"
)

// Exit codes.
const (
	exitOK       = 0
	exitFailures = 1
	exitUsage    = 2
	exitFatal    = 3
)

var errUsage = errors.New("usage")

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

// errFatal marks failures of the storage layer or of startup.
var errFatal = errors.New("fatal")

const usage = `usage: invoicer <command> [flags]

commands:
  train           build a vendor template from a sample invoice and a selections file
  templates       list trained vendor templates
  process         extract invoices from a file or folder and record prices
  analyze         run a price trend analysis
  analyses        list stored analyses
  export          write invoices grouped by date to an XLSX workbook
  history         show the price history of a part
  merge           merge one part into another
  describe        set a part's custom description, or import them from CSV
  delete-invoice  remove an invoice with its line items and prices
  archive         list, fetch or remove archived source documents
  schedule        run the recent-changes analysis on ANALYSIS_SCHEDULE

run "invoicer <command> -h" for the command's flags.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stderr, usage)
		if len(args) == 0 {
			return exitUsage
		}
		return exitOK
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "invalid configuration: %v\n", err)
		return exitUsage
	}
	logger := newLogger(cfg.Observability, stderr)

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return exitUsage
	}

	app := &app{cfg: cfg, logger: logger, stdout: stdout, stderr: stderr}
	defer app.close()

	code, err := cmd(ctx, app, args[1:])
	if err == nil {
		return code
	}
	return app.fail(err)
}

// fail reports err and maps it to an exit code.
func (a *app) fail(err error) int {
	switch {
	case errors.Is(err, errUsage), errors.Is(err, template.ErrInvalidTemplate):
		fmt.Fprintf(a.stderr, "%v\n", err)
		return exitUsage
	case errors.Is(err, errFatal), errors.Is(err, processing.ErrStorage):
		a.logger.Error("fatal error", "error", err)
		return exitFatal
	case errors.Is(err, template.ErrTemplateNotFound), errors.Is(err, extraction.ErrExtractionFailed):
		a.logger.Error("nothing extracted", "error", err)
		return exitFailures
	default:
		a.logger.Error("command failed", "error", err)
		return exitFailures
	}
}

func newLogger(cfg config.ObservabilityConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// app is the per-invocation state shared by commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
	deps   *Dependencies
}

// dependencies builds the dependency graph on first use.
func (a *app) dependencies(ctx context.Context, dryRun bool) (*Dependencies, error) {
	if a.deps != nil {
		return a.deps, nil
	}
	deps, err := InitDependencies(ctx, a.cfg, a.logger, dryRun)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFatal, err)
	}
	a.deps = deps
	return deps, nil
}

func (a *app) close() {
	if a.deps != nil {
		a.deps.Close()
	}
}
