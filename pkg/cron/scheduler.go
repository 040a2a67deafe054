// Package cron provides scheduled background jobs using robfig/cron.
package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/trends"
)

// Analyzer runs one trend analysis. *trends.Service satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, req trends.Request) (*trends.Analysis, error)
}

// Scheduler manages background scheduled jobs using robfig/cron.
type Scheduler struct {
	cron     *cron.Cron
	analyzer Analyzer
	spec     string
	request  trends.Request
	timeout  time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a scheduler that runs the recent-changes analysis on spec, a
// standard 5-field cron expression.
func NewScheduler(analyzer Analyzer, spec string, logger *slog.Logger) *Scheduler {
	// Create cron with seconds disabled (standard 5-field format)
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	return &Scheduler{
		cron:     c,
		analyzer: analyzer,
		spec:     spec,
		request:  trends.Request{Kind: trends.KindRecent},
		timeout:  30 * time.Minute,
		logger:   logger,
	}
}

// WithRequest replaces the scheduled analysis request.
func (s *Scheduler) WithRequest(req trends.Request) *Scheduler {
	s.request = req
	return s
}

// Start begins scheduled jobs.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.spec, s.runAnalysis)
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("cron scheduler started",
		slog.String("schedule", s.spec),
		slog.Int("jobs", len(s.cron.Entries())),
	)
	return nil
}

// Stop gracefully stops all scheduled jobs.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("cron scheduler stopping")
	return s.cron.Stop()
}

// RunNow manually triggers the analysis in the background.
func (s *Scheduler) RunNow() {
	go s.runAnalysis()
}

func (s *Scheduler) runAnalysis() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	kind := string(s.request.Kind)
	s.logger.Info("starting scheduled price analysis", slog.String("kind", kind))

	analysis, err := s.analyzer.Analyze(ctx, s.request)
	if analysis == nil {
		s.logger.Error("scheduled price analysis failed",
			slog.String("kind", kind),
			slog.Any("error", err),
		)
		return
	}
	if err != nil {
		// The digest is stored even when the backend was unreachable.
		s.logger.Warn("analysis backend unavailable",
			slog.String("kind", kind),
			slog.String("analysis_id", analysis.ID.String()),
			slog.Any("error", err),
		)
		return
	}

	changes := 0
	if analysis.Digest != nil {
		changes = len(analysis.Digest.Changes)
	}
	s.logger.Info("scheduled price analysis completed",
		slog.String("kind", kind),
		slog.String("analysis_id", analysis.ID.String()),
		slog.Int("changes", changes),
		slog.Int("flagged_items", len(analysis.FlaggedItems)),
	)
}
