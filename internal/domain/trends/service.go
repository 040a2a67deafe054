package trends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/pricing"
	"github.com/FACorreiaa/invoice-pricing/pkg/metrics"
)

// Kind selects an analysis preset.
type Kind string

const (
	KindRecent  Kind = "recent"
	KindVendors Kind = "vendors"
	KindTrends  Kind = "trends"
)

// ParseKind validates a kind name; empty means recent.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindRecent, KindVendors, KindTrends:
		return k, nil
	case "":
		return KindRecent, nil
	default:
		return "", fmt.Errorf("unknown analysis kind %q (want recent, vendors or trends)", s)
	}
}

// Preset is the default window and prompt of a kind.
type Preset struct {
	Days int
	// Threshold applies when neither the request nor the configuration sets one.
	Threshold decimal.Decimal
	Limit     int
	Prompt    string
}

// Presets returns the built-in presets.
func Presets() map[Kind]Preset {
	return map[Kind]Preset{
		KindRecent:  {Days: 30, Threshold: decimal.NewFromInt(3), Prompt: DefaultPromptTemplate},
		KindVendors: {Days: 90, Threshold: decimal.NewFromInt(5), Prompt: VendorPromptTemplate},
		KindTrends:  {Days: 180, Threshold: decimal.NewFromInt(5), Limit: 20, Prompt: TrendPromptTemplate},
	}
}

// Status of a stored analysis.
type Status string

const (
	StatusComplete    Status = "complete"
	StatusUnavailable Status = "unavailable"
)

// Analysis is one stored run: the digest, the prompt and the backend's answer verbatim.
type Analysis struct {
	ID           uuid.UUID `json:"id"`
	Kind         Kind      `json:"kind"`
	Digest       *Digest   `json:"digest"`
	Prompt       string    `json:"prompt"`
	Response     string    `json:"response"`
	FlaggedItems []string  `json:"flagged_items,omitempty"`
	Status       Status    `json:"status"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AnalysisRepository stores analyses.
type AnalysisRepository interface {
	SaveAnalysis(ctx context.Context, a *Analysis) error
	GetAnalysis(ctx context.Context, id uuid.UUID) (*Analysis, error)
	// ListAnalyses returns the newest analyses first.
	ListAnalyses(ctx context.Context, limit int) ([]Analysis, error)
}

// ErrAnalysisNotFound is returned for unknown analysis ids.
var ErrAnalysisNotFound = errors.New("analysis not found")

// Config holds the analyzer settings.
type Config struct {
	// SignificanceThreshold is the absolute percent change that flags a change. It
	// overrides the kind presets; zero leaves each kind its preset.
	SignificanceThreshold decimal.Decimal
	// FlaggedStart and FlaggedEnd delimit a flagged-items list in responses. Empty
	// FlaggedStart disables extraction.
	FlaggedStart string
	FlaggedEnd   string
}

// DefaultConfig returns a configuration that uses the kind presets.
func DefaultConfig() Config {
	return Config{}
}

// fallbackThreshold applies when no preset carries a threshold.
var fallbackThreshold = decimal.NewFromInt(5)

// Request asks for one analysis. Zero fields take the kind's preset.
type Request struct {
	Kind      Kind
	Days      int
	Since     time.Time
	Until     time.Time
	Vendors   []string
	PartIDs   []uuid.UUID
	Limit     int
	Threshold decimal.Decimal
}

// Service runs analyses
type Service struct {
	prices    pricing.Repository
	parts     PartLookup
	analyses  AnalysisRepository
	backend   Backend
	renderers map[Kind]*PromptRenderer
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithConfig sets thresholds and delimiters.
func WithConfig(cfg Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// WithPromptRenderer replaces the prompt of one kind.
func WithPromptRenderer(kind Kind, r *PromptRenderer) Option {
	return func(s *Service) { s.renderers[kind] = r }
}

// WithMetrics records backend calls.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new trend analysis service
func NewService(prices pricing.Repository, parts PartLookup, analyses AnalysisRepository, backend Backend, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		prices:    prices,
		parts:     parts,
		analyses:  analyses,
		backend:   backend,
		renderers: make(map[Kind]*PromptRenderer),
		cfg:       DefaultConfig(),
		logger:    logger,
		tracer:    otel.Tracer("invoicer/trends"),
		now:       time.Now,
	}
	for kind, p := range Presets() {
		s.renderers[kind] = MustPromptRenderer(p.Prompt)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Digest builds the digest a request would analyze without calling the backend.
func (s *Service) Digest(ctx context.Context, req Request) (*Digest, error) {
	q, _, err := s.query(req)
	if err != nil {
		return nil, err
	}
	return BuildDigest(ctx, s.prices, s.parts, q)
}

// Analyze builds the digest, renders the prompt, submits it and stores the result.
// When the backend fails the analysis is stored with status unavailable and the
// returned error wraps ErrAnalysisUnavailable; the analysis is returned either way.
func (s *Service) Analyze(ctx context.Context, req Request) (*Analysis, error) {
	q, kind, err := s.query(req)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "trends.Analyze", trace.WithAttributes(attribute.String("kind", string(kind))))
	defer span.End()

	digest, err := BuildDigest(ctx, s.prices, s.parts, q)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	days := int(s.now().Sub(q.Since).Hours() / 24)
	prompt, err := s.renderers[kind].Render(digest, PromptData{
		Kind:         kind,
		Vendors:      strings.Join(req.Vendors, ", "),
		Days:         days,
		FlaggedStart: s.cfg.FlaggedStart,
		FlaggedEnd:   s.cfg.FlaggedEnd,
	})
	if err != nil {
		return nil, err
	}

	analysis := &Analysis{
		ID:        uuid.New(),
		Kind:      kind,
		Digest:    digest,
		Prompt:    prompt,
		CreatedAt: s.now().UTC(),
	}

	start := s.now()
	response, submitErr := s.backend.Submit(ctx, prompt)
	if submitErr != nil {
		submitErr = unavailable(submitErr)
		analysis.Status = StatusUnavailable
		analysis.Error = submitErr.Error()
		span.SetStatus(codes.Error, "backend unavailable")
		s.logger.Warn("analysis backend unavailable",
			"kind", kind,
			"parts", digest.Summary.Parts,
			"error", submitErr,
		)
	} else {
		analysis.Status = StatusComplete
		analysis.Response = response
		analysis.FlaggedItems = ExtractFlagged(response, s.cfg.FlaggedStart, s.cfg.FlaggedEnd)
		s.logger.Info("analysis complete",
			"kind", kind,
			"parts", digest.Summary.Parts,
			"significant_changes", digest.Summary.SignificantChanges,
			"flagged_items", len(analysis.FlaggedItems),
			"duration", s.now().Sub(start),
		)
	}
	s.metrics.AnalysisCall(string(kind), string(analysis.Status))

	if err := s.analyses.SaveAnalysis(ctx, analysis); err != nil {
		return nil, fmt.Errorf("failed to save analysis: %w", err)
	}
	return analysis, submitErr
}

// History lists stored analyses, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]Analysis, error) {
	return s.analyses.ListAnalyses(ctx, limit)
}

func (s *Service) query(req Request) (Query, Kind, error) {
	kind := req.Kind
	if kind == "" {
		kind = KindRecent
	}
	preset, ok := Presets()[kind]
	if !ok {
		return Query{}, "", fmt.Errorf("unknown analysis kind %q", kind)
	}

	q := Query{
		Since:     req.Since,
		Until:     req.Until,
		Vendors:   req.Vendors,
		PartIDs:   req.PartIDs,
		Limit:     req.Limit,
		Threshold: req.Threshold,
	}
	if q.Since.IsZero() {
		days := req.Days
		if days <= 0 {
			days = preset.Days
		}
		q.Since = s.now().UTC().AddDate(0, 0, -days).Truncate(24 * time.Hour)
	}
	if q.Limit == 0 && len(req.PartIDs) == 0 {
		q.Limit = preset.Limit
	}
	// Request, then configuration, then the kind's preset.
	for _, t := range []decimal.Decimal{s.cfg.SignificanceThreshold, preset.Threshold, fallbackThreshold} {
		if !q.Threshold.IsZero() {
			break
		}
		q.Threshold = t
	}
	q.CommonOnly = kind == KindVendors
	return q, kind, nil
}
