// Package processing runs documents through extraction, part resolution and the
// pricing repository, reporting one outcome per document.
package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/catalog"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/document"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/extraction"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/pricing"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/template"
	"github.com/FACorreiaa/invoice-pricing/pkg/metrics"
	"github.com/FACorreiaa/invoice-pricing/pkg/storage"
)

// ErrStorage means results could not be persisted. It is the only error that stops a run.
var ErrStorage = errors.New("storage failure")

// Templates is the template surface processing needs. *template.Service satisfies it.
type Templates interface {
	Identify(ctx context.Context, doc *document.Document) (string, bool, error)
	GetTemplate(ctx context.Context, vendor string) (*template.VendorTemplate, error)
	SaveTemplate(ctx context.Context, t *template.VendorTemplate) error
}

// PartResolver maps an item to a Part. *catalog.Resolver satisfies it.
type PartResolver interface {
	Resolve(ctx context.Context, vendor string, item catalog.Item) (*catalog.Resolution, error)
}

// Config holds processing settings.
type Config struct {
	// Workers bounds how many documents are extracted at once.
	Workers int
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{Workers: 4}
}

// Service processes invoice documents
type Service struct {
	templates Templates
	extractor *extraction.Extractor
	resolver  PartResolver
	prices    pricing.Repository
	archive   storage.Storage
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures a Service
type Option func(*Service)

func WithConfig(cfg Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// WithArchive copies every successfully stored source document into the archive.
func WithArchive(a storage.Storage) Option {
	return func(s *Service) { s.archive = a }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new processing service
func NewService(templates Templates, extractor *extraction.Extractor, resolver PartResolver, prices pricing.Repository, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		templates: templates,
		extractor: extractor,
		resolver:  resolver,
		prices:    prices,
		cfg:       DefaultConfig(),
		logger:    logger,
		tracer:    otel.Tracer("invoicer/processing"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// extracted is the read-only result of the parallel phase for one document.
type extracted struct {
	doc     *document.Document
	result  *extraction.Result
	outcome Outcome
	// fatal is a template store failure; it aborts the run like a storage error.
	fatal error
}

// Process extracts every document under source in parallel, then resolves and stores
// them one at a time in path order. Per-document failures become outcomes; only a
// storage failure returns an error, together with the outcomes completed so far.
func (s *Service) Process(ctx context.Context, source string, mode extraction.Mode) (*BatchResult, error) {
	paths, err := document.Walk(source)
	if err != nil {
		return nil, err
	}

	batch := &BatchResult{Mode: mode, Started: s.now().UTC()}
	results := make([]*extracted, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.cfg.Workers))
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.extract(gctx, path, mode)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return batch, err
	}

	for _, ex := range results {
		if ex.fatal != nil {
			return s.finish(batch), fmt.Errorf("%w: %s: %w", ErrStorage, ex.outcome.Source, ex.fatal)
		}

		out := ex.outcome
		if ex.result != nil {
			start := s.now()
			if err := s.persist(ctx, ex, &out); err != nil {
				s.logger.Error("failed to store document", "source", out.Source, "error", err)
				s.metrics.DocumentProcessed("storage_error")
				return s.finish(batch), fmt.Errorf("%w: %s: %w", ErrStorage, out.Source, err)
			}
			out.Duration += s.now().Sub(start)
			s.archiveSource(ctx, ex.doc)
		}

		s.report(&out)
		batch.Outcomes = append(batch.Outcomes, out)
	}

	return s.finish(batch), nil
}

func (s *Service) finish(b *BatchResult) *BatchResult {
	b.Finished = s.now().UTC()
	return b
}

// extract loads, identifies and extracts one document. It touches no shared state.
func (s *Service) extract(ctx context.Context, path string, mode extraction.Mode) *extracted {
	ctx, span := s.tracer.Start(ctx, "processing.extract", trace.WithAttributes(
		attribute.String("source", path),
		attribute.String("mode", string(mode)),
	))
	defer span.End()

	start := s.now()
	ex := &extracted{outcome: Outcome{Source: path}}
	defer func() { ex.outcome.Duration = s.now().Sub(start) }()

	doc, err := document.Load(path)
	if err != nil {
		ex.outcome.fail(StatusExtractionFailed, fmt.Errorf("%w: %w", extraction.ErrExtractionFailed, err))
		span.SetStatus(codes.Error, "load failed")
		return ex
	}
	ex.doc = doc

	vendor, ok, err := s.templates.Identify(ctx, doc)
	if err != nil {
		ex.fatal = err
		return ex
	}
	if !ok {
		ex.outcome.fail(StatusTemplateNotFound, fmt.Errorf("%w: no trained vendor recognised", template.ErrTemplateNotFound))
		return ex
	}
	ex.outcome.Vendor = vendor
	span.SetAttributes(attribute.String("vendor", vendor))

	tmpl, err := s.templates.GetTemplate(ctx, vendor)
	switch {
	case errors.Is(err, template.ErrTemplateNotFound):
		ex.outcome.fail(StatusTemplateNotFound, fmt.Errorf("%w: %s", template.ErrTemplateNotFound, vendor))
		return ex
	case err != nil:
		ex.fatal = err
		return ex
	}

	result, err := s.extractor.Extract(doc, tmpl, mode)
	s.metrics.ObserveExtraction(s.now().Sub(start))
	if err != nil {
		if !errors.Is(err, extraction.ErrExtractionFailed) {
			err = fmt.Errorf("%w: %w", extraction.ErrExtractionFailed, err)
		}
		ex.outcome.fail(StatusExtractionFailed, err)
		span.SetStatus(codes.Error, "extraction failed")
		return ex
	}

	ex.result = result
	ex.outcome.Status = StatusOK
	if result.Partial() {
		ex.outcome.Status = StatusPartial
	}
	for _, inv := range result.Invoices {
		ex.outcome.Missing = append(ex.outcome.Missing, inv.Missing...)
		ex.outcome.Unmatched = append(ex.outcome.Unmatched, inv.Unmatched...)
	}
	return ex
}

func (s *Service) persist(ctx context.Context, ex *extracted, out *Outcome) error {
	ctx, span := s.tracer.Start(ctx, "processing.persist", trace.WithAttributes(attribute.String("source", out.Source)))
	defer span.End()

	for _, inv := range ex.result.Invoices {
		id, err := s.persistInvoice(ctx, ex.doc, ex.result.Mode, inv, out)
		if err != nil {
			span.RecordError(err)
			return err
		}
		out.InvoiceIDs = append(out.InvoiceIDs, id)
	}
	return nil
}

func (s *Service) persistInvoice(ctx context.Context, doc *document.Document, mode extraction.Mode, res extraction.InvoiceResult, out *Outcome) (uuid.UUID, error) {
	draft := res.Invoice
	invoice := &pricing.Invoice{
		ID:            pricing.InvoiceID(doc.Hash, draft.Sequence),
		Vendor:        draft.Vendor,
		InvoiceNumber: draft.InvoiceNumber,
		InvoiceDate:   draft.InvoiceDate,
		JobName:       draft.JobName,
		Total:         draft.Total,
		Currency:      draft.Currency,
		SourceRef:     doc.Source,
		SourceHash:    doc.Hash,
		Sequence:      draft.Sequence,
	}

	stored, err := s.prices.GetInvoice(ctx, invoice.ID)
	switch {
	case errors.Is(err, pricing.ErrInvoiceNotFound):
		stored = nil
	case err != nil:
		return invoice.ID, fmt.Errorf("failed to load invoice: %w", err)
	}
	if mode == extraction.ModeItems && stored != nil {
		keepSummary(invoice, stored)
	}

	var items []pricing.LineItem
	if mode == extraction.ModeSummary {
		// Summary runs leave previously extracted rows in place.
		if stored != nil {
			if items, err = s.prices.LineItems(ctx, invoice.ID); err != nil {
				return invoice.ID, fmt.Errorf("failed to load line items: %w", err)
			}
		}
	} else if items, err = s.resolveItems(ctx, invoice, res.Items, out); err != nil {
		return invoice.ID, err
	}

	if err := s.prices.SaveInvoice(ctx, invoice, items); err != nil {
		return invoice.ID, err
	}

	// Summary runs re-record the stored rows too: a changed invoice date drops their
	// old observations on save.
	if err := s.recordObservations(ctx, invoice, items, out); err != nil {
		return invoice.ID, err
	}
	return invoice.ID, nil
}

func (s *Service) resolveItems(ctx context.Context, invoice *pricing.Invoice, drafts []extraction.LineItemDraft, out *Outcome) ([]pricing.LineItem, error) {
	items := make([]pricing.LineItem, 0, len(drafts))
	for _, d := range drafts {
		item := pricing.LineItem{
			ID:             pricing.LineItemID(invoice.ID, d.LineNo),
			InvoiceID:      invoice.ID,
			LineNo:         d.LineNo,
			RawPartNumber:  d.RawPartNumber,
			RawDescription: d.RawDescription,
			Quantity:       d.Quantity,
			UnitPrice:      d.UnitPrice,
			LineTotal:      d.LineTotal,
			Currency:       invoice.Currency,
			Flags:          d.Flags,
		}
		if d.UnitPrice != nil {
			item.Currency = d.UnitPrice.Currency()
		}

		if catalog.Normalize(d.RawPartNumber) != "" || catalog.Normalize(d.RawDescription) != "" {
			res, err := s.resolver.Resolve(ctx, invoice.Vendor, catalog.Item{
				RawPartNumber:  d.RawPartNumber,
				RawDescription: d.RawDescription,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to resolve line %d: %w", d.LineNo, err)
			}
			partID := res.Part.ID
			item.PartID = &partID
			s.metrics.PartResolved(string(res.Method))

			if res.Ambiguous {
				out.Ambiguous++
				s.logger.Warn("ambiguous part match",
					"source", out.Source,
					"line", d.LineNo,
					"part_id", partID,
					"candidates", len(res.Candidates),
					"error", res.Err(),
				)
			}
			if res.Conflict != nil {
				out.Conflicts++
				s.logger.Warn("alias already bound to another part",
					"source", out.Source,
					"line", d.LineNo,
					"raw_part_number", d.RawPartNumber,
					"conflict_id", res.Conflict.ID,
				)
			}
		}
		items = append(items, item)
	}

	out.LineItems += len(items)
	s.metrics.LineItemsExtracted(len(items))
	return items, nil
}

func (s *Service) recordObservations(ctx context.Context, invoice *pricing.Invoice, items []pricing.LineItem, out *Outcome) error {
	for _, item := range items {
		if item.PartID == nil || item.UnitPrice == nil {
			continue
		}
		if invoice.InvoiceDate == nil {
			out.Undated++
			continue
		}

		d := invoice.InvoiceDate
		added, err := s.prices.RecordObservation(ctx, &pricing.PriceObservation{
			PartID:      *item.PartID,
			Vendor:      invoice.Vendor,
			InvoiceDate: time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC),
			UnitPrice:   item.UnitPrice,
			LineItemID:  item.ID,
		})
		if err != nil {
			return fmt.Errorf("failed to record observation for line %d: %w", item.LineNo, err)
		}
		s.metrics.ObservationRecorded(added)
		if added {
			out.Observations++
		} else {
			out.Duplicates++
		}
	}
	if out.Undated > 0 {
		s.logger.Warn("invoice has no date; prices not recorded", "source", out.Source, "items", out.Undated)
	}
	return nil
}

// keepSummary fills summary fields an items-only run did not read from the stored invoice.
func keepSummary(invoice, stored *pricing.Invoice) {
	if invoice.InvoiceNumber == "" {
		invoice.InvoiceNumber = stored.InvoiceNumber
	}
	if invoice.InvoiceDate == nil {
		invoice.InvoiceDate = stored.InvoiceDate
	}
	if invoice.JobName == "" {
		invoice.JobName = stored.JobName
	}
	if invoice.Total == nil {
		invoice.Total = stored.Total
	}
}

func (s *Service) archiveSource(ctx context.Context, doc *document.Document) {
	if s.archive == nil {
		return
	}
	f, err := os.Open(doc.Source)
	if err != nil {
		s.logger.Warn("failed to archive source", "source", doc.Source, "error", err)
		return
	}
	defer f.Close()

	contentType := "text/plain"
	if strings.EqualFold(filepath.Ext(doc.Source), ".json") {
		contentType = "application/json"
	}
	if _, err := s.archive.Upload(ctx, doc.Hash, doc.Source, contentType, f); err != nil {
		s.logger.Warn("failed to archive source", "source", doc.Source, "error", err)
	}
}

func (s *Service) report(out *Outcome) {
	s.metrics.DocumentProcessed(string(out.Status))
	if out.Status.Failed() {
		s.logger.Warn("document not processed",
			"source", out.Source,
			"vendor", out.Vendor,
			"status", out.Status,
			"error", out.Err,
		)
		return
	}
	s.logger.Info("document processed",
		"source", out.Source,
		"vendor", out.Vendor,
		"status", out.Status,
		"invoices", len(out.InvoiceIDs),
		"line_items", out.LineItems,
		"observations", out.Observations,
		"duplicates", out.Duplicates,
		"ambiguous", out.Ambiguous,
		"missing_fields", len(out.Missing),
		"unmatched_rows", len(out.Unmatched),
	)
}

// Train builds a template from a sample document and the operator's selections, previews
// a full extraction with it and stores it. The preview is returned even when it yields
// nothing, so the operator can correct the selections.
func (s *Service) Train(ctx context.Context, samplePath string, sel template.Selections) (*template.VendorTemplate, *extraction.Result, error) {
	doc, err := document.Load(samplePath)
	if err != nil {
		return nil, nil, err
	}

	tmpl, err := template.Train(doc, sel, s.now().UTC())
	if err != nil {
		return nil, nil, err
	}

	preview, err := s.extractor.Extract(doc, tmpl, extraction.ModeFull)
	if err != nil {
		s.logger.Warn("template preview extracted nothing", "vendor", tmpl.Vendor, "sample", samplePath, "error", err)
		preview = nil
	}

	if err := s.templates.SaveTemplate(ctx, tmpl); err != nil {
		return nil, preview, fmt.Errorf("failed to save template: %w", err)
	}

	s.logger.Info("template trained",
		"vendor", tmpl.Vendor,
		"sample", samplePath,
		"trained_at", tmpl.TrainedAt,
	)
	return tmpl, preview, nil
}
