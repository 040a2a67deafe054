package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/catalog"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/extraction"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/memory"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/pricing"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/processing"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/report"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/template"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/trends"
	"github.com/FACorreiaa/invoice-pricing/pkg/config"
	"github.com/FACorreiaa/invoice-pricing/pkg/db"
	"github.com/FACorreiaa/invoice-pricing/pkg/metrics"
	"github.com/FACorreiaa/invoice-pricing/pkg/storage"
)

// Dependencies holds all application dependencies
type Dependencies struct {
	Config  *config.Config
	DB      *db.DB
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// DryRun keeps everything in memory; Memory is the store in use.
	DryRun bool
	Memory *memory.Store

	// Repositories
	TemplateStore template.Store
	CatalogRepo   catalog.Repository
	PricingRepo   pricing.Repository
	AnalysisRepo  trends.AnalysisRepository
	Archive       storage.Storage
	SearchIndex   *catalog.SearchIndex

	// Services
	Templates  *template.Service
	Extractor  *extraction.Extractor
	Resolver   *catalog.Resolver
	Processing *processing.Service
	Trends     *trends.Service
	Workbook   *report.WorkbookWriter
}

// InitDependencies initializes all application dependencies
func InitDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger, dryRun bool) (*Dependencies, error) {
	deps := &Dependencies{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
		DryRun:  dryRun,
	}

	if !dryRun {
		if err := deps.initDatabase(ctx); err != nil {
			return nil, fmt.Errorf("failed to init database: %w", err)
		}
	}

	if err := deps.initRepositories(); err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := deps.initServices(); err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to init services: %w", err)
	}

	logger.Debug("all dependencies initialized successfully", slog.Bool("dry_run", dryRun))
	return deps, nil
}

// initDatabase initializes the database connection and runs migrations
func (d *Dependencies) initDatabase(ctx context.Context) error {
	database, err := db.New(ctx, db.Config{
		DSN:             d.Config.Database.DSN(),
		MaxConns:        int32(d.Config.Extraction.Workers + 4),
		MinConns:        1,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, d.Logger)
	if err != nil {
		return err
	}

	d.DB = database

	if err := d.DB.RunMigrations(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	d.Logger.Debug("database connected and migrations completed")
	return nil
}

// initRepositories initializes all repository layer dependencies
func (d *Dependencies) initRepositories() error {
	switch {
	case d.Config.Storage.TemplateDir != "":
		store, err := template.NewFileStore(d.Config.Storage.TemplateDir)
		if err != nil {
			return err
		}
		d.TemplateStore = store
	case d.DryRun:
		d.TemplateStore = memory.NewTemplateStore()
	default:
		d.TemplateStore = template.NewPostgresStore(d.DB.Pool)
	}

	if d.DryRun {
		d.Memory = memory.NewStore()
		d.CatalogRepo = d.Memory
		d.PricingRepo = d.Memory
		d.AnalysisRepo = d.Memory
	} else {
		d.CatalogRepo = catalog.NewPostgresRepository(d.DB.Pool)
		d.PricingRepo = pricing.NewPostgresRepository(d.DB.Pool)
		d.AnalysisRepo = trends.NewPostgresRepository(d.DB.Pool)
	}

	if path := d.Config.Storage.ArchivePath; path != "" && !d.DryRun {
		archive, err := storage.New(&storage.Config{Type: storage.StorageTypeLocal, LocalPath: path})
		if err != nil {
			return err
		}
		d.Archive = archive
	}

	if path := d.Config.Resolver.SearchIndexPath; path != "" {
		if d.DryRun {
			path = ""
		}
		index, err := catalog.NewSearchIndex(path)
		if err != nil {
			return err
		}
		d.SearchIndex = index
	}

	return nil
}

// initServices initializes all service layer dependencies
func (d *Dependencies) initServices() error {
	cfg := d.Config

	d.Templates = template.NewService(d.TemplateStore, d.Logger)

	d.Extractor = extraction.NewExtractor(extraction.Config{
		ToleranceCents:   cfg.Extraction.ToleranceCents,
		TolerancePercent: decimal.NewFromFloat(cfg.Extraction.TolerancePercent),
		DefaultCurrency:  cfg.Extraction.DefaultCurrency,
		DefaultLayout:    cfg.Extraction.DateLayout,
	})

	resolverCfg := catalog.DefaultConfig()
	resolverCfg.AcceptThreshold = cfg.Resolver.AcceptThreshold
	resolverCfg.CandidateThreshold = cfg.Resolver.CandidateThreshold
	resolverOpts := []catalog.Option{catalog.WithConfig(resolverCfg)}
	if d.SearchIndex != nil {
		resolverOpts = append(resolverOpts, catalog.WithSearchIndex(d.SearchIndex))
	}
	d.Resolver = catalog.NewResolver(d.CatalogRepo, d.Logger, resolverOpts...)

	processingOpts := []processing.Option{
		processing.WithConfig(processing.Config{Workers: cfg.Extraction.Workers}),
		processing.WithMetrics(d.Metrics),
	}
	if d.Archive != nil {
		processingOpts = append(processingOpts, processing.WithArchive(d.Archive))
	}
	d.Processing = processing.NewService(d.Templates, d.Extractor, d.Resolver, d.PricingRepo, d.Logger, processingOpts...)

	backend, err := trends.NewBackend(trends.BackendConfig{
		Type:          cfg.Analysis.Backend,
		APIURL:        cfg.Analysis.APIURL,
		Command:       cfg.Analysis.Command,
		ModelPath:     cfg.Analysis.ModelPath,
		LocalBinary:   cfg.Analysis.LocalBinary,
		Timeout:       cfg.Analysis.Timeout,
		RatePerMinute: cfg.Analysis.RatePerMinute,
	})
	if err != nil {
		return err
	}

	trendsOpts := []trends.Option{
		trends.WithConfig(trends.Config{
			SignificanceThreshold: decimal.NewFromFloat(cfg.Analysis.SignificanceThreshold),
			FlaggedStart:          cfg.Analysis.FlaggedStart,
			FlaggedEnd:            cfg.Analysis.FlaggedEnd,
		}),
		trends.WithMetrics(d.Metrics),
	}
	if cfg.Analysis.PromptPath != "" {
		renderer, err := trends.LoadPromptRenderer(cfg.Analysis.PromptPath)
		if err != nil {
			return err
		}
		trendsOpts = append(trendsOpts, trends.WithPromptRenderer(trends.KindRecent, renderer))
	}
	d.Trends = trends.NewService(d.PricingRepo, d.CatalogRepo, d.AnalysisRepo, backend, d.Logger, trendsOpts...)

	d.Workbook = report.NewWorkbookWriter(d.Logger)
	return nil
}

// Close releases the database pool and the search index.
func (d *Dependencies) Close() {
	if d.SearchIndex != nil {
		if err := d.SearchIndex.Close(); err != nil {
			d.Logger.Warn("failed to close search index", "error", err)
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}
