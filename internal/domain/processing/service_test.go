package processing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/catalog"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/extraction"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/memory"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/pricing"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/template"
	"github.com/FACorreiaa/invoice-pricing/pkg/storage"
)

// ============================================================================
// Fixtures
// ============================================================================

var cols = []int{0, 11, 34, 42, 53}

func place(texts ...string) string {
	var b strings.Builder
	for i, text := range texts {
		if text == "" {
			continue
		}
		for b.Len() < cols[i] {
			b.WriteByte(' ')
		}
		b.WriteString(text)
	}
	return b.String()
}

func invoiceText(vendorLine, number, date string) string {
	lines := []string{vendorLine, "Invoice #: " + number}
	if date != "" {
		lines[1] += "          Invoice Date: " + date
	}
	lines = append(lines,
		"Job: Riverside Plaza",
		place("Part#", "Description", "Qty", "Price", "Amount"),
		place("EM-100", "1/2 EMT Conduit", "10", "4.25", "42.50"),
		place("WG-12", "12 AWG THHN Wire", "2", "55.00", "110.00"),
		place("BX-4", "4in Box", "5", "1.10", "5.50"),
		place("Invoice Total:", "", "", "", "158.00"),
	)
	return strings.Join(lines, "\n")
}

func vendorTemplate(vendor, identifier string) *template.VendorTemplate {
	return &template.VendorTemplate{
		Vendor:      vendor,
		Identifiers: []string{identifier},
		Summary: []template.SummaryFieldRule{
			{Field: template.FieldInvoiceNumber, Kind: template.FieldAnchorRegex, Anchor: "Invoice #:", Pattern: `(\d+)`},
			{Field: template.FieldInvoiceDate, Kind: template.FieldAnchorRegex, Anchor: "Invoice Date:", Pattern: `(\d{1,2}/\d{1,2}/\d{4})`},
			{Field: template.FieldJobName, Kind: template.FieldAnchorOffset, Anchor: "Job:"},
			{Field: template.FieldTotalCost, Kind: template.FieldAnchorRegex, Anchor: "Invoice Total:", Pattern: `([\d,]+\.\d{2})`},
		},
		LineItems: []template.LineItemRule{{
			Kind:       template.ItemTableSignature,
			MinColumns: 3,
			Columns: []template.ColumnSignature{
				{Name: "Part#", Field: template.ColumnPartNumber},
				{Name: "Description", Field: template.ColumnDescription},
				{Name: "Qty", Field: template.ColumnQuantity},
				{Name: "Price", Field: template.ColumnUnitPrice},
				{Name: "Amount", Field: template.ColumnTotalPrice},
			},
		}},
	}
}

type fixture struct {
	store     *memory.Store
	templates *template.Service
	service   *Service
	dir       string
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	now := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := memory.NewStore().WithClock(clock)
	templates := template.NewService(memory.NewTemplateStore(), testLogger())
	resolver := catalog.NewResolver(store, testLogger(), catalog.WithClock(clock))
	opts = append([]Option{WithClock(clock)}, opts...)

	return &fixture{
		store:     store,
		templates: templates,
		service:   NewService(templates, extraction.NewExtractor(extraction.DefaultConfig()), resolver, store, testLogger(), opts...),
		dir:       t.TempDir(),
	}
}

func (f *fixture) train(t *testing.T, vendor, identifier string) {
	t.Helper()
	require.NoError(t, f.templates.SaveTemplate(context.Background(), vendorTemplate(vendor, identifier)))
}

func (f *fixture) write(t *testing.T, name, text string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

// failingPrices fails every invoice write.
type failingPrices struct {
	pricing.Repository
}

func (failingPrices) SaveInvoice(context.Context, *pricing.Invoice, []pricing.LineItem) error {
	return errors.New("connection refused")
}

// ============================================================================
// Process
// ============================================================================

func TestProcess_StoresInvoiceItemsAndObservations(t *testing.T) {
	f := newFixture(t)
	f.train(t, "ACME Electric Supply", "ACME ELECTRIC")
	f.write(t, "acme.txt", invoiceText("ACME ELECTRIC SUPPLY", "10042", "01/15/2024"))

	batch, err := f.service.Process(context.Background(), f.dir, extraction.ModeFull)
	require.NoError(t, err)
	require.Len(t, batch.Outcomes, 1)

	out := batch.Outcomes[0]
	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, "ACME Electric Supply", out.Vendor)
	require.Len(t, out.InvoiceIDs, 1)
	assert.Equal(t, 3, out.LineItems)
	assert.Equal(t, 3, out.Observations)
	assert.Equal(t, 0, batch.ExitCode())

	inv, err := f.store.GetInvoice(context.Background(), out.InvoiceIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "10042", inv.InvoiceNumber)
	require.NotNil(t, inv.InvoiceDate)
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), *inv.InvoiceDate)
	assert.Equal(t, int64(15800), inv.Total.Amount())

	items, err := f.store.LineItems(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for _, item := range items {
		assert.NotNil(t, item.PartID)
	}

	counts := f.store.Counts()
	assert.Equal(t, 3, counts["parts"])
	assert.Equal(t, 3, counts["observations"])
}

func TestProcess_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.train(t, "ACME Electric Supply", "ACME ELECTRIC")
	f.write(t, "acme.txt", invoiceText("ACME ELECTRIC SUPPLY", "10042", "01/15/2024"))

	_, err := f.service.Process(context.Background(), f.dir, extraction.ModeFull)
	require.NoError(t, err)
	first := f.store.Counts()

	batch, err := f.service.Process(context.Background(), f.dir, extraction.ModeFull)
	require.NoError(t, err)

	assert.Equal(t, first, f.store.Counts())
	out := batch.Outcomes[0]
	assert.Equal(t, 0, out.Observations)
	assert.Equal(t, 3, out.Duplicates)
}

func TestProcess_UntrainedVendorStoresNothing(t *testing.T) {
	f := newFixture(t)
	f.train(t, "ACME Electric Supply", "ACME ELECTRIC")
	f.write(t, "other.txt", invoiceText("NORTHWIND LIGHTING", "7", "01/15/2024"))

	batch, err := f.service.Process(context.Background(), f.dir, extraction.ModeFull)
	require.NoError(t, err)
	require.Len(t, batch.Outcomes, 1)

	out := batch.Outcomes[0]
	assert.Equal(t, StatusTemplateNotFound, out.Status)
	assert.ErrorIs(t, out.Err, template.ErrTemplateNotFound)
	assert.Equal(t, 1, batch.ExitCode())
	assert.Equal(t, 0, f.store.Counts()["invoices"])
}

func TestProcess_OneBadDocumentDoesNotStopTheRun(t *testing.T) {
	f := newFixture(t)
	f.train(t, "ACME Electric Supply", "ACME ELECTRIC")
	f.write(t, "a-acme.txt", invoiceText("ACME ELECTRIC SUPPLY", "1", "01/15/2024"))
	f.write(t, "b-empty.txt", "ACME ELECTRIC SUPPLY\nthank you for your business")
	f.write(t, "c-acme.txt", invoiceText("ACME ELECTRIC SUPPLY", "2", "01/16/2024"))

	batch, err := f.service.Process(context.Background(), f.dir, extraction.ModeFull)
	require.NoError(t, err)
	require.Len(t, batch.Outcomes, 3)

	assert.Equal(t, StatusOK, batch.Outcomes[0].Status)
	assert.Equal(t, StatusExtractionFailed, batch.Outcomes[1].Status)
	assert.ErrorIs(t, batch.Outcomes[1].Err, extraction.ErrExtractionFailed)
	assert.Equal(t, StatusOK, batch.Outcomes[2].Status)
	assert.Equal(t, 2, f.store.Counts()["invoices"])

	counts := batch.Counts()
	assert.Equal(t, 2, counts[StatusOK])
	assert.Equal(t, 1, counts[StatusExtractionFailed])
	items, observations := batch.Totals()
	assert.Equal(t, 6, items)
	assert.Equal(t, 6, observations)
}

func TestProcess_SameItemAcrossVendorsSharesPart(t *testing.T) {
	f := newFixture(t)
	f.train(t, "ACME Electric Supply", "ACME ELECTRIC")
	f.train(t, "Border States", "BORDER STATES")
	f.write(t, "acme.txt", invoiceText("ACME ELECTRIC SUPPLY", "1", "01/15/2024"))
	f.write(t, "border.txt", invoiceText("BORDER STATES", "2", "01/20/2024"))

	_, err := f.service.Process(context.Background(), f.dir, extraction.ModeFull)
	require.NoError(t, err)

	counts := f.store.Counts()
	assert.Equal(t, 3, counts["parts"])
	assert.Equal(t, 6, counts["aliases"])
	assert.Equal(t, 6, counts["observations"])
}

func TestProcess_UndatedInvoiceRecordsNoPrices(t *testing.T) {
	f := newFixture(t)
	f.train(t, "ACME Electric Supply", "ACME ELECTRIC")
	f.write(t, "acme.txt", invoiceText("ACME ELECTRIC SUPPLY", "10042", ""))

	batch, err := f.service.Process(context.Background(), f.dir, extraction.ModeFull)
	require.NoError(t, err)

	out := batch.Outcomes[0]
	assert.Equal(t, StatusPartial, out.Status)
	assert.Contains(t, out.Missing, template.FieldInvoiceDate)
	assert.Equal(t, 3, out.LineItems)
	assert.Equal(t, 3, out.Undated)
	assert.Equal(t, 0, f.store.Counts()["observations"])
}

func TestProcess_SummaryRunKeepsLineItems(t *testing.T) {
	f := newFixture(t)
	f.train(t, "ACME Electric Supply", "ACME ELECTRIC")
	f.write(t, "acme.txt", invoiceText("ACME ELECTRIC SUPPLY", "10042", "01/15/2024"))

	_, err := f.service.Process(context.Background(), f.dir, extraction.ModeFull)
	require.NoError(t, err)

	batch, err := f.service.Process(context.Background(), f.dir, extraction.ModeSummary)
	require.NoError(t, err)

	out := batch.Outcomes[0]
	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, 0, out.LineItems)
	assert.Equal(t, 3, f.store.Counts()["line_items"])
	assert.Equal(t, 3, f.store.Counts()["observations"])
}

func (f *fixture) retrain(t *testing.T, edit func(*template.VendorTemplate)) {
	t.Helper()
	tmpl := vendorTemplate("ACME Electric Supply", "ACME ELECTRIC")
	edit(tmpl)
	require.NoError(t, f.templates.SaveTemplate(context.Background(), tmpl))
}

// observationDates lists the distinct invoice dates priced for an invoice's rows.
func (f *fixture) observationDates(t *testing.T, invoiceID uuid.UUID) []time.Time {
	t.Helper()
	ctx := context.Background()
	items, err := f.store.LineItems(ctx, invoiceID)
	require.NoError(t, err)

	var dates []time.Time
	for _, it := range items {
		require.NotNil(t, it.PartID)
		history, err := f.store.PriceHistory(ctx, *it.PartID, nil)
		require.NoError(t, err)
		for _, o := range history {
			if o.LineItemID == it.ID && !slices.ContainsFunc(dates, o.InvoiceDate.Equal) {
				dates = append(dates, o.InvoiceDate)
			}
		}
	}
	return dates
}

func TestProcess_RetrainedDateLayoutReplacesObservations(t *testing.T) {
	for _, mode := range []extraction.Mode{extraction.ModeFull, extraction.ModeSummary} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t)
			f.retrain(t, func(tmpl *template.VendorTemplate) { tmpl.DateLayout = "01/02/2006" })
			f.write(t, "acme.txt", invoiceText("ACME ELECTRIC SUPPLY", "10042", "03/04/2024"))

			batch, err := f.service.Process(context.Background(), f.dir, extraction.ModeFull)
			require.NoError(t, err)
			id := batch.Outcomes[0].InvoiceIDs[0]
			assert.Equal(t, []time.Time{time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)}, f.observationDates(t, id))

			f.retrain(t, func(tmpl *template.VendorTemplate) { tmpl.DateLayout = "02/01/2006" })
			_, err = f.service.Process(context.Background(), f.dir, mode)
			require.NoError(t, err)

			counts := f.store.Counts()
			assert.Equal(t, 3, counts["line_items"])
			assert.Equal(t, 3, counts["observations"], "one observation per line item")
			assert.Equal(t, []time.Time{time.Date(2024, 4, 3, 0, 0, 0, 0, time.UTC)}, f.observationDates(t, id))
		})
	}
}

func TestProcess_RetrainedStopPatternDropsRemovedRows(t *testing.T) {
	f := newFixture(t)
	f.train(t, "ACME Electric Supply", "ACME ELECTRIC")
	f.write(t, "acme.txt", invoiceText("ACME ELECTRIC SUPPLY", "10042", "01/15/2024"))

	_, err := f.service.Process(context.Background(), f.dir, extraction.ModeFull)
	require.NoError(t, err)
	assert.Equal(t, 3, f.store.Counts()["observations"])

	f.retrain(t, func(tmpl *template.VendorTemplate) { tmpl.LineItems[0].StopPattern = "BX-4" })
	batch, err := f.service.Process(context.Background(), f.dir, extraction.ModeFull)
	require.NoError(t, err)

	assert.Equal(t, 2, batch.Outcomes[0].LineItems)
	counts := f.store.Counts()
	assert.Equal(t, 2, counts["line_items"])
	assert.Equal(t, 2, counts["observations"])
}

func TestProcess_ItemsRunKeepsSummary(t *testing.T) {
	f := newFixture(t)
	f.train(t, "ACME Electric Supply", "ACME ELECTRIC")
	f.write(t, "acme.txt", invoiceText("ACME ELECTRIC SUPPLY", "10042", "01/15/2024"))

	_, err := f.service.Process(context.Background(), f.dir, extraction.ModeSummary)
	require.NoError(t, err)
	assert.Equal(t, 0, f.store.Counts()["line_items"])

	batch, err := f.service.Process(context.Background(), f.dir, extraction.ModeItems)
	require.NoError(t, err)

	out := batch.Outcomes[0]
	assert.Equal(t, 3, out.LineItems)
	assert.Equal(t, 3, out.Observations, "the stored date prices the items")

	inv, err := f.store.GetInvoice(context.Background(), out.InvoiceIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "10042", inv.InvoiceNumber)
	assert.Equal(t, "Riverside Plaza", inv.JobName)
}

func TestProcess_StorageFailureStopsTheRun(t *testing.T) {
	f := newFixture(t)
	f.train(t, "ACME Electric Supply", "ACME ELECTRIC")
	f.write(t, "a.txt", invoiceText("ACME ELECTRIC SUPPLY", "1", "01/15/2024"))
	f.write(t, "b.txt", invoiceText("ACME ELECTRIC SUPPLY", "2", "01/15/2024"))

	resolver := catalog.NewResolver(f.store, testLogger())
	svc := NewService(f.templates, extraction.NewExtractor(extraction.DefaultConfig()), resolver,
		failingPrices{Repository: f.store}, testLogger())

	batch, err := svc.Process(context.Background(), f.dir, extraction.ModeFull)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	require.NotNil(t, batch)
	assert.Empty(t, batch.Outcomes)
}

func TestProcess_ArchivesSources(t *testing.T) {
	archive, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	f := newFixture(t, WithArchive(archive), WithConfig(Config{Workers: 1}))
	f.train(t, "ACME Electric Supply", "ACME ELECTRIC")
	f.write(t, "acme.txt", invoiceText("ACME ELECTRIC SUPPLY", "10042", "01/15/2024"))
	f.write(t, "other.txt", invoiceText("NORTHWIND LIGHTING", "7", "01/15/2024"))

	_, err = f.service.Process(context.Background(), f.dir, extraction.ModeFull)
	require.NoError(t, err)

	files, err := archive.List(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "text/plain", files[0].ContentType)
}

func TestProcess_MissingSource(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Process(context.Background(), filepath.Join(f.dir, "nope"), extraction.ModeFull)
	assert.Error(t, err)
}

// ============================================================================
// Train
// ============================================================================

func TestTrain_StoresTemplateAndPreviews(t *testing.T) {
	f := newFixture(t)
	sample := f.write(t, "sample.txt", invoiceText("ACME ELECTRIC SUPPLY", "10042", "01/15/2024"))

	tmpl, preview, err := f.service.Train(context.Background(), sample, template.Selections{
		Vendor:      "ACME Electric Supply",
		Identifiers: []string{"ACME ELECTRIC"},
		Fields: []template.FieldSelection{
			{Field: template.FieldInvoiceNumber, Value: "10042"},
			{Field: template.FieldInvoiceDate, Value: "01/15/2024"},
		},
		Table: &template.TableSelection{Header: []string{"Part#", "Description", "Qty", "Price", "Amount"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ACME Electric Supply", tmpl.Vendor)
	require.NotNil(t, preview)
	assert.Equal(t, 3, preview.ItemCount())

	stored, err := f.templates.GetTemplate(context.Background(), "acme electric supply")
	require.NoError(t, err)
	assert.Equal(t, tmpl.TrainedAt, stored.TrainedAt)
}

func TestTrain_InvalidSelections(t *testing.T) {
	f := newFixture(t)
	sample := f.write(t, "sample.txt", invoiceText("ACME ELECTRIC SUPPLY", "10042", "01/15/2024"))

	_, _, err := f.service.Train(context.Background(), sample, template.Selections{})
	assert.Error(t, err)

	_, err = f.templates.ListTemplates(context.Background())
	require.NoError(t, err)
}

// ============================================================================
// BatchResult
// ============================================================================

func TestBatchResult_ExitCode(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     int
	}{
		{"empty", nil, 0},
		{"all ok", []Status{StatusOK, StatusPartial}, 0},
		{"no template", []Status{StatusOK, StatusTemplateNotFound}, 1},
		{"nothing extracted", []Status{StatusExtractionFailed}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &BatchResult{}
			for _, s := range tt.statuses {
				b.Outcomes = append(b.Outcomes, Outcome{Status: s})
			}
			assert.Equal(t, tt.want, b.ExitCode())
		})
	}
}
