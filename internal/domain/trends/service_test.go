package trends_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/catalog"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/memory"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/pricing"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/trends"
	"github.com/FACorreiaa/invoice-pricing/pkg/metrics"
	"github.com/FACorreiaa/invoice-pricing/pkg/money"
)

var now = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store *memory.Store
	parts map[string]uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		store: memory.NewStore().WithClock(func() time.Time { return now }),
		parts: make(map[string]uuid.UUID),
	}
}

func (f *fixture) part(t *testing.T, number string) uuid.UUID {
	t.Helper()
	if id, ok := f.parts[number]; ok {
		return id
	}
	p := &catalog.Part{ID: uuid.New(), CanonicalPartNumber: number, Description: number + " description"}
	require.NoError(t, f.store.CreatePart(context.Background(), p))
	f.parts[number] = p.ID
	return p.ID
}

func (f *fixture) observe(t *testing.T, number, vendor, date string, cents int64) {
	t.Helper()
	d, err := time.Parse("2006-01-02", date)
	require.NoError(t, err)
	_, err = f.store.RecordObservation(context.Background(), &pricing.PriceObservation{
		PartID:      f.part(t, number),
		Vendor:      vendor,
		InvoiceDate: d,
		UnitPrice:   money.New(cents, "USD"),
		LineItemID:  uuid.New(),
	})
	require.NoError(t, err)
}

func (f *fixture) service(backend trends.Backend, opts ...trends.Option) *trends.Service {
	opts = append([]trends.Option{trends.WithClock(func() time.Time { return now })}, opts...)
	return trends.NewService(f.store, f.store, f.store, backend, testLogger(), opts...)
}

// ============================================================================
// Analyze
// ============================================================================

func TestService_AnalyzeComplete(t *testing.T) {
	f := newFixture(t)
	f.observe(t, "EM100", "Acme", "2024-02-20", 1000)
	f.observe(t, "EM100", "Acme", "2024-03-10", 1100)
	f.observe(t, "EM100", "Border", "2024-03-01", 1050)
	f.observe(t, "OLD1", "Acme", "2023-06-01", 500)

	var prompt string
	backend := trends.BackendFunc(func(_ context.Context, p string) (string, error) {
		prompt = p
		return "Prices rose.\nFLAGGED ITEMS:\n- EM100 at Acme\nEND FLAGGED", nil
	})

	cfg := trends.DefaultConfig()
	cfg.FlaggedStart = "FLAGGED ITEMS:"
	cfg.FlaggedEnd = "END FLAGGED"
	svc := f.service(backend, trends.WithConfig(cfg), trends.WithMetrics(metrics.New()))

	analysis, err := svc.Analyze(context.Background(), trends.Request{Kind: trends.KindRecent})
	require.NoError(t, err)

	assert.Equal(t, trends.StatusComplete, analysis.Status)
	assert.Equal(t, []string{"EM100 at Acme"}, analysis.FlaggedItems)
	assert.Contains(t, prompt, "EM100")
	assert.NotContains(t, prompt, "OLD1")
	assert.Equal(t, prompt, analysis.Prompt)

	require.Len(t, analysis.Digest.Parts, 1)
	pd := analysis.Digest.Parts[0]
	assert.Equal(t, 3, pd.Observations)
	require.Len(t, pd.Vendors, 2)
	assert.Equal(t, "Border", pd.Vendors[0].Vendor)
	assert.Equal(t, "Acme", pd.Vendors[1].Vendor)
	assert.Equal(t, 1, analysis.Digest.Summary.SignificantChanges)
	assert.True(t, analysis.Digest.Summary.Threshold.Equal(decimal.NewFromInt(3)))

	stored, err := svc.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, analysis.ID, stored[0].ID)
}

func TestService_AnalyzeBackendUnavailable(t *testing.T) {
	f := newFixture(t)
	f.observe(t, "EM100", "Acme", "2024-03-10", 1100)

	backend := trends.BackendFunc(func(context.Context, string) (string, error) {
		return "", errors.New("connection refused")
	})
	svc := f.service(backend)

	analysis, err := svc.Analyze(context.Background(), trends.Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, trends.ErrAnalysisUnavailable)
	require.NotNil(t, analysis)
	assert.Equal(t, trends.StatusUnavailable, analysis.Status)
	assert.Contains(t, analysis.Error, "connection refused")
	assert.Empty(t, analysis.Response)

	stored, err := f.store.GetAnalysis(context.Background(), analysis.ID)
	require.NoError(t, err)
	assert.Equal(t, trends.StatusUnavailable, stored.Status)

	// Extraction data is untouched.
	assert.Equal(t, 1, f.store.Counts()["observations"])
}

// ============================================================================
// Digest presets
// ============================================================================

func TestService_VendorsPresetKeepsCommonParts(t *testing.T) {
	f := newFixture(t)
	f.observe(t, "EM100", "Acme", "2024-02-01", 1000)
	f.observe(t, "EM100", "Border", "2024-02-02", 990)
	f.observe(t, "WN-G", "Acme", "2024-02-03", 300)
	f.observe(t, "EM100", "Cable Co", "2024-02-04", 900)

	svc := f.service(trends.BackendFunc(func(context.Context, string) (string, error) { return "", nil }))

	digest, err := svc.Digest(context.Background(), trends.Request{
		Kind:    trends.KindVendors,
		Vendors: []string{"Acme", "Border"},
	})
	require.NoError(t, err)

	require.Len(t, digest.Parts, 1)
	assert.Equal(t, "EM100", digest.Parts[0].PartNumber)
	require.Len(t, digest.Parts[0].Vendors, 2)
	assert.Equal(t, "Border", digest.Parts[0].Vendors[0].Vendor)
	assert.Equal(t, []string{"Acme", "Border"}, digest.Summary.Vendors)
}

func TestService_TrendsPresetLimitsParts(t *testing.T) {
	f := newFixture(t)
	f.observe(t, "EM100", "Acme", "2024-01-01", 1000)
	f.observe(t, "EM100", "Acme", "2024-02-01", 1000)
	f.observe(t, "EM100", "Acme", "2024-03-01", 1000)
	f.observe(t, "WN-G", "Acme", "2024-01-01", 300)
	f.observe(t, "WN-G", "Acme", "2024-02-01", 310)
	f.observe(t, "4SQ", "Acme", "2024-01-01", 450)

	svc := f.service(trends.BackendFunc(func(context.Context, string) (string, error) { return "", nil }))

	digest, err := svc.Digest(context.Background(), trends.Request{Kind: trends.KindTrends, Limit: 2})
	require.NoError(t, err)

	require.Len(t, digest.Parts, 2)
	assert.Equal(t, "EM100", digest.Parts[0].PartNumber)
	assert.Equal(t, "WN-G", digest.Parts[1].PartNumber)
	assert.True(t, digest.Summary.Threshold.Equal(decimal.NewFromInt(5)))
}

func TestService_DigestForSelectedParts(t *testing.T) {
	f := newFixture(t)
	f.observe(t, "EM100", "Acme", "2024-03-01", 1000)
	f.observe(t, "WN-G", "Acme", "2024-03-01", 300)

	svc := f.service(trends.BackendFunc(func(context.Context, string) (string, error) { return "", nil }))

	digest, err := svc.Digest(context.Background(), trends.Request{PartIDs: []uuid.UUID{f.parts["WN-G"]}})
	require.NoError(t, err)
	require.Len(t, digest.Parts, 1)
	assert.Equal(t, "WN-G description", digest.Parts[0].Description)
}

func TestService_UnknownKind(t *testing.T) {
	f := newFixture(t)
	svc := f.service(trends.BackendFunc(func(context.Context, string) (string, error) { return "", nil }))

	_, err := svc.Analyze(context.Background(), trends.Request{Kind: "weekly"})
	assert.Error(t, err)
}

func TestService_ThresholdPrecedence(t *testing.T) {
	tests := []struct {
		name        string
		configured  int64
		requested   int64
		want        int64
		significant int
	}{
		{"configured threshold beats the preset", 10, 0, 10, 0},
		{"preset when nothing is configured", 0, 0, 3, 1},
		{"request beats configuration", 10, 2, 2, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.observe(t, "EM100", "Acme", "2024-02-20", 1000)
			f.observe(t, "EM100", "Acme", "2024-03-10", 1040)

			svc := f.service(trends.BackendFunc(func(context.Context, string) (string, error) { return "", nil }),
				trends.WithConfig(trends.Config{SignificanceThreshold: decimal.NewFromInt(tt.configured)}))

			digest, err := svc.Digest(context.Background(), trends.Request{
				Kind:      trends.KindRecent,
				Threshold: decimal.NewFromInt(tt.requested),
			})
			require.NoError(t, err)
			assert.True(t, digest.Summary.Threshold.Equal(decimal.NewFromInt(tt.want)), digest.Summary.Threshold.String())
			assert.Equal(t, tt.significant, digest.Summary.SignificantChanges)
		})
	}
}
