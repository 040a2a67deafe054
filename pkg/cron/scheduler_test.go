package cron

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/trends"
)

type MockAnalyzer struct {
	requests chan trends.Request
	result   *trends.Analysis
	err      error
}

func (m *MockAnalyzer) Analyze(_ context.Context, req trends.Request) (*trends.Analysis, error) {
	m.requests <- req
	return m.result, m.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_RunNowAnalyzesRecentChanges(t *testing.T) {
	analyzer := &MockAnalyzer{
		requests: make(chan trends.Request, 1),
		result:   &trends.Analysis{ID: uuid.New(), Digest: &trends.Digest{}},
	}
	s := NewScheduler(analyzer, "0 6 * * *", testLogger())

	s.RunNow()

	select {
	case req := <-analyzer.requests:
		assert.Equal(t, trends.KindRecent, req.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("analysis was not run")
	}
}

func TestScheduler_WithRequest(t *testing.T) {
	analyzer := &MockAnalyzer{
		requests: make(chan trends.Request, 1),
		err:      errors.New("no observations"),
	}
	s := NewScheduler(analyzer, "@daily", testLogger()).
		WithRequest(trends.Request{Kind: trends.KindVendors, Vendors: []string{"ACME", "Border"}})

	s.RunNow()

	select {
	case req := <-analyzer.requests:
		assert.Equal(t, trends.KindVendors, req.Kind)
		assert.Equal(t, []string{"ACME", "Border"}, req.Vendors)
	case <-time.After(2 * time.Second):
		t.Fatal("analysis was not run")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(&MockAnalyzer{requests: make(chan trends.Request, 1)}, "0 6 * * *", testLogger())
	require.NoError(t, s.Start())
	<-s.Stop().Done()
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	s := NewScheduler(&MockAnalyzer{}, "every morning", testLogger())
	assert.Error(t, s.Start())
}
