package pricing

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestDeterministicIDs(t *testing.T) {
	a := InvoiceID("abc123", 0)
	assert.Equal(t, a, InvoiceID("abc123", 0))
	assert.NotEqual(t, a, InvoiceID("abc123", 1))
	assert.NotEqual(t, a, InvoiceID("abc124", 0))

	li := LineItemID(a, 1)
	assert.Equal(t, li, LineItemID(a, 1))
	assert.NotEqual(t, li, LineItemID(a, 2))
	assert.Equal(t, uuid.Version(5), li.Version())
}

func TestObservationKey(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, ObservationKey(id, "ACME Supply"), ObservationKey(id, " acme supply "))
	assert.NotEqual(t, ObservationKey(id, "ACME"), ObservationKey(uuid.New(), "ACME"))
}

func TestKeyedMutex(t *testing.T) {
	var km KeyedMutex

	t.Run("same key is serialized", func(t *testing.T) {
		var inside, maxInside atomic.Int32
		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock := km.Lock("part|acme")
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				unlock()
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), maxInside.Load())
	})

	t.Run("different keys do not block", func(t *testing.T) {
		unlockA := km.Lock("a")
		done := make(chan struct{})
		go func() {
			unlockB := km.Lock("b")
			unlockB()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("lock on b waited for a")
		}
		unlockA()
	})

	km.mu.Lock()
	assert.Empty(t, km.locks, "released keys are dropped")
	km.mu.Unlock()
}

func TestSortHistory(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	obs := []PriceObservation{
		{Vendor: "c", InvoiceDate: date(2024, 3, 1), RecordedAt: t0},
		{Vendor: "a", InvoiceDate: date(2024, 1, 1), RecordedAt: t0.Add(time.Hour)},
		{Vendor: "b", InvoiceDate: date(2024, 1, 1), RecordedAt: t0},
		{Vendor: "d", InvoiceDate: date(2024, 2, 1), RecordedAt: t0},
	}
	SortHistory(obs)

	var order []string
	for _, o := range obs {
		order = append(order, o.Vendor)
	}
	assert.Equal(t, []string{"b", "a", "d", "c"}, order)
}

func TestGroupByDate(t *testing.T) {
	d1 := date(2024, 3, 1)
	d1Late := time.Date(2024, 3, 1, 15, 30, 0, 0, time.UTC)
	d2 := date(2024, 2, 10)

	groups := GroupByDate([]Invoice{
		{InvoiceNumber: "A", InvoiceDate: &d1},
		{InvoiceNumber: "B", InvoiceDate: &d2},
		{InvoiceNumber: "C"},
		{InvoiceNumber: "D", InvoiceDate: &d1Late},
	})

	require.Len(t, groups, 3)
	assert.True(t, groups[0].Date.IsZero())
	assert.Equal(t, "C", groups[0].Invoices[0].InvoiceNumber)
	assert.Equal(t, d2, groups[1].Date)
	assert.Equal(t, d1, groups[2].Date)
	require.Len(t, groups[2].Invoices, 2)
	assert.Equal(t, "A", groups[2].Invoices[0].InvoiceNumber)
	assert.Equal(t, "D", groups[2].Invoices[1].InvoiceNumber)

	assert.Empty(t, GroupByDate(nil))
}
