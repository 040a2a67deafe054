// Package pricing stores invoices, their line items and the append-only log of price
// observations. Every price read is computed from that log.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/invoice-pricing/pkg/money"
)

var (
	// ErrInvoiceNotFound is returned for unknown invoice ids.
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrNoObservations means a part has no recorded price for the vendor.
	ErrNoObservations = errors.New("no price observations")
)

var (
	invoiceNamespace  = uuid.MustParse("6f1b7c52-2d7e-4f53-9a8e-0c4d1f6b2a10")
	lineItemNamespace = uuid.MustParse("b3a9e0d4-58c1-4b7a-8f26-91d7c3e5f402")
)

// InvoiceID is derived from the source document and the invoice's position in it, so
// reprocessing a document addresses the same rows.
func InvoiceID(sourceHash string, sequence int) uuid.UUID {
	return uuid.NewSHA1(invoiceNamespace, fmt.Appendf(nil, "%s#%d", sourceHash, sequence))
}

// LineItemID is derived from the invoice and the line number.
func LineItemID(invoiceID uuid.UUID, lineNo int) uuid.UUID {
	return uuid.NewSHA1(lineItemNamespace, fmt.Appendf(nil, "%s#%d", invoiceID, lineNo))
}

// Invoice is one stored invoice.
type Invoice struct {
	ID            uuid.UUID    `json:"id"`
	Vendor        string       `json:"vendor"`
	InvoiceNumber string       `json:"invoice_number"`
	InvoiceDate   *time.Time   `json:"invoice_date,omitempty"`
	JobName       string       `json:"job_name"`
	Total         *money.Money `json:"total,omitempty"`
	Currency      string       `json:"currency"`
	SourceRef     string       `json:"source_ref"`
	SourceHash    string       `json:"source_hash"`
	Sequence      int          `json:"sequence"`
	ProcessedAt   time.Time    `json:"processed_at"`
	// ItemCount is filled by listing queries.
	ItemCount int `json:"item_count"`
}

// LineItem is one stored invoice row.
type LineItem struct {
	ID             uuid.UUID        `json:"id"`
	InvoiceID      uuid.UUID        `json:"invoice_id"`
	LineNo         int              `json:"line_no"`
	RawPartNumber  string           `json:"raw_part_number"`
	RawDescription string           `json:"raw_description"`
	Quantity       *decimal.Decimal `json:"quantity,omitempty"`
	UnitPrice      *money.Money     `json:"unit_price,omitempty"`
	LineTotal      *money.Money     `json:"line_total,omitempty"`
	Currency       string           `json:"currency"`
	PartID         *uuid.UUID       `json:"part_id,omitempty"`
	Flags          []string         `json:"flags,omitempty"`
}

// PriceObservation is one (part, vendor, date, price) fact taken from a line item.
type PriceObservation struct {
	ID          uuid.UUID    `json:"id"`
	PartID      uuid.UUID    `json:"part_id"`
	Vendor      string       `json:"vendor"`
	InvoiceDate time.Time    `json:"invoice_date"`
	UnitPrice   *money.Money `json:"unit_price"`
	LineItemID  uuid.UUID    `json:"line_item_id"`
	RecordedAt  time.Time    `json:"recorded_at"`
}

// Key returns the serialization key for writes to this observation's log.
func (o *PriceObservation) Key() string {
	return ObservationKey(o.PartID, o.Vendor)
}

// Describes reports whether the observation still matches the line item it was recorded
// from: same invoice date, vendor, part and unit price. Reprocessing after a template
// change can alter any of them; observations that no longer match are dropped on save.
func (o *PriceObservation) Describes(inv Invoice, item LineItem) bool {
	if inv.InvoiceDate == nil || item.PartID == nil || item.UnitPrice == nil {
		return false
	}
	return o.LineItemID == item.ID &&
		o.InvoiceDate.Equal(dayOf(inv)) &&
		o.Vendor == inv.Vendor &&
		o.PartID == *item.PartID &&
		o.UnitPrice.Equals(item.UnitPrice)
}

// ObservationKey identifies one (part, vendor) price series.
func ObservationKey(partID uuid.UUID, vendor string) string {
	return partID.String() + "|" + strings.ToLower(strings.TrimSpace(vendor))
}

// DateGroup is the invoices sharing one invoice date. Undated invoices have a zero Date.
type DateGroup struct {
	Date     time.Time
	Invoices []Invoice
}

// Repository is the pricing persistence.
type Repository interface {
	// SaveInvoice upserts the invoice and replaces its line items. Saving the same
	// invoice again leaves the same rows.
	SaveInvoice(ctx context.Context, inv *Invoice, items []LineItem) error
	GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error)
	LineItems(ctx context.Context, invoiceID uuid.UUID) ([]LineItem, error)
	// DeleteInvoice removes the invoice with its line items and observations.
	DeleteInvoice(ctx context.Context, id uuid.UUID) error
	// InvoicesByDate groups invoices by date, oldest first. Zero bounds are open.
	InvoicesByDate(ctx context.Context, from, to time.Time) ([]DateGroup, error)

	// RecordObservation appends an observation unless one exists for the same part,
	// vendor, date and line item. It reports whether a row was added.
	RecordObservation(ctx context.Context, obs *PriceObservation) (bool, error)
	// PriceHistory returns observations ordered by date; vendor nil means all vendors.
	PriceHistory(ctx context.Context, partID uuid.UUID, vendor *string) ([]PriceObservation, error)
	// CurrentPrice is the most recent observation for the vendor.
	CurrentPrice(ctx context.Context, partID uuid.UUID, vendor string) (*PriceObservation, error)
	// PriceAcrossVendors is the latest observation per vendor on or before asOf.
	PriceAcrossVendors(ctx context.Context, partID uuid.UUID, asOf time.Time) ([]PriceObservation, error)
	// ObservationsSince returns observations dated on or after since, ordered by part,
	// vendor and date. An empty vendor list means all vendors.
	ObservationsSince(ctx context.Context, since time.Time, vendors []string) ([]PriceObservation, error)
}

// KeyedMutex serializes work per key while letting different keys proceed in parallel.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until key is free and returns the matching unlock.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// SortHistory orders observations by date, then record time. Ties keep log order.
func SortHistory(obs []PriceObservation) {
	for i := 1; i < len(obs); i++ {
		for j := i; j > 0 && historyLess(obs[j], obs[j-1]); j-- {
			obs[j], obs[j-1] = obs[j-1], obs[j]
		}
	}
}

func historyLess(a, b PriceObservation) bool {
	if !a.InvoiceDate.Equal(b.InvoiceDate) {
		return a.InvoiceDate.Before(b.InvoiceDate)
	}
	return a.RecordedAt.Before(b.RecordedAt)
}

// GroupByDate groups invoices by calendar date, oldest first with undated invoices
// leading. Order within a date is kept.
func GroupByDate(invoices []Invoice) []DateGroup {
	sorted := make([]Invoice, len(invoices))
	copy(sorted, invoices)
	sort.SliceStable(sorted, func(i, j int) bool {
		return dayOf(sorted[i]).Before(dayOf(sorted[j]))
	})

	var groups []DateGroup
	for _, inv := range sorted {
		day := dayOf(inv)
		if n := len(groups); n > 0 && groups[n-1].Date.Equal(day) {
			groups[n-1].Invoices = append(groups[n-1].Invoices, inv)
			continue
		}
		groups = append(groups, DateGroup{Date: day, Invoices: []Invoice{inv}})
	}
	return groups
}

func dayOf(inv Invoice) time.Time {
	if inv.InvoiceDate == nil {
		return time.Time{}
	}
	y, m, d := inv.InvoiceDate.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func centsOf(m *money.Money) *int64 {
	if m == nil {
		return nil
	}
	c := m.Amount()
	return &c
}

func fromCents(cents *int64, currency string) *money.Money {
	if cents == nil {
		return nil
	}
	return money.New(*cents, currency)
}
