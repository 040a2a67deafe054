// Package memory holds catalog, pricing and analysis data in process. It backs
// dry runs and tests with the same semantics as the Postgres repositories.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/catalog"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/pricing"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/trends"
)

var (
	_ catalog.Repository        = (*Store)(nil)
	_ pricing.Repository        = (*Store)(nil)
	_ trends.AnalysisRepository = (*Store)(nil)
)

type aliasKey struct {
	vendor string
	key    string
}

// Store is a single mutex-guarded snapshot of everything the Postgres schema holds.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	parts     map[uuid.UUID]*catalog.Part
	aliases   map[aliasKey]catalog.Alias
	conflicts []catalog.Conflict

	invoices     map[uuid.UUID]*pricing.Invoice
	items        map[uuid.UUID][]pricing.LineItem
	observations []pricing.PriceObservation

	analyses []trends.Analysis
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		now:      time.Now,
		parts:    make(map[uuid.UUID]*catalog.Part),
		aliases:  make(map[aliasKey]catalog.Alias),
		invoices: make(map[uuid.UUID]*pricing.Invoice),
		items:    make(map[uuid.UUID][]pricing.LineItem),
	}
}

// WithClock overrides time.Now for processed and recorded timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// ============================================================================
// Catalog
// ============================================================================

func (s *Store) FindAlias(_ context.Context, vendor, key string) (*catalog.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.aliases[aliasKey{vendor, key}]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *Store) FindPartsByNormalized(_ context.Context, normPartNumber, normDescription string) ([]catalog.Part, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[uuid.UUID]bool)
	var out []catalog.Part
	for _, a := range s.aliases {
		match := (normPartNumber != "" && a.NormPartNumber == normPartNumber) ||
			(normDescription != "" && a.NormDescription == normDescription)
		if !match || seen[a.PartID] {
			continue
		}
		p, ok := s.parts[a.PartID]
		if !ok || p.MergedInto != nil {
			continue
		}
		seen[a.PartID] = true
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *Store) DescriptionEntries(_ context.Context) ([]catalog.DescriptionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []catalog.DescriptionEntry
	for _, p := range s.parts {
		if p.MergedInto == nil && p.Description != "" {
			out = append(out, catalog.DescriptionEntry{PartID: p.ID, Text: p.Description})
		}
	}
	for _, a := range s.aliases {
		if p, ok := s.parts[a.PartID]; ok && p.MergedInto == nil && a.RawDescription != "" {
			out = append(out, catalog.DescriptionEntry{PartID: a.PartID, Text: a.RawDescription})
		}
	}
	return out, nil
}

func (s *Store) CreatePart(_ context.Context, p *catalog.Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parts[p.ID]; ok {
		return fmt.Errorf("part %s already exists", p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	cp := *p
	s.parts[p.ID] = &cp
	return nil
}

func (s *Store) GetPart(_ context.Context, id uuid.UUID) (*catalog.Part, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", catalog.ErrPartNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) BindAlias(_ context.Context, a catalog.Alias) (*catalog.Alias, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := aliasKey{a.Vendor, a.Key()}
	if existing, ok := s.aliases[k]; ok {
		return &existing, nil
	}
	s.aliases[k] = a
	return nil, nil
}

func (s *Store) Aliases(_ context.Context, partID uuid.UUID) ([]catalog.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []catalog.Alias
	for _, a := range s.aliases {
		if a.PartID == partID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Vendor != out[j].Vendor {
			return out[i].Vendor < out[j].Vendor
		}
		return out[i].Key() < out[j].Key()
	})
	return out, nil
}

func (s *Store) SetCustomDescription(_ context.Context, partID uuid.UUID, description, operator string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[partID]
	if !ok {
		return false, fmt.Errorf("%w: %s", catalog.ErrPartNotFound, partID)
	}
	if p.CustomDescription != "" {
		return false, nil
	}
	p.CustomDescription = description
	p.DescriptionSetBy = operator
	return true, nil
}

func (s *Store) RecordConflict(_ context.Context, c *catalog.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	s.conflicts = append(s.conflicts, *c)
	return nil
}

// Conflicts returns the newest first.
func (s *Store) Conflicts(_ context.Context, unresolvedOnly bool) ([]catalog.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []catalog.Conflict
	for i := len(s.conflicts) - 1; i >= 0; i-- {
		if c := s.conflicts[i]; !unresolvedOnly || !c.Resolved {
			out = append(out, c)
		}
	}
	return out, nil
}

// MergeParts repoints aliases, line items and observations in one critical section.
func (s *Store) MergeParts(_ context.Context, sourceID, targetID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.parts[sourceID]
	if !ok || src.MergedInto != nil {
		return fmt.Errorf("%w: %s", catalog.ErrPartNotFound, sourceID)
	}
	if _, ok := s.parts[targetID]; !ok {
		return fmt.Errorf("%w: %s", catalog.ErrPartNotFound, targetID)
	}
	target := targetID
	src.MergedInto = &target

	for k, a := range s.aliases {
		if a.PartID == sourceID {
			a.PartID = targetID
			s.aliases[k] = a
		}
	}
	for id, items := range s.items {
		for i := range items {
			if items[i].PartID != nil && *items[i].PartID == sourceID {
				items[i].PartID = &target
			}
		}
		s.items[id] = items
	}
	for i := range s.observations {
		if s.observations[i].PartID == sourceID {
			s.observations[i].PartID = targetID
		}
	}
	for i := range s.conflicts {
		c := &s.conflicts[i]
		if c.Kind == catalog.ConflictAmbiguousMatch && c.PartID == sourceID {
			c.Resolved = true
			c.OtherPartID = &target
		}
	}
	return nil
}

// ============================================================================
// Pricing
// ============================================================================

func (s *Store) SaveInvoice(_ context.Context, inv *pricing.Invoice, items []pricing.LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inv.ID == uuid.Nil {
		inv.ID = pricing.InvoiceID(inv.SourceHash, inv.Sequence)
	}
	inv.ProcessedAt = s.now().UTC()

	stored := make([]pricing.LineItem, len(items))
	for i, it := range items {
		if it.ID == uuid.Nil {
			it.ID = pricing.LineItemID(inv.ID, it.LineNo)
		}
		it.InvoiceID = inv.ID
		it.Flags = slices.Clone(it.Flags)
		stored[i] = it
	}
	sort.SliceStable(stored, func(i, j int) bool { return stored[i].LineNo < stored[j].LineNo })

	cp := *inv
	cp.ItemCount = len(stored)

	// Drop observations of rows that are gone or no longer read the same.
	owned := make(map[uuid.UUID]bool)
	for _, it := range s.items[inv.ID] {
		owned[it.ID] = true
	}
	current := make(map[uuid.UUID]pricing.LineItem, len(stored))
	for _, it := range stored {
		owned[it.ID] = true
		current[it.ID] = it
	}
	s.observations = slices.DeleteFunc(s.observations, func(o pricing.PriceObservation) bool {
		if !owned[o.LineItemID] {
			return false
		}
		it, ok := current[o.LineItemID]
		return !ok || !o.Describes(cp, it)
	})

	s.invoices[inv.ID] = &cp
	s.items[inv.ID] = stored
	return nil
}

func (s *Store) GetInvoice(_ context.Context, id uuid.UUID) (*pricing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, pricing.ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *Store) LineItems(_ context.Context, invoiceID uuid.UUID) ([]pricing.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.items[invoiceID]), nil
}

func (s *Store) DeleteInvoice(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invoices[id]; !ok {
		return pricing.ErrInvoiceNotFound
	}
	itemIDs := make(map[uuid.UUID]bool)
	for _, it := range s.items[id] {
		itemIDs[it.ID] = true
	}
	s.observations = slices.DeleteFunc(s.observations, func(o pricing.PriceObservation) bool {
		return itemIDs[o.LineItemID]
	})
	delete(s.items, id)
	delete(s.invoices, id)
	return nil
}

func (s *Store) InvoicesByDate(_ context.Context, from, to time.Time) ([]pricing.DateGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []pricing.Invoice
	for _, inv := range s.invoices {
		if d := inv.InvoiceDate; d != nil {
			if !from.IsZero() && d.Before(from) {
				continue
			}
			if !to.IsZero() && d.After(to) {
				continue
			}
		} else if !from.IsZero() || !to.IsZero() {
			continue
		}
		list = append(list, *inv)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Vendor != b.Vendor {
			return a.Vendor < b.Vendor
		}
		if a.InvoiceNumber != b.InvoiceNumber {
			return a.InvoiceNumber < b.InvoiceNumber
		}
		return a.Sequence < b.Sequence
	})
	return pricing.GroupByDate(list), nil
}

func (s *Store) RecordObservation(_ context.Context, obs *pricing.PriceObservation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.observations {
		if o.PartID == obs.PartID && o.Vendor == obs.Vendor &&
			o.InvoiceDate.Equal(obs.InvoiceDate) && o.LineItemID == obs.LineItemID {
			return false, nil
		}
	}
	if obs.ID == uuid.Nil {
		obs.ID = uuid.New()
	}
	if obs.RecordedAt.IsZero() {
		obs.RecordedAt = s.now().UTC()
	}
	s.observations = append(s.observations, *obs)
	return true, nil
}

func (s *Store) PriceHistory(_ context.Context, partID uuid.UUID, vendor *string) ([]pricing.PriceObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pricing.PriceObservation
	for _, o := range s.observations {
		if o.PartID == partID && (vendor == nil || o.Vendor == *vendor) {
			out = append(out, o)
		}
	}
	pricing.SortHistory(out)
	return out, nil
}

func (s *Store) CurrentPrice(ctx context.Context, partID uuid.UUID, vendor string) (*pricing.PriceObservation, error) {
	history, err := s.PriceHistory(ctx, partID, &vendor)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, pricing.ErrNoObservations
	}
	latest := history[len(history)-1]
	return &latest, nil
}

func (s *Store) PriceAcrossVendors(ctx context.Context, partID uuid.UUID, asOf time.Time) ([]pricing.PriceObservation, error) {
	history, err := s.PriceHistory(ctx, partID, nil)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]pricing.PriceObservation)
	for _, o := range history {
		if !asOf.IsZero() && o.InvoiceDate.After(asOf) {
			continue
		}
		latest[o.Vendor] = o
	}
	out := make([]pricing.PriceObservation, 0, len(latest))
	for _, o := range latest {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Vendor < out[j].Vendor })
	return out, nil
}

func (s *Store) ObservationsSince(_ context.Context, since time.Time, vendors []string) ([]pricing.PriceObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []pricing.PriceObservation
	for _, o := range s.observations {
		if o.InvoiceDate.Before(since) {
			continue
		}
		if len(vendors) > 0 && !slices.Contains(vendors, o.Vendor) {
			continue
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.PartID != b.PartID {
			return a.PartID.String() < b.PartID.String()
		}
		if a.Vendor != b.Vendor {
			return a.Vendor < b.Vendor
		}
		if !a.InvoiceDate.Equal(b.InvoiceDate) {
			return a.InvoiceDate.Before(b.InvoiceDate)
		}
		return a.RecordedAt.Before(b.RecordedAt)
	})
	return out, nil
}

// ============================================================================
// Analyses
// ============================================================================

func (s *Store) SaveAnalysis(_ context.Context, a *trends.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analyses = append(s.analyses, *a)
	return nil
}

func (s *Store) GetAnalysis(_ context.Context, id uuid.UUID) (*trends.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.analyses {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, trends.ErrAnalysisNotFound
}

func (s *Store) ListAnalyses(_ context.Context, limit int) ([]trends.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	var out []trends.Analysis
	for i := len(s.analyses) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.analyses[i])
	}
	return out, nil
}

// Counts reports stored row counts, for dry-run summaries.
func (s *Store) Counts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := 0
	for _, list := range s.items {
		items += len(list)
	}
	return map[string]int{
		"parts":        len(s.parts),
		"aliases":      len(s.aliases),
		"invoices":     len(s.invoices),
		"line_items":   items,
		"observations": len(s.observations),
		"conflicts":    len(s.conflicts),
	}
}
