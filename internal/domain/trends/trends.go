// Package trends computes price changes and vendor rankings from the observation log,
// summarises them as a digest and hands that digest to an analysis backend.
package trends

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/catalog"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/pricing"
	"github.com/FACorreiaa/invoice-pricing/pkg/money"
)

// ErrAnalysisUnavailable means the backend call failed or timed out. Stored extraction
// data is unaffected.
var ErrAnalysisUnavailable = errors.New("analysis unavailable")

// PriceChange is the move between two consecutive observations of one part at one vendor.
type PriceChange struct {
	PartID        uuid.UUID       `json:"part_id"`
	Vendor        string          `json:"vendor"`
	FromDate      time.Time       `json:"from_date"`
	ToDate        time.Time       `json:"to_date"`
	FromPrice     *money.Money    `json:"-"`
	ToPrice       *money.Money    `json:"-"`
	From          string          `json:"from_price"`
	To            string          `json:"to_price"`
	PercentChange decimal.Decimal `json:"percent_change"`
	Significant   bool            `json:"significant"`
}

// ComputeChanges walks each (part, vendor) series in date order and reports the percent
// change between neighbours. Changes at or above threshold (absolute, in percent) are
// marked significant. The result is sorted by absolute change, largest first.
func ComputeChanges(history []pricing.PriceObservation, threshold decimal.Decimal) []PriceChange {
	series := make(map[string][]pricing.PriceObservation)
	var keys []string
	for _, o := range history {
		k := o.Key()
		if _, ok := series[k]; !ok {
			keys = append(keys, k)
		}
		series[k] = append(series[k], o)
	}

	var changes []PriceChange
	for _, k := range keys {
		obs := series[k]
		pricing.SortHistory(obs)
		for i := 1; i < len(obs); i++ {
			prev, cur := obs[i-1], obs[i]
			if prev.UnitPrice.IsZero() || !prev.UnitPrice.SameCurrency(cur.UnitPrice) {
				continue
			}
			pct := money.PercentChange(prev.UnitPrice, cur.UnitPrice)
			changes = append(changes, PriceChange{
				PartID:        cur.PartID,
				Vendor:        cur.Vendor,
				FromDate:      prev.InvoiceDate,
				ToDate:        cur.InvoiceDate,
				FromPrice:     prev.UnitPrice,
				ToPrice:       cur.UnitPrice,
				From:          prev.UnitPrice.String(),
				To:            cur.UnitPrice.String(),
				PercentChange: pct,
				Significant:   !pct.IsZero() && pct.Abs().GreaterThanOrEqual(threshold),
			})
		}
	}

	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i].PercentChange.Abs(), changes[j].PercentChange.Abs()
		if !a.Equal(b) {
			return a.GreaterThan(b)
		}
		if changes[i].PartID != changes[j].PartID {
			return changes[i].PartID.String() < changes[j].PartID.String()
		}
		if changes[i].Vendor != changes[j].Vendor {
			return changes[i].Vendor < changes[j].Vendor
		}
		return changes[i].ToDate.Before(changes[j].ToDate)
	})
	return changes
}

// VendorPrice is one vendor's current price for a part.
type VendorPrice struct {
	Rank        int          `json:"rank"`
	Vendor      string       `json:"vendor"`
	Price       *money.Money `json:"-"`
	Display     string       `json:"price"`
	InvoiceDate time.Time    `json:"invoice_date"`
}

// RankVendors orders a latest-per-vendor snapshot by price, cheapest first. Equal
// prices share a rank.
func RankVendors(snapshot []pricing.PriceObservation) []VendorPrice {
	ranked := make([]VendorPrice, 0, len(snapshot))
	for _, o := range snapshot {
		ranked = append(ranked, VendorPrice{
			Vendor:      o.Vendor,
			Price:       o.UnitPrice,
			Display:     o.UnitPrice.String(),
			InvoiceDate: o.InvoiceDate,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if c := ranked[i].Price.Compare(ranked[j].Price); c != 0 {
			return c < 0
		}
		return ranked[i].Vendor < ranked[j].Vendor
	})
	for i := range ranked {
		if i > 0 && ranked[i].Price.Compare(ranked[i-1].Price) == 0 {
			ranked[i].Rank = ranked[i-1].Rank
			continue
		}
		ranked[i].Rank = i + 1
	}
	return ranked
}

// PartDigest summarises one part for analysis.
type PartDigest struct {
	PartID       uuid.UUID     `json:"part_id"`
	PartNumber   string        `json:"part_number"`
	Description  string        `json:"description"`
	Observations int           `json:"observations"`
	Vendors      []VendorPrice `json:"vendors"`
	Changes      []PriceChange `json:"changes,omitempty"`
}

// Summary describes the window a digest covers.
type Summary struct {
	Since              time.Time       `json:"since"`
	Until              time.Time       `json:"until"`
	Observations       int             `json:"observations"`
	Parts              int             `json:"parts"`
	Vendors            []string        `json:"vendors"`
	SignificantChanges int             `json:"significant_changes"`
	Threshold          decimal.Decimal `json:"threshold_percent"`
}

// Digest is the structured input to an analysis.
type Digest struct {
	Summary Summary      `json:"summary"`
	Parts   []PartDigest `json:"parts"`
	// Changes holds the significant changes across all parts.
	Changes []PriceChange `json:"flagged_changes"`
}

// Query selects what a digest covers. Zero values mean no restriction.
type Query struct {
	Since   time.Time
	Until   time.Time
	Vendors []string
	PartIDs []uuid.UUID
	// CommonOnly keeps parts observed at every requested vendor.
	CommonOnly bool
	// Limit keeps the parts with the most observations.
	Limit     int
	Threshold decimal.Decimal
}

// PartLookup resolves part ids for display. catalog.Repository satisfies it.
type PartLookup interface {
	GetPart(ctx context.Context, id uuid.UUID) (*catalog.Part, error)
}

// BuildDigest reads the observation log for the query window and summarises it.
func BuildDigest(ctx context.Context, prices pricing.Repository, parts PartLookup, q Query) (*Digest, error) {
	obs, err := prices.ObservationsSince(ctx, q.Since, q.Vendors)
	if err != nil {
		return nil, fmt.Errorf("failed to load observations: %w", err)
	}

	wantPart := make(map[uuid.UUID]bool, len(q.PartIDs))
	for _, id := range q.PartIDs {
		wantPart[id] = true
	}

	byPart := make(map[uuid.UUID][]pricing.PriceObservation)
	var order []uuid.UUID
	var asOf time.Time
	for _, o := range obs {
		if !q.Until.IsZero() && o.InvoiceDate.After(q.Until) {
			continue
		}
		if len(wantPart) > 0 && !wantPart[o.PartID] {
			continue
		}
		if _, ok := byPart[o.PartID]; !ok {
			order = append(order, o.PartID)
		}
		byPart[o.PartID] = append(byPart[o.PartID], o)
		if o.InvoiceDate.After(asOf) {
			asOf = o.InvoiceDate
		}
	}
	if !q.Until.IsZero() {
		asOf = q.Until
	}

	if q.CommonOnly && len(q.Vendors) > 1 {
		order = slices.DeleteFunc(order, func(id uuid.UUID) bool {
			return !coversVendors(byPart[id], q.Vendors)
		})
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := len(byPart[order[i]]), len(byPart[order[j]])
		if a != b {
			return a > b
		}
		return order[i].String() < order[j].String()
	})
	if q.Limit > 0 && len(order) > q.Limit {
		order = order[:q.Limit]
	}

	digest := &Digest{
		Summary: Summary{Since: q.Since, Until: asOf, Threshold: q.Threshold},
		Parts:   make([]PartDigest, 0, len(order)),
	}
	vendors := make(map[string]bool)

	for _, id := range order {
		series := byPart[id]
		pd := PartDigest{PartID: id, Observations: len(series)}

		part, err := parts.GetPart(ctx, id)
		switch {
		case err == nil:
			pd.PartNumber = part.CanonicalPartNumber
			pd.Description = part.DisplayDescription()
		case errors.Is(err, catalog.ErrPartNotFound):
		default:
			return nil, fmt.Errorf("failed to load part %s: %w", id, err)
		}

		snapshot, err := prices.PriceAcrossVendors(ctx, id, asOf)
		if err != nil {
			return nil, fmt.Errorf("failed to load vendor prices: %w", err)
		}
		if len(q.Vendors) > 0 {
			snapshot = slices.DeleteFunc(snapshot, func(o pricing.PriceObservation) bool {
				return !containsFold(q.Vendors, o.Vendor)
			})
		}
		pd.Vendors = RankVendors(snapshot)

		pd.Changes = ComputeChanges(series, q.Threshold)
		for _, c := range pd.Changes {
			if c.Significant {
				digest.Changes = append(digest.Changes, c)
			}
		}
		for _, o := range series {
			vendors[o.Vendor] = true
		}
		digest.Summary.Observations += len(series)
		digest.Parts = append(digest.Parts, pd)
	}

	sort.SliceStable(digest.Changes, func(i, j int) bool {
		return digest.Changes[i].PercentChange.Abs().GreaterThan(digest.Changes[j].PercentChange.Abs())
	})
	digest.Summary.Parts = len(digest.Parts)
	digest.Summary.SignificantChanges = len(digest.Changes)
	for v := range vendors {
		digest.Summary.Vendors = append(digest.Summary.Vendors, v)
	}
	sort.Strings(digest.Summary.Vendors)
	return digest, nil
}

func coversVendors(series []pricing.PriceObservation, vendors []string) bool {
	for _, v := range vendors {
		found := false
		for _, o := range series {
			if strings.EqualFold(o.Vendor, v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
