// Package testdata generates synthetic supplier invoices for tests and benchmarks,
// rendered in the same layout-text form the PDF text source produces.
package testdata

import (
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/template"
	"github.com/FACorreiaa/invoice-pricing/pkg/money"
)

// Generator generates realistic invoice test data using gofakeit.
type Generator struct {
	faker *gofakeit.Faker
}

// NewGenerator creates a new generator with a random seed.
func NewGenerator() *Generator {
	return &Generator{faker: gofakeit.New(0)}
}

// NewGeneratorWithSeed creates a generator with a specific seed for reproducibility.
func NewGeneratorWithSeed(seed int64) *Generator {
	return &Generator{faker: gofakeit.New(seed)}
}

// ============================================================================
// Catalog
// ============================================================================

var (
	sizes     = []string{"1/2", "3/4", "1", "1-1/4", "2", "4in", "12 AWG", "10 AWG", "14 AWG"}
	materials = []string{"EMT", "PVC", "Rigid", "THHN", "Copper", "Steel", "Aluminum", "Galv"}
	products  = []string{"Conduit", "Wire", "Coupling", "Connector", "Box", "Strap", "Elbow", "Locknut", "Breaker", "Receptacle"}
)

// CatalogItem is one product a vendor sells.
type CatalogItem struct {
	PartNumber  string
	Description string
	UnitPrice   *money.Money
}

// Catalog generates n items with distinct part numbers and descriptions.
func (g *Generator) Catalog(currency string, n int) []CatalogItem {
	seenPN := make(map[string]bool, n)
	seenDesc := make(map[string]bool, n)
	items := make([]CatalogItem, 0, n)

	for len(items) < n {
		pn := fmt.Sprintf("%s-%d", strings.ToUpper(g.faker.LetterN(2)), g.faker.Number(10, 9999))
		desc := strings.Join([]string{
			g.faker.RandomString(sizes),
			g.faker.RandomString(materials),
			g.faker.RandomString(products),
		}, " ")
		if seenPN[pn] || seenDesc[desc] {
			continue
		}
		seenPN[pn], seenDesc[desc] = true, true
		items = append(items, CatalogItem{
			PartNumber:  pn,
			Description: desc,
			UnitPrice:   g.RandomAmount(currency, 25, 25000),
		})
	}
	return items
}

// ============================================================================
// Invoices
// ============================================================================

// Line is one priced row of a generated invoice.
type Line struct {
	PartNumber  string
	Description string
	Quantity    int64
	UnitPrice   *money.Money
	Amount      *money.Money
}

// Invoice is a generated invoice and its expected extraction.
type Invoice struct {
	Vendor  string
	Number  string
	Date    time.Time
	JobName string
	Lines   []Line
	Total   *money.Money
}

// Invoice draws between 1 and maxLines distinct catalog items, in catalog order.
func (g *Generator) Invoice(vendor string, catalog []CatalogItem, date time.Time, maxLines int) Invoice {
	count := g.faker.Number(1, max(1, min(maxLines, len(catalog))))
	picked := make(map[int]bool, count)
	for len(picked) < count {
		picked[g.faker.Number(0, len(catalog)-1)] = true
	}

	currency := catalog[0].UnitPrice.Currency()
	inv := Invoice{
		Vendor:  vendor,
		Number:  fmt.Sprintf("%d", g.faker.Number(10000, 999999)),
		Date:    time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC),
		JobName: g.faker.Street(),
		Total:   money.Zero(currency),
	}
	for i, item := range catalog {
		if !picked[i] {
			continue
		}
		qty := int64(g.faker.Number(1, 50))
		amount := item.UnitPrice.MultiplyDecimal(decimal.NewFromInt(qty))
		inv.Lines = append(inv.Lines, Line{
			PartNumber:  item.PartNumber,
			Description: item.Description,
			Quantity:    qty,
			UnitPrice:   item.UnitPrice,
			Amount:      amount,
		})
		inv.Total, _ = inv.Total.Add(amount)
	}
	return inv
}

// RandomAmount generates a random Money value within a cent range.
func (g *Generator) RandomAmount(currency string, minCents, maxCents int64) *money.Money {
	if minCents > maxCents {
		minCents, maxCents = maxCents, minCents
	}
	cents := g.faker.Int64() % (maxCents - minCents + 1)
	if cents < 0 {
		cents = -cents
	}
	return money.New(minCents+cents, currency)
}

// Reprice moves every catalog price by pct percent, rounding to the cent.
func Reprice(catalog []CatalogItem, pct int64) []CatalogItem {
	factor := decimal.NewFromInt(100 + pct).Div(decimal.NewFromInt(100))
	out := make([]CatalogItem, len(catalog))
	for i, item := range catalog {
		item.UnitPrice = item.UnitPrice.MultiplyDecimal(factor)
		out[i] = item
	}
	return out
}

// ============================================================================
// Rendering
// ============================================================================

var columns = []int{0, 12, 46, 54, 66}

// Text renders the invoice as layout text under a header line of identifier. The
// result extracts cleanly with Template.
func Text(inv Invoice, identifier string) string {
	lines := []string{
		identifier,
		fmt.Sprintf("Invoice #: %s          Invoice Date: %s", inv.Number, inv.Date.Format("01/02/2006")),
		"Job: " + inv.JobName,
		"",
		place("Part#", "Description", "Qty", "Price", "Amount"),
	}
	for _, l := range inv.Lines {
		lines = append(lines, place(
			l.PartNumber,
			l.Description,
			fmt.Sprintf("%d", l.Quantity),
			l.UnitPrice.StringFixed(),
			l.Amount.ToDecimal().StringFixed(2),
		))
	}
	lines = append(lines, place("Invoice Total:", "", "", "", inv.Total.ToDecimal().StringFixed(2)))
	return strings.Join(lines, "\n") + "\n"
}

func place(texts ...string) string {
	var b strings.Builder
	for i, text := range texts {
		if text == "" {
			continue
		}
		for b.Len() < columns[i] {
			b.WriteByte(' ')
		}
		// Cells are separated by at least two blanks.
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "  ") {
			b.WriteString("  ")
		}
		b.WriteString(text)
	}
	return b.String()
}

// Template is the vendor template matching Text output.
func Template(vendor, identifier string) *template.VendorTemplate {
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
