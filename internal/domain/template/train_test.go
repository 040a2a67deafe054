package template

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/document"
)

const sampleInvoice = `ACME ELECTRIC SUPPLY
Invoice No: INV-0042        Invoice Date: 01/15/2024
Job Name: Riverside Plaza
Part#     Description          Qty    Price
EM-100    1/2 EMT Conduit      10     4.25
Total:    42.50`

func TestTrain(t *testing.T) {
	sample := document.FromText(sampleInvoice, "sample.txt", "")
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

	tmpl, err := Train(sample, Selections{
		Vendor: "ACME Electric Supply",
		Fields: []FieldSelection{
			{Field: FieldInvoiceNumber, Value: "INV-0042"},
			{Field: FieldInvoiceDate, Value: "01/15/2024"},
			{Field: FieldJobName, Value: "Riverside Plaza"},
			{Field: FieldTotalCost, Anchor: "Total:"},
		},
		Table: &TableSelection{Header: []string{"Part#", "Description", "Qty", "Price"}},
	}, now)
	require.NoError(t, err)

	assert.Equal(t, now, tmpl.TrainedAt)
	assert.Equal(t, []string{"ACME Electric Supply"}, tmpl.Identifiers)
	require.Len(t, tmpl.Summary, 4)

	number := tmpl.Summary[0]
	assert.Equal(t, "Invoice No:", number.Anchor)
	assert.Equal(t, FieldAnchorRegex, number.Kind)
	re := regexp.MustCompile(number.Pattern)
	assert.True(t, re.MatchString("INV-0117"))
	assert.False(t, re.MatchString("01/15/2024"))

	date := tmpl.Summary[1]
	assert.Equal(t, "Invoice Date:", date.Anchor)
	assert.Equal(t, FieldAnchorRegex, date.Kind)
	assert.Equal(t, DefaultWindow, date.Window)
	assert.True(t, regexp.MustCompile(date.Pattern).MatchString("12/31/2025"))

	job := tmpl.Summary[2]
	assert.Equal(t, "Job Name:", job.Anchor)
	assert.Equal(t, FieldAnchorOffset, job.Kind)
	assert.Equal(t, 0, job.Offset)

	total := tmpl.Summary[3]
	assert.Equal(t, "Total:", total.Anchor)
	assert.Equal(t, FieldAnchorOffset, total.Kind)

	require.Len(t, tmpl.LineItems, 1)
	table := tmpl.LineItems[0]
	assert.Equal(t, ItemTableSignature, table.Kind)
	assert.Equal(t, 3, table.MinColumns)
	fields := make([]ColumnField, len(table.Columns))
	for i, c := range table.Columns {
		fields[i] = c.Field
	}
	assert.Equal(t, []ColumnField{ColumnPartNumber, ColumnDescription, ColumnQuantity, ColumnUnitPrice}, fields)
}

func TestTrain_AnchorIsLimitedToTwentyCharacters(t *testing.T) {
	text := "Reference for this particular job site: 7788"
	sample := document.FromText(text, "s.txt", "")

	tmpl, err := Train(sample, Selections{
		Vendor: "Long",
		Fields: []FieldSelection{{Field: "reference", Value: "7788"}},
	}, time.Now())
	require.NoError(t, err)

	anchor := tmpl.Summary[0].Anchor
	assert.LessOrEqual(t, len(anchor), contextChars)
	assert.True(t, strings.HasSuffix(text[:strings.Index(text, "7788")], anchor+" "))
}

func TestTrain_ExplicitPatternWins(t *testing.T) {
	sample := document.FromText(sampleInvoice, "sample.txt", "")

	tmpl, err := Train(sample, Selections{
		Vendor: "ACME",
		Fields: []FieldSelection{{Field: FieldInvoiceNumber, Anchor: "Invoice No:", Pattern: `INV-(\d+)`}},
	}, time.Now())
	require.NoError(t, err)

	assert.Equal(t, `INV-(\d+)`, tmpl.Summary[0].Pattern)
	assert.Equal(t, FieldAnchorRegex, tmpl.Summary[0].Kind)
}

func TestTrain_Errors(t *testing.T) {
	sample := document.FromText(sampleInvoice, "sample.txt", "")

	tests := []struct {
		name string
		sel  Selections
	}{
		{"value not on sample", Selections{Vendor: "ACME", Fields: []FieldSelection{{Field: FieldJobName, Value: "Nowhere Mall"}}}},
		{"neither anchor nor value", Selections{Vendor: "ACME", Fields: []FieldSelection{{Field: FieldJobName}}}},
		{"no vendor", Selections{Fields: []FieldSelection{{Field: FieldTotalCost, Anchor: "Total:"}}}},
		{"nothing selected", Selections{Vendor: "ACME"}},
		{"bad line pattern", Selections{Vendor: "ACME", LinePattern: "(?P<part_number>"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Train(sample, tt.sel, time.Now())
			require.ErrorIs(t, err, ErrInvalidTemplate)
		})
	}
}

func TestGuessColumnField(t *testing.T) {
	tests := []struct {
		header string
		want   ColumnField
	}{
		{"Part#", ColumnPartNumber},
		{"Item No", ColumnPartNumber},
		{"Description", ColumnDescription},
		{"Qty Shipped", ColumnQuantity},
		{"Unit Price", ColumnUnitPrice},
		{"Price", ColumnUnitPrice},
		{"Extended", ColumnTotalPrice},
		{"Ext. Price", ColumnTotalPrice},
		{"Amount", ColumnTotalPrice},
		{"Backorder", ColumnIgnore},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			assert.Equal(t, tt.want, GuessColumnField(tt.header))
		})
	}
}
