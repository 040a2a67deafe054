package report

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/pricing"
)

// PriceHistoryRow is one CSV line of a part's price history.
type PriceHistoryRow struct {
	PartID      string `csv:"part_id"`
	Description string `csv:"description"`
	Vendor      string `csv:"vendor"`
	InvoiceDate string `csv:"invoice_date"`
	UnitPrice   string `csv:"unit_price"`
	Currency    string `csv:"currency"`
	LineItemID  string `csv:"line_item_id"`
}

// PriceHistoryRows flattens observations for CSV output, keeping their order.
func PriceHistoryRows(description string, history []pricing.PriceObservation) []*PriceHistoryRow {
	rows := make([]*PriceHistoryRow, 0, len(history))
	for _, o := range history {
		row := &PriceHistoryRow{
			PartID:      o.PartID.String(),
			Description: description,
			Vendor:      o.Vendor,
			InvoiceDate: o.InvoiceDate.Format("2006-01-02"),
			LineItemID:  o.LineItemID.String(),
		}
		if o.UnitPrice != nil {
			row.UnitPrice = o.UnitPrice.StringFixed()
			row.Currency = o.UnitPrice.Currency()
		}
		rows = append(rows, row)
	}
	return rows
}

// WritePriceHistoryCSV writes a header line and one line per observation.
func WritePriceHistoryCSV(w io.Writer, description string, history []pricing.PriceObservation) error {
	rows := PriceHistoryRows(description, history)
	if err := gocsv.Marshal(rows, w); err != nil {
		return fmt.Errorf("failed to write price history: %w", err)
	}
	return nil
}
