// Package report writes stored invoices and price history out for people: an XLSX
// workbook with a sheet per invoice date and CSV price history.
package report

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/xuri/excelize/v2"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/pricing"
)

// SheetLayout is the sheet name format for a date group.
const SheetLayout = "01-02-2006"

// UndatedSheet holds invoices with no invoice date.
const UndatedSheet = "Undated"

var headers = []any{"Invoice #", "Date", "Job Name", "Supplier", "Total Cost", "Line Items"}

var columnWidths = map[string]float64{"A": 14, "B": 12, "C": 30, "D": 22, "E": 14, "F": 12}

const currencyFormat = "$#,##0.00"

// WorkbookWriter renders date groups as an XLSX workbook.
type WorkbookWriter struct {
	logger *slog.Logger
}

// NewWorkbookWriter creates a new workbook writer
func NewWorkbookWriter(logger *slog.Logger) *WorkbookWriter {
	return &WorkbookWriter{logger: logger}
}

// Write renders one sheet per group, in group order, to w.
func (ww *WorkbookWriter) Write(w io.Writer, groups []pricing.DateGroup) error {
	f, err := ww.build(groups)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// WriteFile renders the workbook to path.
func (ww *WorkbookWriter) WriteFile(path string, groups []pricing.DateGroup) error {
	f, err := ww.build(groups)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	ww.logger.Info("workbook written", "path", path, "sheets", len(groups))
	return nil
}

func (ww *WorkbookWriter) build(groups []pricing.DateGroup) (*excelize.File, error) {
	f := excelize.NewFile()
	defaultSheet := f.GetSheetName(0)

	styles, err := newStyles(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	for _, g := range groups {
		name := SheetName(g)
		if _, err := f.NewSheet(name); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create sheet %s: %w", name, err)
		}
		if err := writeSheet(f, name, g.Invoices, styles); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to fill sheet %s: %w", name, err)
		}
	}

	if len(groups) == 0 {
		if err := f.SetSheetRow(defaultSheet, "A1", &headers); err != nil {
			f.Close()
			return nil, err
		}
		return f, nil
	}

	if err := f.DeleteSheet(defaultSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to remove default sheet: %w", err)
	}
	f.SetActiveSheet(0)
	return f, nil
}

// SheetName is the sheet a date group is written to.
func SheetName(g pricing.DateGroup) string {
	if g.Date.IsZero() {
		return UndatedSheet
	}
	return g.Date.Format(SheetLayout)
}

type sheetStyles struct {
	header   int
	currency int
	totals   int
	totalsCy int
}

func newStyles(f *excelize.File) (sheetStyles, error) {
	var s sheetStyles
	var err error
	format := currencyFormat

	if s.header, err = f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"DDDDDD"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	}); err != nil {
		return s, fmt.Errorf("failed to create header style: %w", err)
	}
	if s.currency, err = f.NewStyle(&excelize.Style{CustomNumFmt: &format}); err != nil {
		return s, fmt.Errorf("failed to create currency style: %w", err)
	}
	if s.totals, err = f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err != nil {
		return s, fmt.Errorf("failed to create totals style: %w", err)
	}
	if s.totalsCy, err = f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}, CustomNumFmt: &format}); err != nil {
		return s, fmt.Errorf("failed to create totals style: %w", err)
	}
	return s, nil
}

func writeSheet(f *excelize.File, sheet string, invoices []pricing.Invoice, styles sheetStyles) error {
	if err := f.SetSheetRow(sheet, "A1", &headers); err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", "F1", styles.header); err != nil {
		return err
	}
	for col, width := range columnWidths {
		if err := f.SetColWidth(sheet, col, col, width); err != nil {
			return err
		}
	}

	for i, inv := range invoices {
		row := i + 2
		values := []any{inv.InvoiceNumber, dateCell(inv), inv.JobName, inv.Vendor, totalCell(inv), inv.ItemCount}
		if err := f.SetSheetRow(sheet, cell(1, row), &values); err != nil {
			return err
		}
		if err := f.SetCellStyle(sheet, cell(5, row), cell(5, row), styles.currency); err != nil {
			return err
		}
	}

	totalRow := len(invoices) + 2
	if err := f.SetCellValue(sheet, cell(4, totalRow), "TOTALS:"); err != nil {
		return err
	}
	if len(invoices) > 0 {
		if err := f.SetCellFormula(sheet, cell(5, totalRow), fmt.Sprintf("SUM(E2:E%d)", totalRow-1)); err != nil {
			return err
		}
		if err := f.SetCellFormula(sheet, cell(6, totalRow), fmt.Sprintf("SUM(F2:F%d)", totalRow-1)); err != nil {
			return err
		}
	}
	if err := f.SetCellStyle(sheet, cell(4, totalRow), cell(6, totalRow), styles.totals); err != nil {
		return err
	}
	return f.SetCellStyle(sheet, cell(5, totalRow), cell(5, totalRow), styles.totalsCy)
}

func cell(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}

func dateCell(inv pricing.Invoice) string {
	if inv.InvoiceDate == nil {
		return ""
	}
	return inv.InvoiceDate.Format("01/02/2006")
}

func totalCell(inv pricing.Invoice) any {
	if inv.Total == nil {
		return ""
	}
	return inv.Total.ToDecimal().InexactFloat64()
}
