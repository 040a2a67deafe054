// Package extraction locates summary fields and line item rows in an invoice's page
// text using a vendor template.
package extraction

import (
	"errors"
	"fmt"
	"iter"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/document"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/template"
	"github.com/FACorreiaa/invoice-pricing/pkg/money"
)

// ErrExtractionFailed means neither a summary field nor a line item could be read.
var ErrExtractionFailed = errors.New("extraction failed")

// Mode selects which rule groups run.
type Mode string

const (
	ModeSummary Mode = "summary"
	ModeItems   Mode = "items"
	ModeFull    Mode = "full"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSummary, ModeItems, ModeFull:
		return m, nil
	case "":
		return ModeFull, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want summary, items or full)", s)
	}
}

func (m Mode) runsSummary() bool { return m == ModeSummary || m == ModeFull }
func (m Mode) runsItems() bool   { return m == ModeItems || m == ModeFull }

// Row flags.
const (
	FlagReconcileMismatch = "reconcile_mismatch"
)

// Config holds extraction tolerances and defaults.
type Config struct {
	// ToleranceCents and TolerancePercent bound |qty*unit - total|; either passing is enough.
	ToleranceCents   int64
	TolerancePercent decimal.Decimal
	DefaultCurrency  string
	DefaultLayout    string
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		ToleranceCents:   2,
		TolerancePercent: decimal.RequireFromString("0.5"),
		DefaultCurrency:  money.USD,
		DefaultLayout:    "01/02/2006",
	}
}

// InvoiceDraft is the summary of one invoice before it is stored.
type InvoiceDraft struct {
	Vendor        string
	Sequence      int
	InvoiceNumber string
	InvoiceDate   *time.Time
	JobName       string
	Total         *money.Money
	Currency      string
	Fields        map[string]string
}

// LineItemDraft is one extracted row.
type LineItemDraft struct {
	LineNo         int
	Page           int
	RawPartNumber  string
	RawDescription string
	Quantity       *decimal.Decimal
	UnitPrice      *money.Money
	LineTotal      *money.Money
	Flags          []string
	Raw            string
}

// HasFlag reports whether the row carries the flag.
func (li *LineItemDraft) HasFlag(flag string) bool {
	for _, f := range li.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// RowIssue is a row that looked like data but could not be used; kept for review.
type RowIssue struct {
	Page   int
	Line   string
	Reason string
}

// InvoiceResult is what was read for one invoice in the document.
type InvoiceResult struct {
	Invoice   InvoiceDraft
	Items     []LineItemDraft
	Missing   []string
	Unmatched []RowIssue
}

// Result covers every invoice found in one document.
type Result struct {
	Source   string
	Vendor   string
	Mode     Mode
	Invoices []InvoiceResult
}

// FieldCount returns the number of summary fields read across invoices.
func (r *Result) FieldCount() int {
	n := 0
	for _, inv := range r.Invoices {
		n += len(inv.Invoice.Fields)
	}
	return n
}

// ItemCount returns the number of line items read across invoices.
func (r *Result) ItemCount() int {
	n := 0
	for _, inv := range r.Invoices {
		n += len(inv.Items)
	}
	return n
}

// Partial reports whether anything needs operator review.
func (r *Result) Partial() bool {
	for _, inv := range r.Invoices {
		if len(inv.Missing) > 0 || len(inv.Unmatched) > 0 {
			return true
		}
		for _, item := range inv.Items {
			if len(item.Flags) > 0 {
				return true
			}
		}
	}
	return false
}

// Extractor applies templates to documents. It holds no per-document state and is
// safe for concurrent use.
type Extractor struct {
	cfg Config
}

// NewExtractor creates a new extractor
func NewExtractor(cfg Config) *Extractor {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = money.USD
	}
	if cfg.DefaultLayout == "" {
		cfg.DefaultLayout = "01/02/2006"
	}
	return &Extractor{cfg: cfg}
}

// Extract runs the template over the document in the given mode. When nothing at all
// can be read it returns the (empty) result together with ErrExtractionFailed.
func (e *Extractor) Extract(doc *document.Document, t *template.VendorTemplate, mode Mode) (*Result, error) {
	ct, err := compile(t, e.cfg)
	if err != nil {
		return nil, err
	}

	result := &Result{Source: doc.Source, Vendor: t.Vendor, Mode: mode}

	for seq, seg := range splitInvoices(doc, ct.separator) {
		inv := InvoiceResult{
			Invoice: InvoiceDraft{
				Vendor:   t.Vendor,
				Sequence: seq,
				Currency: ct.currency,
				Fields:   make(map[string]string),
			},
		}

		if mode.runsSummary() {
			e.extractSummary(seg.text(), ct, &inv)
		}

		if mode.runsItems() {
			lineNo := 0
			for _, rule := range ct.items {
				for outcome := range e.rows(seg, rule, ct) {
					if outcome.Issue != nil {
						inv.Unmatched = append(inv.Unmatched, *outcome.Issue)
						continue
					}
					lineNo++
					outcome.Item.LineNo = lineNo
					inv.Items = append(inv.Items, *outcome.Item)
				}
				// The first rule that yields rows owns the table.
				if lineNo > 0 {
					break
				}
			}
		}

		if len(inv.Invoice.Fields) == 0 && len(inv.Items) == 0 && seq > 0 {
			continue
		}
		result.Invoices = append(result.Invoices, inv)
	}

	if result.FieldCount() == 0 && result.ItemCount() == 0 {
		return result, fmt.Errorf("%w: %s: no summary fields or line items found", ErrExtractionFailed, doc.Source)
	}
	return result, nil
}

// Rows lazily yields the rows one line item rule finds across the whole document,
// ignoring invoice separators. Stopping the iteration stops the scan.
func (e *Extractor) Rows(doc *document.Document, t *template.VendorTemplate, ruleIndex int) (iter.Seq[RowOutcome], error) {
	ct, err := compile(t, e.cfg)
	if err != nil {
		return nil, err
	}
	if ruleIndex < 0 || ruleIndex >= len(ct.items) {
		return nil, fmt.Errorf("template %s has no line item rule %d", t.Vendor, ruleIndex)
	}
	seg := segment{pages: pagesOf(doc)}
	return e.rows(seg, ct.items[ruleIndex], ct), nil
}

func (e *Extractor) extractSummary(text string, ct *compiledTemplate, inv *InvoiceResult) {
	for _, rule := range ct.summary {
		value, ok := readField(text, rule)
		if !ok {
			inv.Missing = append(inv.Missing, rule.Field)
			continue
		}

		switch rule.Field {
		case template.FieldInvoiceDate:
			d, err := parseDate(value, ct.layouts)
			if err != nil {
				inv.Missing = append(inv.Missing, rule.Field)
				inv.Unmatched = append(inv.Unmatched, RowIssue{Line: value, Reason: "unparseable invoice date"})
				continue
			}
			inv.Invoice.InvoiceDate = &d
		case template.FieldTotalCost:
			m, err := money.NewFromString(value, ct.currency, ct.european)
			if err != nil {
				inv.Missing = append(inv.Missing, rule.Field)
				inv.Unmatched = append(inv.Unmatched, RowIssue{Line: value, Reason: "unparseable total"})
				continue
			}
			inv.Invoice.Total = m
		case template.FieldInvoiceNumber:
			inv.Invoice.InvoiceNumber = value
		case template.FieldJobName:
			inv.Invoice.JobName = value
		}
		inv.Invoice.Fields[rule.Field] = value
	}
}

// readField finds the anchor (case-insensitively) and reads the value after it. Every
// occurrence of the anchor is tried until one yields a value.
func readField(text string, rule compiledField) (string, bool) {
	for _, idx := range indexAllFold(text, rule.Anchor) {
		rest := text[idx+len(rule.Anchor):]

		var value string
		switch rule.Kind {
		case template.FieldAnchorOffset:
			value = readOffset(rest, rule.Offset, rule.Length)
		case template.FieldAnchorRegex:
			value = readRegex(rest, rule.re, rule.Window)
		}

		if value != "" {
			return value, true
		}
	}
	return "", false
}

func readOffset(rest string, offset, length int) string {
	if nl := strings.IndexAny(rest, "\n\f"); nl >= 0 {
		rest = rest[:nl]
	}
	rest = strings.TrimLeft(rest, " \t:#")
	if offset > len(rest) {
		return ""
	}
	rest = rest[offset:]

	if length > 0 {
		if length < len(rest) {
			rest = rest[:length]
		}
		return strings.TrimSpace(rest)
	}

	if gap := columnGap.FindStringIndex(rest); gap != nil {
		rest = rest[:gap[0]]
	}
	return strings.TrimSpace(rest)
}

func readRegex(rest string, re *regexp.Regexp, window int) string {
	if window > 0 && window < len(rest) {
		rest = rest[:window]
	}
	m := re.FindStringSubmatch(rest)
	if m == nil {
		return ""
	}
	for _, g := range m[1:] {
		if strings.TrimSpace(g) != "" {
			return strings.TrimSpace(g)
		}
	}
	return strings.TrimSpace(m[0])
}

// indexAllFold returns every byte offset of needle in s ignoring ASCII case.
func indexAllFold(s, needle string) []int {
	if needle == "" {
		return nil
	}
	hay := strings.ToLower(s)
	n := strings.ToLower(needle)
	if len(hay) != len(s) || len(n) != len(needle) {
		// Case folding changed byte lengths; offsets would not line up.
		hay, n = s, needle
	}

	var out []int
	for start := 0; start < len(hay); {
		i := strings.Index(hay[start:], n)
		if i < 0 {
			break
		}
		out = append(out, start+i)
		start += i + len(n)
	}
	return out
}
