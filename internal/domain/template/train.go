package template

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/document"
)

// contextChars is how much text before a selected value becomes its anchor when the
// operator did not name one.
const contextChars = 20

// Selections is what an interactive capture flow returns for one sample invoice.
type Selections struct {
	Vendor           string           `yaml:"vendor"`
	Identifiers      []string         `yaml:"identifiers,omitempty"`
	Currency         string           `yaml:"currency,omitempty"`
	DateLayout       string           `yaml:"date_layout,omitempty"`
	EuropeanNumbers  bool             `yaml:"european_numbers,omitempty"`
	InvoiceSeparator string           `yaml:"invoice_separator,omitempty"`
	Fields           []FieldSelection `yaml:"fields,omitempty"`
	Table            *TableSelection  `yaml:"table,omitempty"`
	LinePattern      string           `yaml:"line_pattern,omitempty"`
	StopWords        []string         `yaml:"stop_words,omitempty"`
}

// FieldSelection marks one summary field. Either Anchor or Value must be set; a
// Pattern overrides the one derived from Value.
type FieldSelection struct {
	Field   string `yaml:"field"`
	Anchor  string `yaml:"anchor,omitempty"`
	Value   string `yaml:"value,omitempty"`
	Pattern string `yaml:"pattern,omitempty"`
}

// TableSelection marks the line item table header.
type TableSelection struct {
	Header     []string      `yaml:"header"`
	Fields     []ColumnField `yaml:"fields,omitempty"`
	MinColumns int           `yaml:"min_columns,omitempty"`
	Terminator string        `yaml:"terminator,omitempty"`
}

// Train turns a sample document and the operator's selections into a template.
// It has no side effects; the caller decides whether to save the result.
func Train(sample *document.Document, sel Selections, now time.Time) (*VendorTemplate, error) {
	t := &VendorTemplate{
		Vendor:           strings.TrimSpace(sel.Vendor),
		Identifiers:      sel.Identifiers,
		Currency:         sel.Currency,
		DateLayout:       sel.DateLayout,
		EuropeanNumbers:  sel.EuropeanNumbers,
		InvoiceSeparator: sel.InvoiceSeparator,
		TrainedAt:        now.UTC(),
	}
	if len(t.Identifiers) == 0 && t.Vendor != "" {
		t.Identifiers = []string{t.Vendor}
	}

	text := ""
	if sample != nil {
		text = sample.Text()
	}

	for i, fs := range sel.Fields {
		rule, err := trainField(text, fs)
		if err != nil {
			return nil, invalid(fmt.Sprintf("fields[%d]", i), "%v", err)
		}
		t.Summary = append(t.Summary, rule)
	}

	if sel.Table != nil && len(sel.Table.Header) > 0 {
		t.LineItems = append(t.LineItems, trainTable(*sel.Table, sel.StopWords))
	}
	if sel.LinePattern != "" {
		t.LineItems = append(t.LineItems, LineItemRule{
			Kind:      ItemLinePattern,
			Pattern:   sel.LinePattern,
			StopWords: sel.StopWords,
		})
	}

	if err := Validate(t); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadSelections decodes a capture flow's YAML output. Unknown keys are rejected so a
// misspelt field does not silently drop a rule.
func LoadSelections(r io.Reader) (Selections, error) {
	var sel Selections
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sel); err != nil {
		if errors.Is(err, io.EOF) {
			return sel, invalid("selections", "empty document")
		}
		return sel, fmt.Errorf("%w: selections: %v", ErrInvalidTemplate, err)
	}
	return sel, nil
}

func trainField(text string, fs FieldSelection) (SummaryFieldRule, error) {
	rule := SummaryFieldRule{Field: fs.Field, Anchor: strings.TrimSpace(fs.Anchor)}
	if rule.Field == "" {
		return rule, fmt.Errorf("field name is required")
	}

	if rule.Anchor == "" {
		if fs.Value == "" {
			return rule, fmt.Errorf("%s: select an anchor or a sample value", fs.Field)
		}
		anchor, err := anchorBefore(text, fs.Value)
		if err != nil {
			return rule, fmt.Errorf("%s: %w", fs.Field, err)
		}
		rule.Anchor = anchor
	}

	if fs.Pattern != "" {
		rule.Kind = FieldAnchorRegex
		rule.Pattern = fs.Pattern
		rule.Window = DefaultWindow
		return rule, nil
	}

	if fs.Value == "" {
		// Anchor only: take whatever follows it up to the next column gap.
		rule.Kind = FieldAnchorOffset
		return rule, nil
	}

	if isFreeText(fs.Value) {
		offset, err := offsetAfter(text, rule.Anchor, fs.Value)
		if err != nil {
			return rule, fmt.Errorf("%s: %w", fs.Field, err)
		}
		rule.Kind = FieldAnchorOffset
		rule.Offset = offset
		return rule, nil
	}

	rule.Kind = FieldAnchorRegex
	rule.Pattern = generalize(fs.Value)
	rule.Window = DefaultWindow
	return rule, nil
}

// anchorBefore takes up to contextChars of same-line text preceding the value.
func anchorBefore(text, value string) (string, error) {
	idx := strings.Index(text, value)
	if idx < 0 {
		return "", fmt.Errorf("sample value %q not found in sample", value)
	}

	lineStart := strings.LastIndexAny(text[:idx], "\n\f") + 1
	start := max(lineStart, idx-contextChars)
	anchor := strings.TrimSpace(text[start:idx])
	if anchor == "" {
		return "", fmt.Errorf("sample value %q has no preceding text to anchor on", value)
	}
	return anchor, nil
}

// offsetAfter measures the gap between the anchor end and the value on the sample.
func offsetAfter(text, anchor, value string) (int, error) {
	lower := strings.ToLower(text)
	a := strings.Index(lower, strings.ToLower(anchor))
	if a < 0 {
		return 0, fmt.Errorf("anchor %q not found in sample", anchor)
	}
	after := text[a+len(anchor):]
	v := strings.Index(after, value)
	if v < 0 || v > DefaultWindow {
		return 0, fmt.Errorf("value %q not found near anchor %q", value, anchor)
	}
	// Leading blanks are skipped at extraction time, so they are not part of the offset.
	gap := after[:v]
	return len(gap) - countLeadingBlanks(gap), nil
}

func countLeadingBlanks(s string) int {
	return len(s) - len(strings.TrimLeft(s, " \t"))
}

// isFreeText reports values like job names, which vary in length and shape.
func isFreeText(v string) bool {
	letters, digits := 0, 0
	for _, r := range v {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		}
	}
	return letters > 0 && strings.Contains(strings.TrimSpace(v), " ") && letters >= digits
}

var (
	datePattern  = regexp.MustCompile(`^\d{1,4}[/.-]\d{1,2}[/.-]\d{1,4}$`)
	moneyPattern = regexp.MustCompile(`^[$€£]?\s*-?[\d.,]*\d$`)
)

// generalize derives a regex matching values shaped like the sample.
func generalize(v string) string {
	v = strings.TrimSpace(v)
	switch {
	case datePattern.MatchString(v):
		return `\d{1,4}[/.-]\d{1,2}[/.-]\d{1,4}`
	case moneyPattern.MatchString(v) && strings.ContainsAny(v, ".,"):
		return `[$€£]?\s*-?[\d.,]*\d`
	}

	var b strings.Builder
	var prev string
	for _, r := range v {
		var class string
		switch {
		case unicode.IsDigit(r):
			class = `\d+`
		case unicode.IsLetter(r):
			class = `[A-Za-z]+`
		default:
			class = regexp.QuoteMeta(string(r))
		}
		if class == prev && (class == `\d+` || class == `[A-Za-z]+`) {
			continue
		}
		b.WriteString(class)
		prev = class
	}
	return b.String()
}

func trainTable(sel TableSelection, stopWords []string) LineItemRule {
	rule := LineItemRule{
		Kind:       ItemTableSignature,
		MinColumns: sel.MinColumns,
		Terminator: sel.Terminator,
		StopWords:  stopWords,
	}
	for i, name := range sel.Header {
		var field ColumnField
		if i < len(sel.Fields) && sel.Fields[i] != "" {
			field = sel.Fields[i]
		} else {
			field = GuessColumnField(name)
		}
		rule.Columns = append(rule.Columns, ColumnSignature{Name: strings.TrimSpace(name), Field: field})
	}
	if rule.MinColumns == 0 {
		rule.MinColumns = min(3, len(rule.Columns))
	}
	return rule
}

var columnSynonyms = []struct {
	field ColumnField
	words []string
}{
	{ColumnTotalPrice, []string{"ext", "extended", "amount", "total", "line total", "net"}},
	{ColumnUnitPrice, []string{"unit price", "price", "unit", "each", "cost", "rate"}},
	{ColumnQuantity, []string{"qty", "quantity", "shipped", "ship", "ordered"}},
	{ColumnPartNumber, []string{"part#", "part #", "part no", "part number", "item#", "item #", "item no", "sku", "catalog", "cat#", "product code"}},
	{ColumnDescription, []string{"description", "desc", "item description", "product"}},
}

// GuessColumnField maps a header cell to a field by common header wording.
func GuessColumnField(header string) ColumnField {
	h := strings.ToLower(strings.Join(strings.Fields(header), " "))
	// Exact synonyms first, so "Unit Price" is not taken as a total by "price".
	for _, s := range columnSynonyms {
		for _, w := range s.words {
			if h == w {
				return s.field
			}
		}
	}
	for _, s := range columnSynonyms {
		for _, w := range s.words {
			if strings.Contains(h, w) {
				return s.field
			}
		}
	}
	return ColumnIgnore
}
