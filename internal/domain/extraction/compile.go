package extraction

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cloudflare/ahocorasick"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/template"
)

var (
	// columnGap separates cells on a layout-preserving text line.
	columnGap = regexp.MustCompile(`\t|\s{2,}`)
	// amountPattern is a number with two decimals, in either notation.
	amountPattern = regexp.MustCompile(`\d[.,]\d{2}\b`)

	defaultTerminator = regexp.MustCompile(`(?i)^\s*(invoice\s+)?total\b`)
)

// defaultStopWords label summary rows that sit inside or just under an item table.
var defaultStopWords = []string{
	"SUBTOTAL", "SUB TOTAL", "SALES TAX", "TAX", "FREIGHT", "SHIPPING",
	"HANDLING", "BALANCE DUE", "AMOUNT DUE", "PAGE", "CONTINUED",
}

type compiledField struct {
	template.SummaryFieldRule
	re *regexp.Regexp
}

type compiledRule struct {
	template.LineItemRule
	pattern     *regexp.Regexp
	stopPattern *regexp.Regexp
	terminator  *regexp.Regexp
	columnRes   []*regexp.Regexp
	stops       *stopMatcher
}

type compiledTemplate struct {
	separator matcher
	currency  string
	european  bool
	layouts   []string
	summary   []compiledField
	items     []compiledRule
}

// compile validates the template and prepares its regular expressions once per
// document.
func compile(t *template.VendorTemplate, cfg Config) (*compiledTemplate, error) {
	if err := template.Validate(t); err != nil {
		return nil, err
	}

	ct := &compiledTemplate{
		currency: t.Currency,
		european: t.EuropeanNumbers,
		layouts:  dateLayouts(t.DateLayout, cfg.DefaultLayout),
	}
	if ct.currency == "" {
		ct.currency = cfg.DefaultCurrency
	}
	if t.InvoiceSeparator != "" {
		ct.separator = regexp.MustCompile(t.InvoiceSeparator)
	}

	for _, rule := range t.Summary {
		f := compiledField{SummaryFieldRule: rule}
		if rule.Kind == template.FieldAnchorRegex {
			f.re = regexp.MustCompile(rule.Pattern)
			if f.Window == 0 {
				f.Window = template.DefaultWindow
			}
		}
		ct.summary = append(ct.summary, f)
	}

	for _, rule := range t.LineItems {
		r := compiledRule{LineItemRule: rule, terminator: defaultTerminator}
		if rule.Pattern != "" {
			r.pattern = regexp.MustCompile(rule.Pattern)
		}
		if rule.StopPattern != "" {
			r.stopPattern = regexp.MustCompile(rule.StopPattern)
		}
		if rule.Terminator != "" {
			r.terminator = regexp.MustCompile(rule.Terminator)
		}
		r.columnRes = make([]*regexp.Regexp, len(rule.Columns))
		for i, col := range rule.Columns {
			if col.Pattern != "" {
				r.columnRes[i] = regexp.MustCompile(col.Pattern)
			}
		}
		words := rule.StopWords
		if len(words) == 0 {
			words = defaultStopWords
		}
		r.stops = newStopMatcher(words)
		ct.items = append(ct.items, r)
	}
	return ct, nil
}

// isStop reports a subtotal/tax style row. Stop words only count in the leading cell,
// so an item described as "FREIGHT ELEVATOR CABLE" after its part number is kept.
func (r compiledRule) isStop(line string, cells []cell) bool {
	if r.stopPattern != nil && r.stopPattern.MatchString(line) {
		return true
	}
	if len(cells) == 0 {
		return false
	}
	return r.stops.match(cells[0].text)
}

// stopMatcher finds stop words with one Aho-Corasick pass, then confirms each hit
// sits on word boundaries.
type stopMatcher struct {
	matcher *ahocorasick.Matcher
	words   []*regexp.Regexp
}

func newStopMatcher(words []string) *stopMatcher {
	dict := make([]string, 0, len(words))
	res := make([]*regexp.Regexp, 0, len(words))
	for _, w := range words {
		w = normalizeSpace(strings.ToUpper(w))
		if w == "" {
			continue
		}
		dict = append(dict, w)
		res = append(res, regexp.MustCompile(`\b`+regexp.QuoteMeta(w)+`\b`))
	}
	return &stopMatcher{matcher: ahocorasick.NewStringMatcher(dict), words: res}
}

func (s *stopMatcher) match(text string) bool {
	if s == nil || len(s.words) == 0 {
		return false
	}
	norm := normalizeSpace(strings.ToUpper(text))
	for _, hit := range s.matcher.Match([]byte(norm)) {
		if s.words[hit].MatchString(norm) {
			return true
		}
	}
	return false
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// strftimeLayouts maps the directives operators usually type to Go reference values.
var strftimeLayouts = strings.NewReplacer(
	"%Y", "2006", "%y", "06", "%m", "01", "%d", "02", "%b", "Jan", "%B", "January",
	"%e", "_2", "%H", "15", "%M", "04", "%S", "05",
)

// fallbackLayouts are tried after the template's own layout.
var fallbackLayouts = []string{
	"01/02/2006", "1/2/2006", "01/02/06", "1/2/06", "2006-01-02", "01-02-2006",
	"02.01.2006", "Jan 2, 2006", "January 2, 2006", "2 Jan 2006", "02-Jan-2006",
}

func dateLayouts(layout, def string) []string {
	var out []string
	if layout != "" {
		if strings.Contains(layout, "%") {
			layout = strftimeLayouts.Replace(layout)
		}
		out = append(out, layout)
	}
	if def != "" {
		out = append(out, def)
	}
	for _, l := range fallbackLayouts {
		if !contains(out, l) {
			out = append(out, l)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// parseDate tries each layout in order; the first that parses wins.
func parseDate(value string, layouts []string) (time.Time, error) {
	v := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(value), ".,;"))
	for _, layout := range layouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}
