package extraction

import (
	"fmt"
	"iter"
	"math"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/document"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/template"
	"github.com/FACorreiaa/invoice-pricing/pkg/money"
)

// RowOutcome is either an extracted item or a row that needs review.
type RowOutcome struct {
	Item  *LineItemDraft
	Issue *RowIssue
}

type pageLines struct {
	index int
	lines []string
}

// segment is the slice of a document that belongs to one invoice.
type segment struct {
	pages []pageLines
}

func (s segment) text() string {
	pages := make([]string, len(s.pages))
	for i, p := range s.pages {
		pages[i] = strings.Join(p.lines, "\n")
	}
	return strings.Join(pages, "\f")
}

func pagesOf(doc *document.Document) []pageLines {
	pages := make([]pageLines, 0, len(doc.Pages))
	for _, p := range doc.Pages {
		pages = append(pages, pageLines{index: p.Index, lines: p.Lines()})
	}
	return pages
}

// splitInvoices cuts a multi-invoice document at every separator line. Without a
// separator the whole document is one invoice.
func splitInvoices(doc *document.Document, sep matcher) []segment {
	pages := pagesOf(doc)
	if sep == nil {
		return []segment{{pages: pages}}
	}

	var segments []segment
	current := segment{}
	started := false

	for _, p := range pages {
		chunk := pageLines{index: p.index}
		for _, line := range p.lines {
			if sep.MatchString(line) && started {
				if len(chunk.lines) > 0 {
					current.pages = append(current.pages, chunk)
				}
				segments = append(segments, current)
				current = segment{}
				chunk = pageLines{index: p.index}
			}
			started = true
			chunk.lines = append(chunk.lines, line)
		}
		if len(chunk.lines) > 0 {
			current.pages = append(current.pages, chunk)
		}
	}
	if len(current.pages) > 0 {
		segments = append(segments, current)
	}
	return segments
}

// matcher is the part of *regexp.Regexp used for line tests.
type matcher interface {
	MatchString(s string) bool
}

func (e *Extractor) rows(seg segment, rule compiledRule, ct *compiledTemplate) iter.Seq[RowOutcome] {
	return func(yield func(RowOutcome) bool) {
		switch rule.Kind {
		case template.ItemTableSignature:
			e.tableRows(seg, rule, ct, yield)
		case template.ItemLinePattern:
			e.patternRows(seg, rule, ct, yield)
		}
	}
}

// tableRows walks the segment line by line. Once a header is seen, rows are consumed
// until the terminator; a page break does not end the table, so rows on following
// pages keep accumulating under the same column layout (or a repeated header's).
func (e *Extractor) tableRows(seg segment, rule compiledRule, ct *compiledTemplate, yield func(RowOutcome) bool) {
	var layout []headerCell
	inTable := false

	for _, page := range seg.pages {
		for _, line := range page.lines {
			if cols, ok := matchHeader(line, rule.Columns); ok {
				layout = cols
				inTable = true
				continue
			}
			if !inTable {
				continue
			}
			if rule.terminator != nil && rule.terminator.MatchString(line) {
				inTable = false
				continue
			}
			if !amountPattern.MatchString(line) {
				continue
			}

			cells := splitCells(line)
			if rule.isStop(line, cells) {
				continue
			}

			var out RowOutcome
			values, issue := assignCells(line, cells, layout, rule)
			if issue == nil {
				out.Item, issue = e.buildItem(values, page.index, line, ct)
			}
			if issue != nil {
				issue.Page = page.index
				out = RowOutcome{Issue: issue}
			}
			if !yield(out) {
				return
			}
		}
	}
}

// patternRows applies the line pattern to every line; lines that do not match are
// not rows.
func (e *Extractor) patternRows(seg segment, rule compiledRule, ct *compiledTemplate, yield func(RowOutcome) bool) {
	names := rule.pattern.SubexpNames()

	for _, page := range seg.pages {
		for _, line := range page.lines {
			m := rule.pattern.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			if rule.isStop(line, splitCells(line)) {
				continue
			}

			values := make(map[template.ColumnField]string)
			for i, name := range names {
				if name != "" && i < len(m) {
					values[template.ColumnField(name)] = m[i]
				}
			}

			item, issue := e.buildItem(values, page.index, line, ct)
			out := RowOutcome{Item: item}
			if issue != nil {
				issue.Page = page.index
				out = RowOutcome{Issue: issue}
			}
			if !yield(out) {
				return
			}
		}
	}
}

// buildItem parses the cell values. A usable row has a part number or description and
// a positive unit price or total.
func (e *Extractor) buildItem(values map[template.ColumnField]string, page int, raw string, ct *compiledTemplate) (*LineItemDraft, *RowIssue) {
	item := &LineItemDraft{
		Page:           page,
		RawPartNumber:  strings.TrimSpace(values[template.ColumnPartNumber]),
		RawDescription: strings.Join(strings.Fields(values[template.ColumnDescription]), " "),
		Raw:            raw,
	}

	if v := strings.TrimSpace(values[template.ColumnQuantity]); v != "" {
		q, err := money.ParseDecimal(v, ct.european)
		if err != nil {
			return nil, &RowIssue{Line: raw, Reason: fmt.Sprintf("unparseable quantity %q", v)}
		}
		item.Quantity = &q
	}
	if v := strings.TrimSpace(values[template.ColumnUnitPrice]); v != "" {
		m, err := money.ParsePrice(v, ct.currency, ct.european)
		if err != nil {
			return nil, &RowIssue{Line: raw, Reason: fmt.Sprintf("unparseable unit price %q", v)}
		}
		item.UnitPrice = m
	}
	if v := strings.TrimSpace(values[template.ColumnTotalPrice]); v != "" {
		m, err := money.NewFromString(v, ct.currency, ct.european)
		if err != nil {
			return nil, &RowIssue{Line: raw, Reason: fmt.Sprintf("unparseable total %q", v)}
		}
		item.LineTotal = m
	}

	if item.RawPartNumber == "" && item.RawDescription == "" {
		return nil, &RowIssue{Line: raw, Reason: "no part number or description"}
	}
	if !item.UnitPrice.IsPositive() && !item.LineTotal.IsPositive() {
		return nil, &RowIssue{Line: raw, Reason: "no positive unit price or total"}
	}

	if !e.reconciles(item) {
		item.Flags = append(item.Flags, FlagReconcileMismatch)
	}
	return item, nil
}

// reconciles checks unit price × quantity against the line total. Rows missing any of
// the three values have nothing to check and pass.
func (e *Extractor) reconciles(item *LineItemDraft) bool {
	if item.Quantity == nil || item.UnitPrice == nil || item.LineTotal == nil {
		return true
	}
	expected := item.UnitPrice.MultiplyDecimal(*item.Quantity)
	return money.WithinTolerance(expected, item.LineTotal, e.cfg.ToleranceCents, e.cfg.TolerancePercent)
}

// headerCell is where a column's header sits on the header line; start is -1 for a
// column located only by bounds or not found.
type headerCell struct {
	column template.ColumnSignature
	start  int
	end    int
}

// matchHeader compares the line with the column names: case-insensitive,
// whitespace-normalized substring matches, in order. With three or more named columns
// one name may be missing if it still fuzzy-matches the line.
func matchHeader(line string, columns []template.ColumnSignature) ([]headerCell, bool) {
	norm, offsets := normalizeWithOffsets(line)

	cells := make([]headerCell, len(columns))
	named, missing := 0, 0
	from := 0

	for i, col := range columns {
		cells[i] = headerCell{column: col, start: -1, end: -1}
		name := strings.ToLower(strings.Join(strings.Fields(col.Name), " "))
		if name == "" {
			continue
		}
		named++

		idx := strings.Index(norm[from:], name)
		if idx < 0 {
			if !fuzzy.MatchNormalizedFold(col.Name, line) {
				return nil, false
			}
			missing++
			continue
		}
		start := from + idx
		end := start + len(name)
		cells[i].start = offsets[start]
		cells[i].end = offsets[end-1] + 1
		from = end
	}

	if named == 0 || missing > 1 || (missing == 1 && named < 3) {
		return nil, false
	}
	return cells, true
}

// normalizeWithOffsets lowercases and collapses whitespace, recording for each output
// byte its offset in the original line.
func normalizeWithOffsets(line string) (string, []int) {
	var b strings.Builder
	offsets := make([]int, 0, len(line))
	prevSpace := true

	for i := 0; i < len(line); i++ {
		c := line[i]
		if c == ' ' || c == '\t' {
			if !prevSpace {
				b.WriteByte(' ')
				offsets = append(offsets, i)
			}
			prevSpace = true
			continue
		}
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		b.WriteByte(c)
		offsets = append(offsets, i)
		prevSpace = false
	}
	return b.String(), offsets
}

type cell struct {
	text  string
	start int
	end   int
}

// splitCells splits a layout line on runs of two or more blanks.
func splitCells(line string) []cell {
	var cells []cell
	pos := 0
	for _, gap := range columnGap.FindAllStringIndex(line, -1) {
		if t := strings.TrimSpace(line[pos:gap[0]]); t != "" {
			cells = append(cells, cell{text: t, start: pos + strings.Index(line[pos:gap[0]], t), end: gap[0]})
		}
		pos = gap[1]
	}
	if t := strings.TrimSpace(line[pos:]); t != "" {
		cells = append(cells, cell{text: t, start: pos + strings.Index(line[pos:], t), end: len(line)})
	}
	return cells
}

// assignCells maps a data line onto columns. Columns with explicit bounds are sliced
// directly. Other columns take cells in order when the counts agree, else each cell goes
// to the header whose center is nearest.
func assignCells(line string, cells []cell, layout []headerCell, rule compiledRule) (map[template.ColumnField]string, *RowIssue) {
	if rule.MinColumns > 0 && len(cells) < rule.MinColumns {
		return nil, &RowIssue{Line: line, Reason: fmt.Sprintf("expected at least %d columns, found %d", rule.MinColumns, len(cells))}
	}

	values := make(map[template.ColumnField]string)
	raw := make([]string, len(layout))

	var located []int
	for i, h := range layout {
		if h.column.End > 0 {
			start := min(max(h.column.Start, 0), len(line))
			end := min(h.column.End, len(line))
			if start < end {
				raw[i] = strings.TrimSpace(line[start:end])
			}
			continue
		}
		located = append(located, i)
	}

	// Cells are only distributed when no bounds were used; mixing the two would hand
	// the same text to two columns.
	if len(located) == len(layout) {
		if len(cells) == len(layout) {
			for i := range layout {
				raw[i] = cells[i].text
			}
		} else {
			for _, c := range cells {
				best, bestDist := -1, math.MaxInt
				center := (c.start + c.end) / 2
				for _, i := range located {
					h := layout[i]
					if h.start < 0 {
						continue
					}
					d := abs(center - (h.start+h.end)/2)
					if d < bestDist {
						best, bestDist = i, d
					}
				}
				if best < 0 {
					return nil, &RowIssue{Line: line, Reason: "cannot align cells to header"}
				}
				raw[best] = strings.TrimSpace(raw[best] + " " + c.text)
			}
		}
	}

	for i, h := range layout {
		v := raw[i]
		if re := rule.columnRes[i]; re != nil && v != "" && !re.MatchString(v) {
			return nil, &RowIssue{Line: line, Reason: fmt.Sprintf("column %q value %q does not match its pattern", h.column.Name, v)}
		}
		if h.column.Field == template.ColumnIgnore || h.column.Field == "" {
			continue
		}
		if existing := values[h.column.Field]; existing != "" && v != "" {
			v = existing + " " + v
		} else if v == "" {
			v = existing
		}
		values[h.column.Field] = v
	}
	return values, nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
