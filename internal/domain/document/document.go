// Package document holds the page/span representation of an invoice as produced by an
// external PDF text extractor, plus loaders for the two on-disk forms it arrives in.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrUnsupportedFormat is returned for files that are neither layout text nor span JSON.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// columnGap separates spans that share a line so column boundaries survive joining.
const columnGap = "  "

// Span is one positioned run of text on a page.
type Span struct {
	Page int     `json:"page"`
	Line int     `json:"line"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Text string  `json:"text"`
}

// Page is the set of spans extracted from one page.
type Page struct {
	Index int
	Spans []Span
}

// Document is one source file's text layout.
type Document struct {
	Source string
	Hash   string
	Pages  []Page
}

// Lines returns the page text one line at a time, spans ordered left to right.
func (p Page) Lines() []string {
	if len(p.Spans) == 0 {
		return nil
	}

	spans := make([]Span, len(p.Spans))
	copy(spans, p.Spans)
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Line != spans[j].Line {
			return spans[i].Line < spans[j].Line
		}
		return spans[i].X < spans[j].X
	})

	var lines []string
	var current strings.Builder
	currentLine := spans[0].Line
	for i, s := range spans {
		if i > 0 && s.Line != currentLine {
			lines = append(lines, current.String())
			current.Reset()
			currentLine = s.Line
		} else if i > 0 {
			current.WriteString(columnGap)
		}
		current.WriteString(s.Text)
	}
	lines = append(lines, current.String())
	return lines
}

// Text joins the page lines with newlines.
func (p Page) Text() string {
	return strings.Join(p.Lines(), "\n")
}

// Text returns the whole document, pages separated by form feeds.
func (d *Document) Text() string {
	pages := make([]string, len(d.Pages))
	for i, p := range d.Pages {
		pages[i] = p.Text()
	}
	return strings.Join(pages, "\f")
}

// LoadText reads layout-preserving text (pdftotext -layout output). Pages are split on
// form feed characters and every line becomes a single span.
func LoadText(r io.Reader, source string) (*Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source, err)
	}
	return FromText(string(raw), source, hashBytes(raw)), nil
}

// FromText builds a document from in-memory layout text.
func FromText(text, source, hash string) *Document {
	doc := &Document{Source: source, Hash: hash}
	if hash == "" {
		doc.Hash = hashBytes([]byte(text))
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	for i, pageText := range strings.Split(text, "\f") {
		page := Page{Index: i}
		for lineNo, line := range strings.Split(pageText, "\n") {
			line = strings.TrimRight(line, " \t")
			if strings.TrimSpace(line) == "" {
				continue
			}
			page.Spans = append(page.Spans, Span{Page: i, Line: lineNo, Y: float64(lineNo), Text: line})
		}
		doc.Pages = append(doc.Pages, page)
	}

	// A trailing form feed leaves an empty last page behind.
	if n := len(doc.Pages); n > 1 && len(doc.Pages[n-1].Spans) == 0 {
		doc.Pages = doc.Pages[:n-1]
	}
	return doc
}

// LoadSpans reads a JSON array of spans and groups them by page.
func LoadSpans(r io.Reader, source string) (*Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source, err)
	}

	var spans []Span
	if err := json.Unmarshal(raw, &spans); err != nil {
		return nil, fmt.Errorf("failed to decode spans in %s: %w", source, err)
	}

	return FromSpans(spans, source, hashBytes(raw)), nil
}

// FromSpans groups spans by page index.
func FromSpans(spans []Span, source, hash string) *Document {
	byPage := make(map[int][]Span)
	maxPage := -1
	for _, s := range spans {
		byPage[s.Page] = append(byPage[s.Page], s)
		if s.Page > maxPage {
			maxPage = s.Page
		}
	}

	doc := &Document{Source: source, Hash: hash}
	for i := 0; i <= maxPage; i++ {
		doc.Pages = append(doc.Pages, Page{Index: i, Spans: byPage[i]})
	}
	return doc
}

// Load opens a document by extension: .txt for layout text, .json for spans.
func Load(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt":
		return LoadText(f, path)
	case ".json":
		return LoadSpans(f, path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// Supported reports whether Load understands the file.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".json":
		return true
	}
	return false
}

// Walk returns the supported documents under source (a file or a folder), sorted.
func Walk(source string) ([]string, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source: %w", err)
	}
	if !info.IsDir() {
		if !Supported(source) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, source)
		}
		return []string{source}, nil
	}

	var paths []string
	err = filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !Supported(path) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", source, err)
	}

	sort.Strings(paths)
	return paths, nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
