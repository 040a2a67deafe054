package document

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromText_SplitsPagesOnFormFeed(t *testing.T) {
	text := "ACME SUPPLY\nInvoice Date: 01/15/2024\n\fPart#  Description\nA-1  Widget\n\f"

	doc := FromText(text, "a.txt", "")

	require.Len(t, doc.Pages, 2)
	assert.Equal(t, []string{"ACME SUPPLY", "Invoice Date: 01/15/2024"}, doc.Pages[0].Lines())
	assert.Equal(t, []string{"Part#  Description", "A-1  Widget"}, doc.Pages[1].Lines())
	assert.NotEmpty(t, doc.Hash)
}

func TestFromText_SameContentSameHash(t *testing.T) {
	a := FromText("Invoice 1", "a.txt", "")
	b := FromText("Invoice 1", "b.txt", "")
	c := FromText("Invoice 2", "c.txt", "")

	assert.Equal(t, a.Hash, b.Hash)
	assert.NotEqual(t, a.Hash, c.Hash)
}

func TestPageLines_OrdersSpansAndKeepsColumnGaps(t *testing.T) {
	page := Page{Spans: []Span{
		{Line: 2, X: 100, Text: "12.00"},
		{Line: 1, X: 0, Text: "Part#"},
		{Line: 2, X: 0, Text: "A-1"},
		{Line: 1, X: 100, Text: "Price"},
	}}

	assert.Equal(t, []string{"Part#  Price", "A-1  12.00"}, page.Lines())
}

func TestLoadSpans(t *testing.T) {
	input := `[
		{"page": 0, "line": 0, "x": 0, "y": 10, "text": "Invoice Date:"},
		{"page": 0, "line": 0, "x": 80, "y": 10, "text": "03/01/2024"},
		{"page": 1, "line": 0, "x": 0, "y": 10, "text": "Subtotal"}
	]`

	doc, err := LoadSpans(strings.NewReader(input), "spans.json")
	require.NoError(t, err)
	require.Len(t, doc.Pages, 2)
	assert.Equal(t, "Invoice Date:  03/01/2024", doc.Pages[0].Text())
	assert.Equal(t, "Invoice Date:  03/01/2024\fSubtotal", doc.Text())
}

func TestLoadSpans_InvalidJSON(t *testing.T) {
	_, err := LoadSpans(strings.NewReader("{"), "bad.json")
	require.Error(t, err)
}

func TestWalk(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.txt", "a.json", "notes.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "c.txt"), []byte("x"), 0o644))

	paths, err := Walk(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.json"),
		filepath.Join(dir, "b.txt"),
		filepath.Join(dir, "sub", "c.txt"),
	}, paths)

	_, err = Walk(filepath.Join(dir, "notes.md"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestLoad_ByExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inv.txt")
	require.NoError(t, os.WriteFile(path, []byte("Invoice #123\n"), 0o644))

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, doc.Source)
	assert.Equal(t, "Invoice #123", doc.Text())
}
