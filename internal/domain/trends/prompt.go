package trends

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"
)

// DefaultPromptTemplate is used for recent-price analysis unless configured otherwise.
const DefaultPromptTemplate = `Analyze the following electrical supply item data:

{{.Data}}

Please provide the following analysis:
1. Identify any significant price changes
2. Compare prices across vendors for the same items
3. Identify items with unusual pricing
4. Suggest potential cost-saving opportunities

Analysis:`

// VendorPromptTemplate compares vendors.
const VendorPromptTemplate = `Analyze the following electrical supply pricing data across vendors: {{.Vendors}}.

{{.Data}}

Please provide:
1. Price comparison for common items across these vendors
2. Identify which vendor offers the best price for each item
3. Overall assessment of which vendor is most cost-effective
4. Recommendations for optimizing vendor selection

Analysis:`

// TrendPromptTemplate looks at price movement over time.
const TrendPromptTemplate = `Analyze the following electrical supply price trend data:

{{.Data}}

Please provide:
1. Price trends for each part over time
2. Identify seasonal patterns if any
3. Forecast likely future price movements
4. Recommend optimal timing for purchases

Analysis:`

// PromptData is what a prompt template can reference.
type PromptData struct {
	// Data is the digest as indented JSON.
	Data    string
	Kind    Kind
	Vendors string
	Days    int
	// FlaggedStart and FlaggedEnd are the configured flagged-items delimiters.
	FlaggedStart string
	FlaggedEnd   string
}

// PromptRenderer turns a digest into prompt text.
type PromptRenderer struct {
	tmpl *template.Template
}

// NewPromptRenderer parses a text/template. The older "{data}" placeholder is
// accepted as well as "{{.Data}}".
func NewPromptRenderer(text string) (*PromptRenderer, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("prompt template is empty")
	}
	text = strings.ReplaceAll(text, "{data}", "{{.Data}}")

	tmpl, err := template.New("prompt").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template: %w", err)
	}
	return &PromptRenderer{tmpl: tmpl}, nil
}

// LoadPromptRenderer reads a template file.
func LoadPromptRenderer(path string) (*PromptRenderer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt template: %w", err)
	}
	return NewPromptRenderer(string(data))
}

// MustPromptRenderer is NewPromptRenderer for the built-in templates.
func MustPromptRenderer(text string) *PromptRenderer {
	r, err := NewPromptRenderer(text)
	if err != nil {
		panic(err)
	}
	return r
}

// Render serializes the digest into data.Data and executes the template.
func (r *PromptRenderer) Render(digest *Digest, data PromptData) (string, error) {
	encoded, err := json.MarshalIndent(digest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode digest: %w", err)
	}
	data.Data = string(encoded)

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return buf.String(), nil
}
