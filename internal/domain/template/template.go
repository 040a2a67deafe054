// Package template defines per-vendor extraction templates, their validation,
// persistence and the pure training function that derives them from a sample.
package template

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

var (
	// ErrTemplateNotFound means the vendor has never been trained.
	ErrTemplateNotFound = errors.New("template not found")
	// ErrInvalidTemplate means the rules are malformed; the prior template is kept.
	ErrInvalidTemplate = errors.New("invalid template")
)

// FieldKind selects how a summary field is read relative to its anchor.
type FieldKind string

const (
	FieldAnchorOffset FieldKind = "anchor_offset"
	FieldAnchorRegex  FieldKind = "anchor_regex"
)

// ItemKind selects the line item strategy.
type ItemKind string

const (
	ItemTableSignature ItemKind = "table_signature"
	ItemLinePattern    ItemKind = "line_pattern"
)

// ColumnField is the line item attribute a table column feeds.
type ColumnField string

const (
	ColumnPartNumber  ColumnField = "part_number"
	ColumnDescription ColumnField = "description"
	ColumnQuantity    ColumnField = "quantity"
	ColumnUnitPrice   ColumnField = "unit_price"
	ColumnTotalPrice  ColumnField = "total_price"
	ColumnIgnore      ColumnField = "ignore"
)

// Well-known summary field names.
const (
	FieldInvoiceNumber = "invoice_number"
	FieldInvoiceDate   = "invoice_date"
	FieldJobName       = "job_name"
	FieldTotalCost     = "total_cost"
)

// DefaultWindow bounds the search after an anchor when a rule sets none.
const DefaultWindow = 120

// SummaryFieldRule locates one summary field relative to an anchor.
type SummaryFieldRule struct {
	Field   string    `json:"field" yaml:"field"`
	Kind    FieldKind `json:"kind" yaml:"kind"`
	Anchor  string    `json:"anchor" yaml:"anchor"`
	Offset  int       `json:"offset,omitempty" yaml:"offset,omitempty"`
	Length  int       `json:"length,omitempty" yaml:"length,omitempty"`
	Pattern string    `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Window  int       `json:"window,omitempty" yaml:"window,omitempty"`
}

// ColumnSignature describes one table column. Start/End are optional character
// bounds; when End is zero the column is located by its header position instead.
type ColumnSignature struct {
	Name    string      `json:"name" yaml:"name"`
	Field   ColumnField `json:"field" yaml:"field"`
	Pattern string      `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Start   int         `json:"start,omitempty" yaml:"start,omitempty"`
	End     int         `json:"end,omitempty" yaml:"end,omitempty"`
}

// LineItemRule is either a table signature or a per-line pattern.
type LineItemRule struct {
	Kind        ItemKind          `json:"kind" yaml:"kind"`
	Columns     []ColumnSignature `json:"columns,omitempty" yaml:"columns,omitempty"`
	MinColumns  int               `json:"min_columns,omitempty" yaml:"min_columns,omitempty"`
	StopWords   []string          `json:"stop_words,omitempty" yaml:"stop_words,omitempty"`
	StopPattern string            `json:"stop_pattern,omitempty" yaml:"stop_pattern,omitempty"`
	Terminator  string            `json:"terminator,omitempty" yaml:"terminator,omitempty"`
	Pattern     string            `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// VendorTemplate is the active rule set for one vendor.
type VendorTemplate struct {
	Vendor           string             `json:"vendor" yaml:"vendor"`
	Identifiers      []string           `json:"identifiers,omitempty" yaml:"identifiers,omitempty"`
	Currency         string             `json:"currency,omitempty" yaml:"currency,omitempty"`
	DateLayout       string             `json:"date_layout,omitempty" yaml:"date_layout,omitempty"`
	EuropeanNumbers  bool               `json:"european_numbers,omitempty" yaml:"european_numbers,omitempty"`
	InvoiceSeparator string             `json:"invoice_separator,omitempty" yaml:"invoice_separator,omitempty"`
	Summary          []SummaryFieldRule `json:"summary,omitempty" yaml:"summary,omitempty"`
	LineItems        []LineItemRule     `json:"line_items,omitempty" yaml:"line_items,omitempty"`
	TrainedAt        time.Time          `json:"trained_at" yaml:"trained_at"`
}

// VendorKey is the case-insensitive lookup key for a vendor name.
func VendorKey(vendor string) string {
	return strings.ToLower(strings.Join(strings.Fields(vendor), " "))
}

// ValidationError names the offending rule.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid template: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidTemplate
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks every rule has something to extract with.
func Validate(t *VendorTemplate) error {
	if t == nil {
		return invalid("template", "missing")
	}
	if strings.TrimSpace(t.Vendor) == "" {
		return invalid("vendor", "vendor name is required")
	}
	if len(t.Summary) == 0 && len(t.LineItems) == 0 {
		return invalid("rules", "template has no summary or line item rules")
	}
	if t.InvoiceSeparator != "" {
		if _, err := regexp.Compile(t.InvoiceSeparator); err != nil {
			return invalid("invoice_separator", "does not compile: %v", err)
		}
	}

	for i, rule := range t.Summary {
		name := fmt.Sprintf("summary[%d]", i)
		if rule.Field == "" {
			return invalid(name, "field name is required")
		}
		if strings.TrimSpace(rule.Anchor) == "" {
			return invalid(name, "anchor is required for %s", rule.Field)
		}
		switch rule.Kind {
		case FieldAnchorOffset:
			if rule.Offset < 0 || rule.Length < 0 {
				return invalid(name, "offset and length must not be negative")
			}
		case FieldAnchorRegex:
			if rule.Pattern == "" {
				return invalid(name, "pattern is required for %s", rule.Field)
			}
			if _, err := regexp.Compile(rule.Pattern); err != nil {
				return invalid(name, "pattern does not compile: %v", err)
			}
		default:
			return invalid(name, "unknown kind %q", rule.Kind)
		}
	}

	for i, rule := range t.LineItems {
		name := fmt.Sprintf("line_items[%d]", i)
		if rule.StopPattern != "" {
			if _, err := regexp.Compile(rule.StopPattern); err != nil {
				return invalid(name, "stop pattern does not compile: %v", err)
			}
		}
		if rule.Terminator != "" {
			if _, err := regexp.Compile(rule.Terminator); err != nil {
				return invalid(name, "terminator does not compile: %v", err)
			}
		}

		switch rule.Kind {
		case ItemTableSignature:
			if len(rule.Columns) == 0 {
				return invalid(name, "table rule declares no columns")
			}
			for j, col := range rule.Columns {
				if strings.TrimSpace(col.Name) == "" && col.End == 0 {
					return invalid(fmt.Sprintf("%s.columns[%d]", name, j), "column needs a header name or bounds")
				}
				if col.Pattern != "" {
					if _, err := regexp.Compile(col.Pattern); err != nil {
						return invalid(fmt.Sprintf("%s.columns[%d]", name, j), "pattern does not compile: %v", err)
					}
				}
			}
		case ItemLinePattern:
			re, err := regexp.Compile(rule.Pattern)
			if rule.Pattern == "" || err != nil {
				return invalid(name, "line pattern is missing or does not compile")
			}
			groups := re.SubexpNames()
			hasIdentity := slices.Contains(groups, string(ColumnPartNumber)) || slices.Contains(groups, string(ColumnDescription))
			hasPrice := slices.Contains(groups, string(ColumnUnitPrice)) || slices.Contains(groups, string(ColumnTotalPrice))
			if !hasIdentity || !hasPrice {
				return invalid(name, "line pattern needs a part_number or description group and a price group")
			}
		default:
			return invalid(name, "unknown kind %q", rule.Kind)
		}
	}
	return nil
}

// Clone returns a deep copy so cached templates are never shared mutably.
func (t *VendorTemplate) Clone() *VendorTemplate {
	if t == nil {
		return nil
	}
	c := *t
	c.Identifiers = slices.Clone(t.Identifiers)
	c.Summary = slices.Clone(t.Summary)
	c.LineItems = make([]LineItemRule, len(t.LineItems))
	for i, rule := range t.LineItems {
		rule.Columns = slices.Clone(rule.Columns)
		rule.StopWords = slices.Clone(rule.StopWords)
		c.LineItems[i] = rule
	}
	if t.LineItems == nil {
		c.LineItems = nil
	}
	return &c
}
