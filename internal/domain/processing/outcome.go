package processing

import (
	"time"

	"github.com/google/uuid"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/extraction"
)

// Status is the per-document result of a run.
type Status string

const (
	StatusOK               Status = "ok"
	StatusPartial          Status = "partial"
	StatusTemplateNotFound Status = "template_not_found"
	StatusExtractionFailed Status = "extraction_failed"
)

// Failed reports whether the status counts against the run's exit code.
func (s Status) Failed() bool {
	return s == StatusTemplateNotFound || s == StatusExtractionFailed
}

// Outcome describes what happened to one document.
type Outcome struct {
	Source string `json:"source"`
	Vendor string `json:"vendor,omitempty"`
	Status Status `json:"status"`
	Err    error  `json:"-"`
	Error  string `json:"error,omitempty"`

	InvoiceIDs   []uuid.UUID `json:"invoice_ids,omitempty"`
	LineItems    int         `json:"line_items"`
	Observations int         `json:"observations"`
	// Duplicates counts observations already present from an earlier run.
	Duplicates int `json:"duplicates"`
	// Undated counts priced items whose invoice had no date, so no observation was recorded.
	Undated   int                   `json:"undated,omitempty"`
	Ambiguous int                   `json:"ambiguous"`
	Conflicts int                   `json:"conflicts"`
	Missing   []string              `json:"missing,omitempty"`
	Unmatched []extraction.RowIssue `json:"unmatched,omitempty"`
	Duration  time.Duration         `json:"duration"`
}

func (o *Outcome) fail(status Status, err error) {
	o.Status = status
	o.Err = err
	o.Error = err.Error()
}

// BatchResult is the ordered outcomes of one run.
type BatchResult struct {
	Mode     extraction.Mode `json:"mode"`
	Outcomes []Outcome       `json:"outcomes"`
	Started  time.Time       `json:"started"`
	Finished time.Time       `json:"finished"`
}

// ExitCode is 0 when every document was processed, 1 when any document had no template
// or yielded nothing.
func (b *BatchResult) ExitCode() int {
	for _, o := range b.Outcomes {
		if o.Status.Failed() {
			return 1
		}
	}
	return 0
}

// Counts tallies outcomes by status.
func (b *BatchResult) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, o := range b.Outcomes {
		counts[o.Status]++
	}
	return counts
}

// Totals sums line items and observations across outcomes.
func (b *BatchResult) Totals() (lineItems, observations int) {
	for _, o := range b.Outcomes {
		lineItems += o.LineItems
		observations += o.Observations
	}
	return lineItems, observations
}
