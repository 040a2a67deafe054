// Package catalog resolves extracted part numbers and descriptions to canonical Parts
// and keeps the alias bindings, conflicts and operator descriptions for them.
package catalog

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

var (
	// ErrAmbiguousMatch marks a resolution that created a new Part although existing
	// Parts came close. The candidates are kept for a manual merge.
	ErrAmbiguousMatch = errors.New("ambiguous match")
	// ErrPartNotFound is returned for unknown part ids.
	ErrPartNotFound = errors.New("part not found")
	// ErrDescriptionConflict means another operator already set the custom description.
	ErrDescriptionConflict = errors.New("custom description already set")
)

// Part is the canonical identity of a physical item across vendors.
type Part struct {
	ID                  uuid.UUID  `json:"id"`
	CanonicalPartNumber string     `json:"canonical_part_number"`
	Description         string     `json:"description"`
	CustomDescription   string     `json:"custom_description,omitempty"`
	DescriptionSetBy    string     `json:"description_set_by,omitempty"`
	MergedInto          *uuid.UUID `json:"merged_into,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// DisplayDescription prefers the operator's description over the first raw one.
func (p *Part) DisplayDescription() string {
	if p.CustomDescription != "" {
		return p.CustomDescription
	}
	return p.Description
}

// Alias is one vendor's way of naming a Part.
type Alias struct {
	PartID          uuid.UUID `json:"part_id"`
	Vendor          string    `json:"vendor"`
	RawPartNumber   string    `json:"raw_part_number"`
	RawDescription  string    `json:"raw_description"`
	NormPartNumber  string    `json:"norm_part_number"`
	NormDescription string    `json:"norm_description"`
}

// NewAlias fills the normalized forms.
func NewAlias(vendor, rawPartNumber, rawDescription string) Alias {
	return Alias{
		Vendor:          strings.TrimSpace(vendor),
		RawPartNumber:   strings.TrimSpace(rawPartNumber),
		RawDescription:  strings.TrimSpace(rawDescription),
		NormPartNumber:  Normalize(rawPartNumber),
		NormDescription: Normalize(rawDescription),
	}
}

// Key identifies the alias within its vendor: the normalized part number, or the
// normalized description for vendors that print no part numbers.
func (a Alias) Key() string {
	if a.NormPartNumber != "" {
		return a.NormPartNumber
	}
	return "D:" + a.NormDescription
}

// VendorKey is the vendor half of the alias key.
func (a Alias) VendorKey() string {
	return strings.ToLower(strings.Join(strings.Fields(a.Vendor), " "))
}

// ConflictKind classifies a stored conflict.
type ConflictKind string

const (
	ConflictAliasRebind         ConflictKind = "alias_rebind"
	ConflictAmbiguousMatch      ConflictKind = "ambiguous_match"
	ConflictDescriptionOverride ConflictKind = "description_override"
)

// Candidate is an existing Part that scored close to an item.
type Candidate struct {
	PartID      uuid.UUID `json:"part_id"`
	Score       int       `json:"score"`
	Description string    `json:"description"`
}

// Conflict is recorded for manual review instead of changing an existing binding.
type Conflict struct {
	ID            uuid.UUID    `json:"id"`
	Kind          ConflictKind `json:"kind"`
	PartID        uuid.UUID    `json:"part_id"`
	OtherPartID   *uuid.UUID   `json:"other_part_id,omitempty"`
	Vendor        string       `json:"vendor,omitempty"`
	RawPartNumber string       `json:"raw_part_number,omitempty"`
	Detail        string       `json:"detail"`
	Candidates    []Candidate  `json:"candidates,omitempty"`
	Resolved      bool         `json:"resolved"`
	CreatedAt     time.Time    `json:"created_at"`
}

// DescriptionEntry is one searchable description of a Part.
type DescriptionEntry struct {
	PartID uuid.UUID
	Text   string
}

// Repository is the catalog's persistence.
type Repository interface {
	// FindAlias returns nil, nil when the vendor has no such alias.
	FindAlias(ctx context.Context, vendor, key string) (*Alias, error)
	// FindPartsByNormalized returns the live Parts having an alias, from any vendor,
	// with the normalized part number or description. Empty arguments are ignored.
	FindPartsByNormalized(ctx context.Context, normPartNumber, normDescription string) ([]Part, error)
	DescriptionEntries(ctx context.Context) ([]DescriptionEntry, error)
	CreatePart(ctx context.Context, p *Part) error
	GetPart(ctx context.Context, id uuid.UUID) (*Part, error)
	// BindAlias inserts the alias unless its key is taken, in which case the existing
	// binding is returned and nothing changes.
	BindAlias(ctx context.Context, a Alias) (existing *Alias, err error)
	Aliases(ctx context.Context, partID uuid.UUID) ([]Alias, error)
	// SetCustomDescription applies only when the Part has no custom description yet.
	SetCustomDescription(ctx context.Context, partID uuid.UUID, description, operator string) (applied bool, err error)
	RecordConflict(ctx context.Context, c *Conflict) error
	Conflicts(ctx context.Context, unresolvedOnly bool) ([]Conflict, error)
	// MergeParts moves aliases, line items and observations from source to target and
	// marks the source merged.
	MergeParts(ctx context.Context, sourceID, targetID uuid.UUID) error
}

// Normalize uppercases and drops everything but letters and digits, so "1/2\" EMT" and
// "12 emt" compare equal.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// normalizeText keeps word boundaries for similarity scoring.
func normalizeText(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}

// MergeAliases unions alias sets onto target. The result depends only on the set of
// (vendor, key) pairs, so merging is associative and commutative.
func MergeAliases(target uuid.UUID, sets ...[]Alias) []Alias {
	byKey := make(map[[2]string]Alias)
	for _, set := range sets {
		for _, a := range set {
			k := [2]string{a.VendorKey(), a.Key()}
			if prev, ok := byKey[k]; ok && !aliasLess(a, prev) {
				continue
			}
			byKey[k] = a
		}
	}

	out := make([]Alias, 0, len(byKey))
	for _, a := range byKey {
		a.PartID = target
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VendorKey() != out[j].VendorKey() {
			return out[i].VendorKey() < out[j].VendorKey()
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// aliasLess orders aliases sharing a key so the kept one does not depend on order.
func aliasLess(a, b Alias) bool {
	if a.RawPartNumber != b.RawPartNumber {
		return a.RawPartNumber < b.RawPartNumber
	}
	if a.RawDescription != b.RawDescription {
		return a.RawDescription < b.RawDescription
	}
	return a.Vendor < b.Vendor
}
