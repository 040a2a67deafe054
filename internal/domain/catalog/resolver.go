package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/google/uuid"
)

// Method records which resolution step produced a Part.
type Method string

const (
	MethodExactAlias Method = "exact_alias"
	MethodNormalized Method = "normalized"
	MethodFuzzy      Method = "fuzzy"
	MethodNewPart    Method = "new_part"
)

// Config holds the resolver thresholds (scores 0-100).
type Config struct {
	// AcceptThreshold is the fuzzy score at which an existing Part is accepted.
	AcceptThreshold int
	// CandidateThreshold is the score at which a rejected Part is still recorded as a
	// candidate, making the new Part an ambiguous match.
	CandidateThreshold int
	// CandidateLimit caps how many Parts are scored per item when a search index is set.
	CandidateLimit int
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		AcceptThreshold:    90,
		CandidateThreshold: 70,
		CandidateLimit:     20,
	}
}

// Item is the raw identity of one extracted line item.
type Item struct {
	RawPartNumber  string
	RawDescription string
}

// Resolution is the outcome of resolving one item.
type Resolution struct {
	Part       *Part
	Method     Method
	Score      int
	Ambiguous  bool
	Candidates []Candidate
	// Conflict is set when the item's alias key was already bound to another Part.
	Conflict *Conflict
}

// Err returns ErrAmbiguousMatch for ambiguous resolutions. The Part is usable either way.
func (r *Resolution) Err() error {
	if r.Ambiguous {
		return fmt.Errorf("%w: new part %s has %d candidates", ErrAmbiguousMatch, r.Part.ID, len(r.Candidates))
	}
	return nil
}

// Resolver maps line items to Parts.
type Resolver struct {
	repo   Repository
	logger *slog.Logger
	cfg    Config
	index  *SearchIndex
	now    func() time.Time

	mu      sync.Mutex
	matcher *FuzzyMatcher
}

// Option configures a Resolver
type Option func(*Resolver)

// WithConfig sets the thresholds.
func WithConfig(cfg Config) Option {
	return func(r *Resolver) { r.cfg = cfg }
}

// WithSearchIndex narrows fuzzy candidates through a bleve index.
func WithSearchIndex(index *SearchIndex) Option {
	return func(r *Resolver) { r.index = index }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a new part resolver
func NewResolver(repo Repository, logger *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		repo:   repo,
		logger: logger,
		cfg:    DefaultConfig(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve maps one item from one vendor to a Part, creating the Part when nothing
// existing is a confident match.
func (r *Resolver) Resolve(ctx context.Context, vendor string, item Item) (*Resolution, error) {
	alias := NewAlias(vendor, item.RawPartNumber, item.RawDescription)
	if alias.NormPartNumber == "" && alias.NormDescription == "" {
		return nil, fmt.Errorf("item has neither part number nor description")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureMatcher(ctx); err != nil {
		return nil, err
	}

	// 1. This vendor already uses this part number.
	existing, err := r.repo.FindAlias(ctx, alias.Vendor, alias.Key())
	if err != nil {
		return nil, fmt.Errorf("failed to look up alias: %w", err)
	}
	if existing != nil {
		part, err := r.livePart(ctx, existing.PartID)
		if err != nil {
			return nil, err
		}
		return &Resolution{Part: part, Method: MethodExactAlias, Score: 100}, nil
	}

	// 2. Another vendor uses the same normalized number or description.
	normalized, err := r.repo.FindPartsByNormalized(ctx, alias.NormPartNumber, alias.NormDescription)
	if err != nil {
		return nil, fmt.Errorf("failed to match normalized alias: %w", err)
	}
	if len(normalized) == 1 {
		part := normalized[0]
		return r.accept(ctx, &part, alias, MethodNormalized, 100)
	}

	// 3. Description similarity.
	candidates, err := r.candidates(ctx, item.RawDescription)
	if err != nil {
		return nil, err
	}
	for _, p := range normalized {
		candidates = appendCandidate(candidates, Candidate{PartID: p.ID, Score: 100, Description: p.DisplayDescription()})
	}
	if best, ok := r.confident(candidates); ok && len(normalized) == 0 {
		part, err := r.livePart(ctx, best.PartID)
		if err != nil {
			return nil, err
		}
		return r.accept(ctx, part, alias, MethodFuzzy, best.Score)
	}

	// 4. New Part.
	return r.create(ctx, alias, candidates)
}

// confident reports the best candidate when it clears the accept threshold and no
// other Part ties it.
func (r *Resolver) confident(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 || candidates[0].Score < r.cfg.AcceptThreshold {
		return Candidate{}, false
	}
	if len(candidates) > 1 && candidates[1].Score == candidates[0].Score {
		return Candidate{}, false
	}
	return candidates[0], true
}

func (r *Resolver) accept(ctx context.Context, part *Part, alias Alias, method Method, score int) (*Resolution, error) {
	res := &Resolution{Part: part, Method: method, Score: score}

	alias.PartID = part.ID
	existing, err := r.repo.BindAlias(ctx, alias)
	if err != nil {
		return nil, fmt.Errorf("failed to bind alias: %w", err)
	}
	if existing != nil && existing.PartID != part.ID {
		conflict, err := r.recordRebind(ctx, existing, part, alias)
		if err != nil {
			return nil, err
		}
		res.Conflict = conflict
		return res, nil
	}

	r.remember(DescriptionEntry{PartID: part.ID, Text: alias.RawDescription})
	r.logger.Debug("item resolved",
		"vendor", alias.Vendor,
		"part_number", alias.RawPartNumber,
		"part_id", part.ID,
		"method", method,
		"score", score,
	)
	return res, nil
}

func (r *Resolver) create(ctx context.Context, alias Alias, candidates []Candidate) (*Resolution, error) {
	part := &Part{
		ID:                  uuid.New(),
		CanonicalPartNumber: alias.RawPartNumber,
		Description:         alias.RawDescription,
		CreatedAt:           r.now().UTC(),
	}
	if err := r.repo.CreatePart(ctx, part); err != nil {
		return nil, fmt.Errorf("failed to create part: %w", err)
	}

	alias.PartID = part.ID
	existing, err := r.repo.BindAlias(ctx, alias)
	if err != nil {
		return nil, fmt.Errorf("failed to bind alias: %w", err)
	}

	res := &Resolution{Part: part, Method: MethodNewPart}
	if existing != nil && existing.PartID != part.ID {
		// Bound concurrently by another writer; keep theirs and report it.
		if res.Conflict, err = r.recordRebind(ctx, existing, part, alias); err != nil {
			return nil, err
		}
	}
	r.remember(DescriptionEntry{PartID: part.ID, Text: alias.RawDescription})

	var near []Candidate
	for _, c := range candidates {
		if c.Score >= r.cfg.CandidateThreshold {
			near = append(near, c)
		}
	}
	if len(near) == 0 {
		r.logger.Debug("new part created", "vendor", alias.Vendor, "part_number", alias.RawPartNumber, "part_id", part.ID)
		return res, nil
	}

	res.Ambiguous = true
	res.Candidates = near
	conflict := &Conflict{
		ID:            uuid.New(),
		Kind:          ConflictAmbiguousMatch,
		PartID:        part.ID,
		Vendor:        alias.Vendor,
		RawPartNumber: alias.RawPartNumber,
		Detail:        fmt.Sprintf("%q has %d close candidates", alias.RawDescription, len(near)),
		Candidates:    near,
		CreatedAt:     r.now().UTC(),
	}
	if err := r.repo.RecordConflict(ctx, conflict); err != nil {
		return nil, fmt.Errorf("failed to record conflict: %w", err)
	}
	r.logger.Warn("ambiguous match, new part created",
		"vendor", alias.Vendor,
		"part_number", alias.RawPartNumber,
		"description", alias.RawDescription,
		"part_id", part.ID,
		"candidates", len(near),
		"best_score", near[0].Score,
	)
	return res, nil
}

func (r *Resolver) recordRebind(ctx context.Context, existing *Alias, proposed *Part, alias Alias) (*Conflict, error) {
	other := proposed.ID
	conflict := &Conflict{
		ID:            uuid.New(),
		Kind:          ConflictAliasRebind,
		PartID:        existing.PartID,
		OtherPartID:   &other,
		Vendor:        alias.Vendor,
		RawPartNumber: alias.RawPartNumber,
		Detail:        fmt.Sprintf("alias %s is bound to %s; item now matches %s", alias.Key(), existing.PartID, other),
		CreatedAt:     r.now().UTC(),
	}
	if err := r.repo.RecordConflict(ctx, conflict); err != nil {
		return nil, fmt.Errorf("failed to record conflict: %w", err)
	}
	r.logger.Warn("alias already bound, conflict recorded",
		"vendor", alias.Vendor,
		"part_number", alias.RawPartNumber,
		"bound_part", existing.PartID,
		"proposed_part", other,
	)
	return conflict, nil
}

// candidates scores the description against known Parts, highest first.
func (r *Resolver) candidates(ctx context.Context, description string) ([]Candidate, error) {
	if strings.TrimSpace(description) == "" {
		return nil, nil
	}

	var only map[uuid.UUID]bool
	if r.index != nil {
		hits, err := r.index.Search(description, r.cfg.CandidateLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to search descriptions: %w", err)
		}
		if len(hits) == 0 {
			return nil, nil
		}
		only = make(map[uuid.UUID]bool, len(hits))
		for _, h := range hits {
			only[h.PartID] = true
		}
	}

	matches := r.matcher.MatchAll(description, r.cfg.CandidateThreshold, only)
	out := make([]Candidate, 0, len(matches))
	for _, m := range matches {
		part, err := r.livePart(ctx, m.PartID)
		if err != nil {
			return nil, err
		}
		out = appendCandidate(out, Candidate{PartID: part.ID, Score: m.Score, Description: m.Text})
	}
	return out, nil
}

// appendCandidate keeps one entry per Part, the highest score, ordered by score.
func appendCandidate(list []Candidate, c Candidate) []Candidate {
	for i, existing := range list {
		if existing.PartID == c.PartID {
			if c.Score > existing.Score {
				list[i] = c
			}
			sortCandidates(list)
			return list
		}
	}
	list = append(list, c)
	sortCandidates(list)
	return list
}

func sortCandidates(list []Candidate) {
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j].Score > list[j-1].Score; j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}
}

// livePart follows merged_into to the surviving Part.
func (r *Resolver) livePart(ctx context.Context, id uuid.UUID) (*Part, error) {
	for range 16 {
		part, err := r.repo.GetPart(ctx, id)
		if err != nil {
			return nil, err
		}
		if part.MergedInto == nil {
			return part, nil
		}
		id = *part.MergedInto
	}
	return nil, fmt.Errorf("part %s: merge chain too long", id)
}

func (r *Resolver) ensureMatcher(ctx context.Context) error {
	if r.matcher != nil {
		return nil
	}
	entries, err := r.repo.DescriptionEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed to load descriptions: %w", err)
	}
	r.matcher = NewFuzzyMatcher(entries)
	if r.index != nil {
		if err := r.index.Reset(entries); err != nil {
			return err
		}
	}
	r.logger.Debug("description matcher loaded", "descriptions", r.matcher.Len())
	return nil
}

func (r *Resolver) remember(e DescriptionEntry) {
	if strings.TrimSpace(e.Text) == "" {
		return
	}
	r.matcher.Add(e)
	if r.index != nil {
		if err := r.index.Index(e); err != nil {
			r.logger.Warn("failed to index description", "part_id", e.PartID, "error", err)
		}
	}
}

// SetCustomDescription applies an operator description. The first one wins: a later,
// different description is recorded as a conflict and the Part is returned unchanged
// together with ErrDescriptionConflict.
func (r *Resolver) SetCustomDescription(ctx context.Context, partID uuid.UUID, description, operator string) (*Part, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fmt.Errorf("description is required")
	}

	part, err := r.livePart(ctx, partID)
	if err != nil {
		return nil, err
	}

	applied, err := r.repo.SetCustomDescription(ctx, part.ID, description, operator)
	if err != nil {
		return nil, fmt.Errorf("failed to set description: %w", err)
	}
	if applied {
		part.CustomDescription = description
		part.DescriptionSetBy = operator
		r.logger.Info("custom description set", "part_id", part.ID, "operator", operator)
		return part, nil
	}

	// Someone set it first; reload to see what they set.
	part, err = r.repo.GetPart(ctx, part.ID)
	if err != nil {
		return nil, err
	}
	if part.CustomDescription == description {
		return part, nil
	}

	conflict := &Conflict{
		ID:        uuid.New(),
		Kind:      ConflictDescriptionOverride,
		PartID:    part.ID,
		Detail:    fmt.Sprintf("%s proposed %q; kept %q set by %s", operator, description, part.CustomDescription, part.DescriptionSetBy),
		CreatedAt: r.now().UTC(),
	}
	if err := r.repo.RecordConflict(ctx, conflict); err != nil {
		return nil, fmt.Errorf("failed to record conflict: %w", err)
	}
	r.logger.Warn("description override rejected",
		"part_id", part.ID,
		"operator", operator,
		"set_by", part.DescriptionSetBy,
	)
	return part, fmt.Errorf("%w: part %s by %s", ErrDescriptionConflict, part.ID, part.DescriptionSetBy)
}

// Merge folds source into target. Both Parts keep existing; the source is marked
// merged and resolves to the target from then on.
func (r *Resolver) Merge(ctx context.Context, sourceID, targetID uuid.UUID) (*Part, error) {
	source, err := r.livePart(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	target, err := r.livePart(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if source.ID == target.ID {
		return target, nil
	}

	if err := r.repo.MergeParts(ctx, source.ID, target.ID); err != nil {
		return nil, fmt.Errorf("failed to merge parts: %w", err)
	}

	r.mu.Lock()
	r.matcher = nil
	r.mu.Unlock()

	r.logger.Info("parts merged", "source", source.ID, "target", target.ID)
	return target, nil
}

// ImportResult summarises a description import.
type ImportResult struct {
	Applied   int
	Conflicts int
	Failed    []string
}

type descriptionRow struct {
	PartID      string `csv:"part_id"`
	Description string `csv:"description"`
	Operator    string `csv:"operator"`
}

// ImportDescriptions reads part_id,description,operator rows and applies each through
// SetCustomDescription. Bad rows are reported, not fatal.
func (r *Resolver) ImportDescriptions(ctx context.Context, in io.Reader) (*ImportResult, error) {
	var rows []*descriptionRow
	if err := gocsv.Unmarshal(in, &rows); err != nil {
		return nil, fmt.Errorf("failed to read descriptions: %w", err)
	}

	result := &ImportResult{}
	for i, row := range rows {
		id, err := uuid.Parse(strings.TrimSpace(row.PartID))
		if err != nil {
			result.Failed = append(result.Failed, fmt.Sprintf("row %d: invalid part id %q", i+2, row.PartID))
			continue
		}
		_, err = r.SetCustomDescription(ctx, id, row.Description, row.Operator)
		switch {
		case err == nil:
			result.Applied++
		case errors.Is(err, ErrDescriptionConflict):
			result.Conflicts++
		default:
			result.Failed = append(result.Failed, fmt.Sprintf("row %d: %v", i+2, err))
		}
	}
	return result, nil
}
