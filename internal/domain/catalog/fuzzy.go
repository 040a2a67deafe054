package catalog

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lithammer/fuzzysearch/fuzzy"
)

// FuzzyMatch is one Part scored against an item description.
type FuzzyMatch struct {
	PartID   uuid.UUID
	Text     string // the stored description that scored best
	Score    int    // 0-100
	Distance int    // Levenshtein distance to Text
}

// FuzzyMatcher scores descriptions against every known Part description. It is
// rebuilt after merges and grows as Parts and aliases are added.
type FuzzyMatcher struct {
	entries []fuzzyEntry
	seen    map[string]bool
	mu      sync.RWMutex
}

type fuzzyEntry struct {
	partID     uuid.UUID
	text       string
	normalized string
}

// NewFuzzyMatcher creates a matcher over the given descriptions
func NewFuzzyMatcher(entries []DescriptionEntry) *FuzzyMatcher {
	fm := &FuzzyMatcher{}
	fm.Build(entries)
	return fm
}

// Build replaces the matcher contents.
func (fm *FuzzyMatcher) Build(entries []DescriptionEntry) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	fm.entries = make([]fuzzyEntry, 0, len(entries))
	fm.seen = make(map[string]bool, len(entries))
	for _, e := range entries {
		fm.add(e)
	}
}

// Add registers one more description; duplicates per Part are ignored.
func (fm *FuzzyMatcher) Add(e DescriptionEntry) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.add(e)
}

func (fm *FuzzyMatcher) add(e DescriptionEntry) {
	normalized := normalizeText(e.Text)
	if normalized == "" {
		return
	}
	key := e.PartID.String() + "|" + normalized
	if fm.seen[key] {
		return
	}
	fm.seen[key] = true
	fm.entries = append(fm.entries, fuzzyEntry{partID: e.PartID, text: e.Text, normalized: normalized})
}

// Len returns the number of stored descriptions
func (fm *FuzzyMatcher) Len() int {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	return len(fm.entries)
}

// MatchAll returns the best score per Part at or above threshold, highest first.
// When only is non-nil, Parts outside it are skipped.
func (fm *FuzzyMatcher) MatchAll(description string, threshold int, only map[uuid.UUID]bool) []FuzzyMatch {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	normalized := normalizeText(description)
	if normalized == "" || len(fm.entries) == 0 {
		return nil
	}

	best := make(map[uuid.UUID]FuzzyMatch)
	for _, e := range fm.entries {
		if only != nil && !only[e.partID] {
			continue
		}
		score := fuzzyScore(normalized, e.normalized)
		if score < threshold {
			continue
		}
		if prev, ok := best[e.partID]; ok && prev.Score >= score {
			continue
		}
		best[e.partID] = FuzzyMatch{
			PartID:   e.partID,
			Text:     e.text,
			Score:    score,
			Distance: levenshteinDistance(normalized, e.normalized),
		}
	}

	results := make([]FuzzyMatch, 0, len(best))
	for _, m := range best {
		results = append(results, m)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].PartID.String() < results[j].PartID.String()
	})
	return results
}

// Match returns the single best Part at or above threshold, or nil.
func (fm *FuzzyMatcher) Match(description string, threshold int) *FuzzyMatch {
	all := fm.MatchAll(description, threshold, nil)
	if len(all) == 0 {
		return nil
	}
	return &all[0]
}

// fuzzyScore rates two normalized descriptions 0-100. It takes the best of
// containment, token overlap, edit distance and fuzzysearch's subsequence rank.
func fuzzyScore(s1, s2 string) int {
	if s1 == s2 {
		return 100
	}
	if Normalize(s1) == Normalize(s2) {
		// Same characters, different punctuation or spacing.
		return 98
	}

	score := 0

	// Containment is discounted by the length ratio so "EMT" does not swallow
	// "1/2 EMT CONDUIT".
	short, long := s1, s2
	if len(short) > len(long) {
		short, long = long, short
	}
	if strings.Contains(long, short) {
		score = max(score, 60+30*len(short)/len(long))
	}

	score = max(score, tokenOverlap(s1, s2))

	maxLen := max(len(s1), len(s2))
	distance := levenshteinDistance(s1, s2)
	score = max(score, 100*(maxLen-distance)/maxLen)

	if rank := fuzzy.RankMatchNormalizedFold(short, long); rank >= 0 && rank < len(long) {
		score = max(score, 55-rank*40/len(long))
	}
	return min(score, 97)
}

// tokenOverlap is the Jaccard index of the word sets, as a percentage.
func tokenOverlap(s1, s2 string) int {
	a := strings.Fields(s1)
	b := strings.Fields(s2)
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	shared := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			shared++
		} else {
			union++
		}
	}
	return 100 * shared / union
}

// levenshteinDistance is the rune edit distance, computed with two rows.
func levenshteinDistance(s1, s2 string) int {
	r1, r2 := []rune(s1), []rune(s2)
	if len(r1) == 0 {
		return len(r2)
	}
	if len(r2) == 0 {
		return len(r1)
	}

	prev := make([]int, len(r2)+1)
	curr := make([]int, len(r2)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(r1); i++ {
		curr[0] = i
		for j := 1; j <= len(r2); j++ {
			cost := 1
			if r1[i-1] == r2[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(r2)]
}
