package template

import (
	"slices"
	"sort"
	"strings"

	"github.com/cloudflare/ahocorasick"
)

// Identifier finds which trained vendor a document belongs to. All identifier strings
// of all templates go into one Aho-Corasick automaton, so identification is a single
// pass over the document regardless of how many vendors are trained.
type Identifier struct {
	matcher *ahocorasick.Matcher
	owners  [][]string // vendors per dictionary entry
}

// NewIdentifier builds the matcher from template identifiers. A template without
// identifiers is matched by its vendor name. An identifier shared by several templates
// is one dictionary entry owned by all of them.
func NewIdentifier(templates []*VendorTemplate) *Identifier {
	var dictionary []string
	var owners [][]string
	index := make(map[string]int)

	for _, t := range templates {
		identifiers := t.Identifiers
		if len(identifiers) == 0 {
			identifiers = []string{t.Vendor}
		}
		for _, ident := range identifiers {
			ident = strings.ToUpper(strings.TrimSpace(ident))
			if ident == "" {
				continue
			}
			i, ok := index[ident]
			if !ok {
				i = len(dictionary)
				index[ident] = i
				dictionary = append(dictionary, ident)
				owners = append(owners, nil)
			}
			if !slices.Contains(owners[i], t.Vendor) {
				owners[i] = append(owners[i], t.Vendor)
			}
		}
	}

	if len(dictionary) == 0 {
		return &Identifier{}
	}
	return &Identifier{
		matcher: ahocorasick.NewStringMatcher(dictionary),
		owners:  owners,
	}
}

// Identify returns the vendor with the most distinct identifier hits. Ties resolve to
// the alphabetically first vendor so the result is stable.
func (id *Identifier) Identify(text string) (string, bool) {
	if id.matcher == nil {
		return "", false
	}

	hits := id.matcher.Match([]byte(strings.ToUpper(text)))
	if len(hits) == 0 {
		return "", false
	}

	counts := make(map[string]int)
	for _, idx := range hits {
		for _, vendor := range id.owners[idx] {
			counts[vendor]++
		}
	}

	vendors := make([]string, 0, len(counts))
	for v := range counts {
		vendors = append(vendors, v)
	}
	sort.Slice(vendors, func(i, j int) bool {
		if counts[vendors[i]] != counts[vendors[j]] {
			return counts[vendors[i]] > counts[vendors[j]]
		}
		return vendors[i] < vendors[j]
	})
	return vendors[0], true
}
