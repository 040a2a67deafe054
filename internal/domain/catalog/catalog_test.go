package catalog

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"EM-100", "EM100"},
		{" em 100 ", "EM100"},
		{"1/2\" EMT Conduit", "12EMTCONDUIT"},
		{"Wire-Nut, Grn.", "WIRENUTGRN"},
		{"---", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestAliasKey(t *testing.T) {
	withNumber := NewAlias(" ACME ", "EM-100", "EMT conduit")
	assert.Equal(t, "ACME", withNumber.Vendor)
	assert.Equal(t, "EM100", withNumber.Key())

	descriptionOnly := NewAlias("ACME", "", "EMT conduit")
	assert.Equal(t, "D:EMTCONDUIT", descriptionOnly.Key())
}

func TestDisplayDescription(t *testing.T) {
	p := &Part{Description: "EMT CONDUIT"}
	assert.Equal(t, "EMT CONDUIT", p.DisplayDescription())
	p.CustomDescription = "1/2\" EMT, 10 ft"
	assert.Equal(t, "1/2\" EMT, 10 ft", p.DisplayDescription())
}

// ============================================================================
// MergeAliases
// ============================================================================

func TestMergeAliases_AssociativeAndCommutative(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	bind := func(id uuid.UUID, vendor, pn, desc string) Alias {
		al := NewAlias(vendor, pn, desc)
		al.PartID = id
		return al
	}

	setA := []Alias{bind(a, "ACME", "EM-100", "EMT conduit"), bind(a, "Zeta", "Z-1", "Conduit EMT")}
	setB := []Alias{bind(b, "ACME", "EM100", "EMT conduit 1/2"), bind(b, "Volt", "V-77", "EMT 1/2")}
	setC := []Alias{bind(c, "Volt", "V-77", "EMT half"), bind(c, "Grid", "", "emt conduit")}

	// A into B, then B into C.
	stepwise := MergeAliases(c, MergeAliases(b, setA, setB), setC)
	all := MergeAliases(c, setA, setB, setC)
	reversed := MergeAliases(c, setC, setB, setA)
	rightFirst := MergeAliases(c, setA, MergeAliases(c, setB, setC))

	assert.Equal(t, all, stepwise)
	assert.Equal(t, all, reversed)
	assert.Equal(t, all, rightFirst)

	require.Len(t, all, 4, "one alias per (vendor, key)")
	for _, al := range all {
		assert.Equal(t, c, al.PartID)
	}
}

func TestMergeAliases_Empty(t *testing.T) {
	assert.Empty(t, MergeAliases(uuid.New()))
	assert.Empty(t, MergeAliases(uuid.New(), nil, []Alias{}))
}

// ============================================================================
// Fuzzy scoring
// ============================================================================

func TestFuzzyScore(t *testing.T) {
	tests := []struct {
		name    string
		a, b    string
		atLeast int
		below   int
	}{
		{"identical", "WIRE NUT GREEN", "WIRE NUT GREEN", 100, 101},
		{"punctuation only", "WIRE-NUT GREEN", "WIRENUT GREEN", 98, 99},
		{"one letter", "WIRE NUTS GREEN 12 AWG", "WIRE NUT GREEN 12 AWG", 90, 98},
		{"extra word", "4 IN SQUARE BOX DEEP WELDED", "4 IN SQUARE BOX DEEP", 70, 90},
		{"unrelated", "LED TROFFER 2X4", "4 IN SQUARE BOX DEEP", 0, 40},
		{"short containment", "EMT", "1/2 EMT CONDUIT 10FT STEEL", 0, 70},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := fuzzyScore(normalizeText(tt.a), normalizeText(tt.b))
			assert.GreaterOrEqual(t, score, tt.atLeast)
			assert.Less(t, score, tt.below)
			assert.Equal(t, score, fuzzyScore(normalizeText(tt.b), normalizeText(tt.a)), "symmetric")
		})
	}
}

func TestLevenshteinDistance(t *testing.T) {
	assert.Equal(t, 0, levenshteinDistance("abc", "abc"))
	assert.Equal(t, 3, levenshteinDistance("", "abc"))
	assert.Equal(t, 1, levenshteinDistance("nut", "nuts"))
	assert.Equal(t, 3, levenshteinDistance("kitten", "sitting"))
}

func TestFuzzyMatcher(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	fm := NewFuzzyMatcher([]DescriptionEntry{
		{PartID: a, Text: "WIRE NUT GREEN 12 AWG"},
		{PartID: a, Text: "wire nut green 12 awg"},
		{PartID: b, Text: "LED TROFFER 2X4"},
		{PartID: b, Text: "   "},
	})
	assert.Equal(t, 2, fm.Len(), "duplicates and blanks dropped")

	m := fm.Match("Wire Nuts Green 12 AWG", 90)
	require.NotNil(t, m)
	assert.Equal(t, a, m.PartID)
	assert.Equal(t, 1, m.Distance)

	assert.Nil(t, fm.Match("Ground rod 8ft", 70))

	fm.Add(DescriptionEntry{PartID: b, Text: "GROUND ROD 8FT"})
	m = fm.Match("Ground rod 8ft", 70)
	require.NotNil(t, m)
	assert.Equal(t, b, m.PartID)

	assert.Empty(t, fm.MatchAll("Wire Nuts Green 12 AWG", 70, map[uuid.UUID]bool{b: true}))
}

// ============================================================================
// Search index
// ============================================================================

func TestSearchIndex(t *testing.T) {
	index, err := NewSearchIndex("")
	require.NoError(t, err)
	defer index.Close()

	a, b := uuid.New(), uuid.New()
	require.NoError(t, index.IndexEntries([]DescriptionEntry{
		{PartID: a, Text: "WIRE NUT GREEN 12 AWG"},
		{PartID: a, Text: "Wire nut, green"},
		{PartID: b, Text: "LED TROFFER 2X4"},
	}))

	count, err := index.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)

	hits, err := index.Search("wire nuts", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1, "one hit per part")
	assert.Equal(t, a, hits[0].PartID)

	require.NoError(t, index.Reset([]DescriptionEntry{{PartID: b, Text: "LED TROFFER 2X4"}}))
	count, err = index.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	hits, err = index.Search("wire nuts", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchIndex_OnDisk(t *testing.T) {
	path := t.TempDir() + "/parts.bleve"
	index, err := NewSearchIndex(path)
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, index.Index(DescriptionEntry{PartID: id, Text: "GROUND ROD 8FT"}))
	require.NoError(t, index.Close())

	reopened, err := NewSearchIndex(path)
	require.NoError(t, err)
	defer reopened.Close()

	hits, err := reopened.Search("ground rod", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, id, hits[0].PartID)
}
