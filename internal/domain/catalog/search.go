package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/google/uuid"
)

// searchDocument is one Part description in the index.
type searchDocument struct {
	PartID      string `json:"part_id"`
	Description string `json:"description"`
}

// SearchHit is a Part whose description matched the query.
type SearchHit struct {
	PartID uuid.UUID
	Score  float64
}

// SearchIndex narrows fuzzy scoring to Parts whose descriptions share terms with the
// item, so resolution does not score every description in a large catalog.
type SearchIndex struct {
	index   bleve.Index
	indexMu sync.RWMutex
	path    string // empty for in-memory
}

// NewSearchIndex opens or creates an index at path, or an in-memory one when path is
// empty.
func NewSearchIndex(path string) (*SearchIndex, error) {
	si := &SearchIndex{path: path}

	var index bleve.Index
	var err error

	indexMapping := buildIndexMapping()

	if path == "" {
		index, err = bleve.NewMemOnly(indexMapping)
	} else if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		if mkdirErr := os.MkdirAll(filepath.Dir(path), 0o755); mkdirErr != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", mkdirErr)
		}
		index, err = bleve.New(path, indexMapping)
	} else {
		index, err = bleve.Open(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open index: %w", err)
	}

	si.index = index
	return si, nil
}

func buildIndexMapping() mapping.IndexMapping {
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name

	keywordFieldMapping := bleve.NewTextFieldMapping()
	keywordFieldMapping.Analyzer = keyword.Name

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("part_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("description", textFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = standard.Name
	return indexMapping
}

// IndexEntries adds descriptions in one batch.
func (si *SearchIndex) IndexEntries(entries []DescriptionEntry) error {
	si.indexMu.Lock()
	defer si.indexMu.Unlock()

	batch := si.index.NewBatch()
	for _, e := range entries {
		if normalizeText(e.Text) == "" {
			continue
		}
		doc := searchDocument{PartID: e.PartID.String(), Description: e.Text}
		if err := batch.Index(docID(e), doc); err != nil {
			return fmt.Errorf("failed to index part %s: %w", e.PartID, err)
		}
	}
	if err := si.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch index: %w", err)
	}
	return nil
}

// Index adds one description.
func (si *SearchIndex) Index(e DescriptionEntry) error {
	return si.IndexEntries([]DescriptionEntry{e})
}

// Reset drops every document, used before reindexing after a merge.
func (si *SearchIndex) Reset(entries []DescriptionEntry) error {
	si.indexMu.Lock()
	searchRequest := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	searchRequest.Size = 10000

	for {
		res, err := si.index.Search(searchRequest)
		if err != nil {
			si.indexMu.Unlock()
			return fmt.Errorf("failed to list documents: %w", err)
		}
		if len(res.Hits) == 0 {
			break
		}
		batch := si.index.NewBatch()
		for _, hit := range res.Hits {
			batch.Delete(hit.ID)
		}
		if err := si.index.Batch(batch); err != nil {
			si.indexMu.Unlock()
			return fmt.Errorf("failed to delete documents: %w", err)
		}
	}
	si.indexMu.Unlock()

	return si.IndexEntries(entries)
}

// Search returns Parts whose descriptions share (possibly misspelled) terms with text,
// one hit per Part.
func (si *SearchIndex) Search(text string, limit int) ([]SearchHit, error) {
	si.indexMu.RLock()
	defer si.indexMu.RUnlock()

	if limit <= 0 {
		limit = 10
	}

	matchQuery := bleve.NewMatchQuery(text)
	matchQuery.SetField("description")
	matchQuery.SetFuzziness(1)

	searchRequest := bleve.NewSearchRequest(matchQuery)
	// Several descriptions may belong to one Part; over-fetch before de-duplicating.
	searchRequest.Size = limit * 4
	searchRequest.Fields = []string{"part_id"}

	res, err := si.index.Search(searchRequest)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	seen := make(map[uuid.UUID]bool)
	hits := make([]SearchHit, 0, limit)
	for _, hit := range res.Hits {
		raw, _ := hit.Fields["part_id"].(string)
		id, err := uuid.Parse(raw)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		hits = append(hits, SearchHit{PartID: id, Score: hit.Score})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

// DocCount returns the number of indexed descriptions
func (si *SearchIndex) DocCount() (uint64, error) {
	si.indexMu.RLock()
	defer si.indexMu.RUnlock()
	return si.index.DocCount()
}

// Close closes the index
func (si *SearchIndex) Close() error {
	si.indexMu.Lock()
	defer si.indexMu.Unlock()
	if si.index != nil {
		return si.index.Close()
	}
	return nil
}

func docID(e DescriptionEntry) string {
	return e.PartID.String() + "|" + normalizeText(e.Text)
}
