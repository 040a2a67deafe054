package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/template"
)

var _ template.Store = (*TemplateStore)(nil)

// TemplateStore keeps vendor templates in a map keyed by template.VendorKey.
type TemplateStore struct {
	mu        sync.RWMutex
	templates map[string]template.VendorTemplate
}

func NewTemplateStore() *TemplateStore {
	return &TemplateStore{templates: make(map[string]template.VendorTemplate)}
}

func (s *TemplateStore) Save(_ context.Context, t *template.VendorTemplate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := template.VendorKey(t.Vendor)
	_, replaced := s.templates[k]
	s.templates[k] = *t
	return replaced, nil
}

func (s *TemplateStore) Get(_ context.Context, vendor string) (*template.VendorTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[template.VendorKey(vendor)]
	if !ok {
		return nil, template.ErrTemplateNotFound
	}
	return &t, nil
}

func (s *TemplateStore) List(_ context.Context) ([]*template.VendorTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*template.VendorTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Vendor < out[j].Vendor })
	return out, nil
}

func (s *TemplateStore) Delete(_ context.Context, vendor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := template.VendorKey(vendor)
	if _, ok := s.templates[k]; !ok {
		return template.ErrTemplateNotFound
	}
	delete(s.templates, k)
	return nil
}
