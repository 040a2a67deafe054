package template

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/document"
)

// Store persists vendor templates. Save replaces any previous template for the vendor
// in one step and reports whether one was replaced.
type Store interface {
	Save(ctx context.Context, t *VendorTemplate) (replaced bool, err error)
	Get(ctx context.Context, vendor string) (*VendorTemplate, error)
	List(ctx context.Context) ([]*VendorTemplate, error)
	Delete(ctx context.Context, vendor string) error
}

// Service guards template reads against concurrent retraining. A save holds the write
// lock across the durable write and the cache swap, so readers see either the old or
// the new rule set, never a mix.
type Service struct {
	store  Store
	logger *slog.Logger

	mu         sync.RWMutex
	cache      map[string]*VendorTemplate
	identifier *Identifier
	generation uint64
}

// NewService creates a new template service
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		cache:  make(map[string]*VendorTemplate),
	}
}

// SaveTemplate validates and atomically replaces the vendor's template.
func (s *Service) SaveTemplate(ctx context.Context, t *VendorTemplate) error {
	if err := Validate(t); err != nil {
		s.logger.Warn("rejected template", "vendor", vendorName(t), "error", err)
		return err
	}

	next := t.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	replaced, err := s.store.Save(ctx, next)
	if err != nil {
		return fmt.Errorf("failed to save template for %s: %w", next.Vendor, err)
	}

	s.cache[VendorKey(next.Vendor)] = next
	s.identifier = nil
	s.generation++

	if replaced {
		s.logger.Info("previous template discarded", "vendor", next.Vendor)
	}
	s.logger.Info("template saved",
		"vendor", next.Vendor,
		"summary_rules", len(next.Summary),
		"line_item_rules", len(next.LineItems),
	)
	return nil
}

// GetTemplate returns the active template or ErrTemplateNotFound.
func (s *Service) GetTemplate(ctx context.Context, vendor string) (*VendorTemplate, error) {
	key := VendorKey(vendor)

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another caller may have loaded or replaced it while we waited.
	if cached, ok := s.cache[key]; ok {
		return cached.Clone(), nil
	}

	t, err := s.store.Get(ctx, vendor)
	if err != nil {
		if errors.Is(err, ErrTemplateNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load template for %s: %w", vendor, err)
	}
	s.cache[key] = t
	return t.Clone(), nil
}

// ListTemplates returns every stored template.
func (s *Service) ListTemplates(ctx context.Context) ([]*VendorTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.List(ctx)
}

// DeleteTemplate removes a vendor's template.
func (s *Service) DeleteTemplate(ctx context.Context, vendor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Delete(ctx, vendor); err != nil {
		return err
	}
	delete(s.cache, VendorKey(vendor))
	s.identifier = nil
	s.generation++
	s.logger.Info("template deleted", "vendor", vendor)
	return nil
}

// Identify finds the vendor whose identifier strings occur in the document.
func (s *Service) Identify(ctx context.Context, doc *document.Document) (string, bool, error) {
	s.mu.RLock()
	identifier := s.identifier
	generation := s.generation
	s.mu.RUnlock()

	if identifier == nil {
		templates, err := s.ListTemplates(ctx)
		if err != nil {
			return "", false, fmt.Errorf("failed to list templates: %w", err)
		}
		identifier = NewIdentifier(templates)

		// Only publish if no save or delete happened while we were building.
		s.mu.Lock()
		if s.generation == generation {
			s.identifier = identifier
		}
		s.mu.Unlock()
	}

	vendor, ok := identifier.Identify(doc.Text())
	return vendor, ok, nil
}

func vendorName(t *VendorTemplate) string {
	if t == nil {
		return ""
	}
	return t.Vendor
}
