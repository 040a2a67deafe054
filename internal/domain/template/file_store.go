package template

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var _ Store = (*FileStore)(nil)

// FileStore keeps one YAML file per vendor, so templates can be reviewed and
// versioned alongside the sample invoices they were trained on.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create template directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes the template to a temp file and renames it over the previous one.
func (s *FileStore) Save(ctx context.Context, t *VendorTemplate) (bool, error) {
	data, err := yaml.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("failed to encode template: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(t.Vendor)
	_, statErr := os.Stat(path)
	replaced := statErr == nil

	tmp, err := os.CreateTemp(s.dir, ".template-*.yaml")
	if err != nil {
		return false, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return false, fmt.Errorf("failed to write template: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return false, fmt.Errorf("failed to close template: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return false, fmt.Errorf("failed to swap template: %w", err)
	}
	return replaced, nil
}

// Get reads the vendor's YAML file.
func (s *FileStore) Get(ctx context.Context, vendor string) (*VendorTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(s.path(vendor), vendor)
}

// List reads every template file in the directory.
func (s *FileStore) List(ctx context.Context) ([]*VendorTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(s.dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	templates := make([]*VendorTemplate, 0, len(paths))
	for _, p := range paths {
		t, err := s.read(p, filepath.Base(p))
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, nil
}

// Delete removes the vendor's file.
func (s *FileStore) Delete(ctx context.Context, vendor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(vendor)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrTemplateNotFound, vendor)
		}
		return fmt.Errorf("failed to delete template: %w", err)
	}
	return nil
}

func (s *FileStore) read(path, vendor string) (*VendorTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, vendor)
		}
		return nil, fmt.Errorf("failed to read template: %w", err)
	}

	var t VendorTemplate
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode template %s: %w", path, err)
	}
	return &t, nil
}

func (s *FileStore) path(vendor string) string {
	return filepath.Join(s.dir, fileName(vendor)+".yaml")
}

// fileName maps a vendor to a safe file name.
func fileName(vendor string) string {
	key := VendorKey(vendor)
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
