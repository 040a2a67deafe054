// Package storage archives the source documents invoices were extracted from, keyed by
// the document's content hash so re-processing a file archives it once.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// ErrFileNotFound is returned for unknown archive ids.
var ErrFileNotFound = errors.New("archived file not found")

var archiveNamespace = uuid.MustParse("2c6b8f0e-91d4-4e7a-b3f5-7a0d9c1e4b28")

// FileID derives the archive id of a document from its content hash.
func FileID(sourceHash string) uuid.UUID {
	return uuid.NewSHA1(archiveNamespace, []byte(sourceHash))
}

// FileInfo contains metadata about an archived document
type FileInfo struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	SourceHash  string    `json:"source_hash"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	Path        string    `json:"path"` // Internal storage path
	CreatedAt   time.Time `json:"created_at"`
}

// Storage defines the archive operations
type Storage interface {
	// Upload stores a document and returns its metadata. Uploading the same hash again
	// replaces the previous copy.
	Upload(ctx context.Context, sourceHash, filename, contentType string, r io.Reader) (*FileInfo, error)

	// Download retrieves a document by its ID
	Download(ctx context.Context, fileID uuid.UUID) (io.ReadCloser, *FileInfo, error)

	// Delete removes a document by its ID
	Delete(ctx context.Context, fileID uuid.UUID) error

	// List returns every archived document
	List(ctx context.Context) ([]*FileInfo, error)

	// GetInfo returns metadata for a document without opening it
	GetInfo(ctx context.Context, fileID uuid.UUID) (*FileInfo, error)
}

// StorageType identifies the storage backend
type StorageType string

const (
	StorageTypeLocal StorageType = "local"
)

// Config holds storage configuration
type Config struct {
	Type      StorageType
	LocalPath string
}

// New creates a new Storage implementation based on configuration
func New(cfg *Config) (Storage, error) {
	switch cfg.Type {
	case StorageTypeLocal, "":
		return NewLocalStorage(cfg.LocalPath)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
}
