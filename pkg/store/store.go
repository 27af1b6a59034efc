// Package store persists named documents together with an append-only
// history of their prior contents. A version is written exactly once, at the
// moment a save overwrites existing content, and is never mutated afterwards.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the referenced document or version does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrUnavailable indicates the backing store could not serve the request.
	ErrUnavailable = errors.New("store: backend unavailable")
	// ErrInvalidFilename indicates an empty or whitespace-only filename.
	ErrInvalidFilename = errors.New("store: invalid filename")
)

// Document is a named, persisted file with its current content. Documents
// are never deleted.
type Document struct {
	Filename  string    `json:"filename"`
	Content   string    `json:"content"`
	Language  string    `json:"language,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Version is an immutable snapshot of a document's content taken before an
// overwrite. Numbers are scoped per document and start at 1; the global
// version set carries no cross-document ordering.
type Version struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Number    uint64    `json:"number"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// VersionInfo is the listing view of a Version, without its content.
type VersionInfo struct {
	ID        string    `json:"id"`
	Number    uint64    `json:"number"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the persistence gateway consumed by the message router.
type Store interface {
	// Save creates the document when absent. When it already exists the
	// prior content is recorded as a new version in the same atomic step
	// that assigns the version number, then the document is overwritten.
	// An empty language on overwrite inherits the stored one.
	Save(ctx context.Context, filename, content, language string) (Document, error)

	// List returns all filenames in the store's natural order. Backend
	// failures are deliberately swallowed and yield an empty slice so a
	// connected client still receives a response.
	List(ctx context.Context) []string

	// Load returns the current document, or ErrNotFound.
	Load(ctx context.Context, filename string) (Document, error)

	// ListVersions returns every version of the named document, newest
	// first. ErrNotFound when the document is absent.
	ListVersions(ctx context.Context, filename string) ([]VersionInfo, error)

	// LoadVersion returns one version by its identity, or ErrNotFound.
	LoadVersion(ctx context.Context, id string) (Version, error)

	// Close releases the backing resources.
	Close() error
}
