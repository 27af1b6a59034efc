package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store used by tests and Redis-less development
// setups. The mutex makes the count-and-append versioning step atomic, so
// concurrent saves to one filename can never assign duplicate numbers.
type MemStore struct {
	mu    sync.RWMutex
	docs  map[string]Document
	hist  map[string][]Version
	byID  map[string]Version
	order []string
	now   func() time.Time
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		docs: make(map[string]Document),
		hist: make(map[string][]Version),
		byID: make(map[string]Version),
		now:  time.Now,
	}
}

// Save implements Store.
func (m *MemStore) Save(ctx context.Context, filename, content, language string) (Document, error) {
	if strings.TrimSpace(filename) == "" {
		return Document{}, ErrInvalidFilename
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	prev, exists := m.docs[filename]
	if exists {
		v := Version{
			ID:        uuid.NewString(),
			Filename:  filename,
			Number:    uint64(len(m.hist[filename])) + 1,
			Content:   prev.Content,
			CreatedAt: now,
		}
		m.hist[filename] = append(m.hist[filename], v)
		m.byID[v.ID] = v
		if language == "" {
			language = prev.Language
		}
	} else {
		m.order = append(m.order, filename)
	}

	doc := Document{Filename: filename, Content: content, Language: language, UpdatedAt: now}
	m.docs[filename] = doc
	return doc, nil
}

// List implements Store. A MemStore cannot fail, so the fail-open contract
// is trivially satisfied.
func (m *MemStore) List(ctx context.Context) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Load implements Store.
func (m *MemStore) Load(ctx context.Context, filename string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[filename]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

// ListVersions implements Store.
func (m *MemStore) ListVersions(ctx context.Context, filename string) ([]VersionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.docs[filename]; !ok {
		return nil, ErrNotFound
	}
	hist := m.hist[filename]
	infos := make([]VersionInfo, 0, len(hist))
	for _, v := range hist {
		infos = append(infos, VersionInfo{ID: v.ID, Number: v.Number, CreatedAt: v.CreatedAt})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Number > infos[j].Number })
	return infos, nil
}

// LoadVersion implements Store.
func (m *MemStore) LoadVersion(ctx context.Context, id string) (Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.byID[id]
	if !ok {
		return Version{}, ErrNotFound
	}
	return v, nil
}

// Close implements Store.
func (m *MemStore) Close() error { return nil }
