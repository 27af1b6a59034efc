package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDocuments = []byte("documents")
	bucketVersions  = []byte("versions")
	bucketVersionID = []byte("version_index")
)

// versionKey locates a version inside its per-document bucket; the global
// index maps a version ID to one of these.
type versionKey struct {
	Filename string `json:"filename"`
	Number   uint64 `json:"number"`
}

// BoltStore persists documents and versions in a single bbolt file. Version
// numbers come from the per-document bucket sequence, so count-and-append
// happens inside one read-write transaction and concurrent saves to the same
// filename cannot produce duplicates.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens (or creates) the store file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDocuments, bucketVersions, bucketVersionID} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: init buckets: %v", ErrUnavailable, err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// Save implements Store.
func (s *BoltStore) Save(ctx context.Context, filename, content, language string) (Document, error) {
	if strings.TrimSpace(filename) == "" {
		return Document{}, ErrInvalidFilename
	}

	var doc Document
	err := s.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketDocuments)
		now := s.now().UTC()

		if raw := docs.Get([]byte(filename)); raw != nil {
			var prev Document
			if err := json.Unmarshal(raw, &prev); err != nil {
				return fmt.Errorf("decode document %q: %w", filename, err)
			}
			if err := s.appendVersion(tx, prev, now); err != nil {
				return err
			}
			if language == "" {
				language = prev.Language
			}
		}

		doc = Document{Filename: filename, Content: content, Language: language, UpdatedAt: now}
		raw, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return docs.Put([]byte(filename), raw)
	})
	if err != nil {
		return Document{}, fmt.Errorf("%w: save %q: %v", ErrUnavailable, filename, err)
	}
	return doc, nil
}

func (s *BoltStore) appendVersion(tx *bolt.Tx, prev Document, now time.Time) error {
	hist, err := tx.Bucket(bucketVersions).CreateBucketIfNotExists([]byte(prev.Filename))
	if err != nil {
		return err
	}
	num, err := hist.NextSequence()
	if err != nil {
		return err
	}
	v := Version{
		ID:        uuid.NewString(),
		Filename:  prev.Filename,
		Number:    num,
		Content:   prev.Content,
		CreatedAt: now,
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := hist.Put(u64key(num), raw); err != nil {
		return err
	}
	key, err := json.Marshal(versionKey{Filename: v.Filename, Number: v.Number})
	if err != nil {
		return err
	}
	return tx.Bucket(bucketVersionID).Put([]byte(v.ID), key)
}

// List implements Store. Backend failures are swallowed into an empty
// slice; the result is never nil so an empty listing still serializes as
// an explicit empty array.
func (s *BoltStore) List(ctx context.Context) []string {
	names := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return []string{}
	}
	return names
}

// Load implements Store.
func (s *BoltStore) Load(ctx context.Context, filename string) (Document, error) {
	var doc Document
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketDocuments).Get([]byte(filename))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &doc)
	})
	if err != nil {
		return Document{}, loadErr(err, "load", filename)
	}
	return doc, nil
}

// ListVersions implements Store.
func (s *BoltStore) ListVersions(ctx context.Context, filename string) ([]VersionInfo, error) {
	var infos []VersionInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketDocuments).Get([]byte(filename)) == nil {
			return ErrNotFound
		}
		hist := tx.Bucket(bucketVersions).Bucket([]byte(filename))
		if hist == nil {
			return nil
		}
		// Keys are big-endian numbers; a reverse cursor walk yields
		// newest first.
		c := hist.Cursor()
		for k, raw := c.Last(); k != nil; k, raw = c.Prev() {
			var v Version
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			infos = append(infos, VersionInfo{ID: v.ID, Number: v.Number, CreatedAt: v.CreatedAt})
		}
		return nil
	})
	if err != nil {
		return nil, loadErr(err, "list versions", filename)
	}
	return infos, nil
}

// LoadVersion implements Store.
func (s *BoltStore) LoadVersion(ctx context.Context, id string) (Version, error) {
	var v Version
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketVersionID).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var key versionKey
		if err := json.Unmarshal(raw, &key); err != nil {
			return err
		}
		hist := tx.Bucket(bucketVersions).Bucket([]byte(key.Filename))
		if hist == nil {
			return ErrNotFound
		}
		body := hist.Get(u64key(key.Number))
		if body == nil {
			return ErrNotFound
		}
		return json.Unmarshal(body, &v)
	})
	if err != nil {
		return Version{}, loadErr(err, "load version", id)
	}
	return v, nil
}

// Close implements Store.
func (s *BoltStore) Close() error { return s.db.Close() }

func u64key(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

func loadErr(err error, op, subject string) error {
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %s %q: %v", ErrUnavailable, op, subject, err)
}
