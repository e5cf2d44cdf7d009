// Package draft persists suspended form sessions in a bbolt file. Drafts are
// grouped per tenant in nested buckets and stored as JSON documents.
package draft

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var rootBucket = []byte("drafts")

// ErrNotFound is returned for unknown draft ids.
var ErrNotFound = errors.New("draft not found")

// Summary describes a stored draft without decoding it.
type Summary struct {
	ID      string    `json:"id"`
	SavedAt time.Time `json:"saved_at"`
	Size    int       `json:"size"`
}

type record struct {
	SavedAt time.Time       `json:"saved_at"`
	Payload json.RawMessage `json:"payload"`
}

// Store is a bbolt-backed draft store.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens or creates the draft file at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create draft directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open draft store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init draft store: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// bucketName maps a tenant to its bucket; bolt rejects empty names.
func bucketName(tenant string) []byte {
	if tenant == "" {
		return []byte("_")
	}
	return []byte(tenant)
}

// Close releases the file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores v as the draft id of tenant, replacing any previous version.
func (s *Store) Put(tenant, id string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode draft %s: %w", id, err)
	}
	data, err := json.Marshal(record{SavedAt: s.now().UTC(), Payload: payload})
	if err != nil {
		return fmt.Errorf("encode draft %s: %w", id, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(rootBucket).CreateBucketIfNotExists(bucketName(tenant))
		if err != nil {
			return fmt.Errorf("tenant bucket %s: %w", tenant, err)
		}
		return b.Put([]byte(id), data)
	})
}

// Get decodes the draft id of tenant into v.
func (s *Store) Get(tenant, id string, v interface{}) error {
	var rec record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket).Bucket(bucketName(tenant))
		if b == nil {
			return ErrNotFound
		}
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		// data is only valid inside the transaction.
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return fmt.Errorf("draft %s: %w", id, err)
	}
	if err := json.Unmarshal(rec.Payload, v); err != nil {
		return fmt.Errorf("decode draft %s: %w", id, err)
	}
	return nil
}

// Delete removes a draft. Deleting an unknown draft is not an error.
func (s *Store) Delete(tenant, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket).Bucket(bucketName(tenant))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
}

// List returns the drafts of tenant, most recently saved first.
func (s *Store) List(tenant string) ([]Summary, error) {
	var out []Summary
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket).Bucket(bucketName(tenant))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode draft %s: %w", k, err)
			}
			out = append(out, Summary{ID: string(k), SavedAt: rec.SavedAt, Size: len(rec.Payload)})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })
	return out, nil
}

// Prune deletes drafts of every tenant saved before cutoff and returns how
// many were removed.
func (s *Store) Prune(cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		return root.ForEachBucket(func(tenant []byte) error {
			b := root.Bucket(tenant)
			var stale [][]byte
			if err := b.ForEach(func(k, v []byte) error {
				var rec record
				if err := json.Unmarshal(v, &rec); err != nil || rec.SavedAt.Before(cutoff) {
					stale = append(stale, append([]byte(nil), k...))
				}
				return nil
			}); err != nil {
				return err
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
				removed++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("prune drafts: %w", err)
	}
	return removed, nil
}
