// Package bbolt provides a BBolt-backed audit persister for single-node
// deployments.
//
// Entries live in one bucket keyed by their big-endian sequence number, so a
// cursor walks them in chain order. A second bucket maps entry IDs to
// sequence numbers for idempotent appends.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/sessionguard/audit"
	"github.com/jmcleod/sessionguard/storage"
)

var (
	entriesBucket = []byte("audit_entries")
	idsBucket     = []byte("audit_ids")
)

type Store struct {
	db *bbolt.DB
}

var _ audit.Persister = (*Store)(nil)

// NewStore returns a Store backed by db, creating its buckets if needed.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(idsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating audit buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (s *Store) Append(_ context.Context, e audit.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(idsBucket)
		entries := tx.Bucket(entriesBucket)
		if ids.Get([]byte(e.ID)) != nil {
			return nil
		}
		key := seqKey(e.Seq)
		if entries.Get(key) != nil {
			return fmt.Errorf("seq %d: %w", e.Seq, storage.ErrSeqConflict)
		}
		if err := entries.Put(key, data); err != nil {
			return err
		}
		return ids.Put([]byte(e.ID), key)
	})
}

func (s *Store) Query(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
	var out []audit.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e audit.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding audit entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if !f.Matches(e) {
				continue
			}
			out = append(out, e)
			if f.Limit > 0 && len(out) == f.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Last(context.Context) (*audit.Entry, error) {
	var last *audit.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, v := tx.Bucket(entriesBucket).Cursor().Last()
		if v == nil {
			return nil
		}
		var e audit.Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("decoding last audit entry: %w", err)
		}
		last = &e
		return nil
	})
	return last, err
}
