package bbolt

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/sessionguard/audit"
)

var (
	checkpointBucket = []byte("audit_checkpoint")
	checkpointSeq    = []byte("seq")
	checkpointHash   = []byte("hash")
)

// Checkpoint persists the audit chain head in its own BBolt database. Keep
// that file away from the audit store: a checkpoint restored together with
// the store cannot notice the rollback.
//
// Reads are served from memory; writes go through to disk first.
type Checkpoint struct {
	db   *bbolt.DB
	mu   sync.RWMutex
	head audit.Head
}

var _ audit.Checkpoint = (*Checkpoint)(nil)

func NewCheckpoint(db *bbolt.DB) (*Checkpoint, error) {
	c := &Checkpoint{db: db}
	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(checkpointBucket)
		if err != nil {
			return err
		}
		if v := b.Get(checkpointSeq); len(v) == 8 {
			c.head.Seq = binary.BigEndian.Uint64(v)
			c.head.Hash = string(b.Get(checkpointHash))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading audit checkpoint: %w", err)
	}
	return c, nil
}

// NewCheckpointFromFile opens the BBolt database at path.
func NewCheckpointFromFile(path string, options *bbolt.Options) (*Checkpoint, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint db: %w", err)
	}
	c, err := NewCheckpoint(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Checkpoint) Close() error {
	return c.db.Close()
}

func (c *Checkpoint) Load(context.Context) (audit.Head, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head, nil
}

func (c *Checkpoint) Advance(_ context.Context, h audit.Head) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.Seq < c.head.Seq {
		return audit.ErrRollbackDetected
	}
	if h.Seq == c.head.Seq {
		return nil
	}
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		if err := b.Put(checkpointSeq, seqKey(h.Seq)); err != nil {
			return err
		}
		return b.Put(checkpointHash, []byte(h.Hash))
	})
	if err != nil {
		return fmt.Errorf("persisting audit checkpoint: %w", err)
	}
	c.head = h
	return nil
}
