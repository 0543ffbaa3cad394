package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrRollbackDetected is returned when the durable store holds fewer entries
// than a previous run recorded, or a different entry at the recorded head.
var ErrRollbackDetected = errors.New("audit: rollback detected: store is behind the recorded chain head")

// Head identifies the newest entry known to be durable.
type Head struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// Checkpoint remembers the highest chain head ever persisted, kept apart from
// the Persister so that truncating or restoring an old copy of the audit
// store is noticed on the next start.
type Checkpoint interface {
	Load(ctx context.Context) (Head, error)
	// Advance records h. It fails with ErrRollbackDetected when h.Seq is
	// lower than the stored head; an equal Seq is a no-op.
	Advance(ctx context.Context, h Head) error
}

// MemoryCheckpoint is an in-process Checkpoint for tests.
type MemoryCheckpoint struct {
	mu   sync.Mutex
	head Head
}

func NewMemoryCheckpoint() *MemoryCheckpoint {
	return &MemoryCheckpoint{}
}

func (c *MemoryCheckpoint) Load(context.Context) (Head, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *MemoryCheckpoint) Advance(_ context.Context, h Head) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.Seq < c.head.Seq {
		return ErrRollbackDetected
	}
	if h.Seq > c.head.Seq {
		c.head = h
	}
	return nil
}

// checkHead compares the store's newest entry with the checkpoint.
func checkHead(last *Entry, cp Head) error {
	if cp.Seq == 0 {
		return nil
	}
	var seq uint64
	if last != nil {
		seq = last.Seq
	}
	if seq < cp.Seq {
		return fmt.Errorf("%w: store ends at seq %d, checkpoint at seq %d", ErrRollbackDetected, seq, cp.Seq)
	}
	if seq == cp.Seq && cp.Hash != "" && last.Hash != cp.Hash {
		return fmt.Errorf("%w: entry %d does not match the checkpoint hash", ErrRollbackDetected, seq)
	}
	return nil
}
