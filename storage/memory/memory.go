// Package memory provides a thread-safe in-memory audit persister.
// Suitable for testing, demos, and single-process use cases where audit
// durability across restarts is not required.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/jmcleod/sessionguard/audit"
	"github.com/jmcleod/sessionguard/storage"
)

type Store struct {
	mu      sync.RWMutex
	entries []audit.Entry
	ids     map[string]uint64
	seqs    map[uint64]string
}

var _ audit.Persister = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		ids:  make(map[string]uint64),
		seqs: make(map[uint64]string),
	}
}

func cloneEntry(e audit.Entry) audit.Entry {
	if e.Details != nil {
		d := make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			d[k] = v
		}
		e.Details = d
	}
	return e
}

func (s *Store) Append(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[e.ID]; ok {
		return nil
	}
	if id, ok := s.seqs[e.Seq]; ok && id != e.ID {
		return storage.ErrSeqConflict
	}
	s.ids[e.ID] = e.Seq
	s.seqs[e.Seq] = e.ID

	s.entries = append(s.entries, cloneEntry(e))
	// Retries can deliver entries out of order; keep the slice sorted by Seq.
	if n := len(s.entries); n > 1 && s.entries[n-2].Seq > e.Seq {
		sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].Seq < s.entries[j].Seq })
	}
	return nil
}

func (s *Store) Query(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Entry
	for _, e := range s.entries {
		if !f.Matches(e) {
			continue
		}
		out = append(out, cloneEntry(e))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Last(context.Context) (*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	e := cloneEntry(s.entries[len(s.entries)-1])
	return &e, nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
