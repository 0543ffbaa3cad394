package session

import (
	"container/heap"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrDuplicateID = errors.New("session: id already exists")

// deadlineHeap orders sessions by their earliest deadline.
type deadlineHeap []*Session

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline().Before(h[j].deadline()) }

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	s := x.(*Session)
	s.index = len(*h)
	*h = append(*h, s)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	s.index = -1
	*h = old[:n-1]
	return s
}

// Store is the registry of live sessions: a map by token, an index by
// subject, and a min-heap by deadline so expiry scans touch only due
// entries. It hands out copies; no caller holds a pointer to a record.
type Store struct {
	mu        sync.RWMutex
	byID      map[string]*Session
	bySubject map[string]map[string]struct{}
	deadlines deadlineHeap
}

func NewStore() *Store {
	return &Store{
		byID:      make(map[string]*Session),
		bySubject: make(map[string]map[string]struct{}),
	}
}

func (s *Store) Insert(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[sess.ID]; ok {
		return ErrDuplicateID
	}
	rec := sess
	s.byID[rec.ID] = &rec
	ids, ok := s.bySubject[rec.SubjectID]
	if !ok {
		ids = make(map[string]struct{})
		s.bySubject[rec.SubjectID] = ids
	}
	ids[rec.ID] = struct{}{}
	heap.Push(&s.deadlines, &rec)
	return nil
}

func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return Session{}, false
	}
	return *rec, true
}

// Update applies fn to the stored record and returns the result. ID and
// SubjectID changes made by fn are discarded.
func (s *Store) Update(id string, fn func(*Session)) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return Session{}, false
	}
	subject, index := rec.SubjectID, rec.index
	fn(rec)
	rec.ID, rec.SubjectID, rec.index = id, subject, index
	heap.Fix(&s.deadlines, rec.index)
	return *rec, true
}

// Remove deletes the record and returns it marked inactive.
func (s *Store) Remove(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return Session{}, false
	}
	delete(s.byID, id)
	if ids := s.bySubject[rec.SubjectID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.bySubject, rec.SubjectID)
		}
	}
	heap.Remove(&s.deadlines, rec.index)
	out := *rec
	out.Active = false
	return out, true
}

// BySubject returns the subject's sessions, oldest first.
func (s *Store) BySubject(subjectID string) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.bySubject[subjectID]
	out := make([]Session, 0, len(ids))
	for id := range ids {
		out = append(out, *s.byID[id])
	}
	sortByCreation(out)
	return out
}

// Snapshot returns every session, oldest first.
func (s *Store) Snapshot() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.byID))
	for _, rec := range s.byID {
		out = append(out, *rec)
	}
	sortByCreation(out)
	return out
}

func sortByCreation(ss []Session) {
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].CreatedAt.Equal(ss[j].CreatedAt) {
			return ss[i].Ref < ss[j].Ref
		}
		return ss[i].CreatedAt.Before(ss[j].CreatedAt)
	})
}

// Due returns the IDs of sessions whose deadline is strictly before now,
// earliest first. Only the due prefix of the heap is visited.
func (s *Store) Due(now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*Session
	stack := []int{0}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if i >= len(s.deadlines) {
			continue
		}
		rec := s.deadlines[i]
		if !now.After(rec.deadline()) {
			continue
		}
		due = append(due, rec)
		stack = append(stack, 2*i+1, 2*i+2)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline().Before(due[j].deadline()) })
	ids := make([]string, len(due))
	for i, rec := range due {
		ids[i] = rec.ID
	}
	return ids
}

// NextDeadline returns the earliest deadline in the store.
func (s *Store) NextDeadline() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.deadlines) == 0 {
		return time.Time{}, false
	}
	return s.deadlines[0].deadline(), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
