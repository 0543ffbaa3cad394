package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jmcleod/sessionguard/clock"
	"github.com/jmcleod/sessionguard/internal/uuid"
)

const (
	defaultMaxEntries    = 10000
	defaultRetention     = 24 * time.Hour
	defaultFlushInterval = 5 * time.Second

	// alertQueueSize is the bounded channel capacity for outbound alerts.
	alertQueueSize = 256
	persistTimeout = 5 * time.Second
	alertTimeout   = 10 * time.Second
)

var ErrNoPersister = errors.New("audit: persister is required")

type bufferedEntry struct {
	entry     Entry
	persisted bool
	attempted bool
}

// Trail is the append-only audit log. Log never blocks on I/O: entries are
// buffered in memory and written to the Persister by a background worker,
// and HIGH/CRITICAL entries are handed to the Alerter by a second worker.
//
// The buffer is bounded. Once it exceeds maxEntries, entries that are both
// persisted and older than the retention window are evicted. If persistence
// keeps failing and the buffer reaches twice maxEntries, the oldest entries
// whose write has been attempted at least once are dropped with an error log.
type Trail struct {
	persister  Persister
	alerter    Alerter
	checkpoint Checkpoint
	keys       *Keys
	clock      clock.Clock
	logger     *slog.Logger
	observers  []func(Entry)

	maxEntries    int
	retention     time.Duration
	flushInterval time.Duration

	mu       sync.Mutex
	buf      []*bufferedEntry
	seq      uint64
	lastHash string
	closed   bool

	flushMu sync.Mutex
	wake    chan struct{}
	alerts  chan Entry
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type Option func(*Trail)

func WithClock(c clock.Clock) Option {
	return func(t *Trail) { t.clock = c }
}

func WithAlerter(a Alerter) Option {
	return func(t *Trail) { t.alerter = a }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Trail) { t.logger = l }
}

// WithMaxEntries bounds the in-memory buffer. Values below 1 are ignored.
func WithMaxEntries(n int) Option {
	return func(t *Trail) {
		if n > 0 {
			t.maxEntries = n
		}
	}
}

// WithRetention sets how long persisted entries stay in memory once the
// buffer is over its bound.
func WithRetention(d time.Duration) Option {
	return func(t *Trail) {
		if d > 0 {
			t.retention = d
		}
	}
}

// WithFlushInterval sets how often the worker retries unpersisted entries.
func WithFlushInterval(d time.Duration) Option {
	return func(t *Trail) {
		if d > 0 {
			t.flushInterval = d
		}
	}
}

// WithObserver registers fn to be called synchronously after every Log,
// outside the trail's lock. Observers may call Log.
func WithObserver(fn func(Entry)) Option {
	return func(t *Trail) { t.observers = append(t.observers, fn) }
}

// WithCheckpoint makes NewTrail refuse a store that is behind cp and makes
// every flush advance cp to the newest persisted entry.
func WithCheckpoint(cp Checkpoint) Option {
	return func(t *Trail) { t.checkpoint = cp }
}

// NewTrail creates a trail that continues the chain stored in p. The caller
// must Close it to stop the workers and flush.
func NewTrail(ctx context.Context, p Persister, keys *Keys, opts ...Option) (*Trail, error) {
	if p == nil {
		return nil, ErrNoPersister
	}
	if keys == nil {
		return nil, ErrMissingKey
	}
	t := &Trail{
		persister:     p,
		keys:          keys,
		clock:         clock.Real{},
		logger:        slog.Default(),
		maxEntries:    defaultMaxEntries,
		retention:     defaultRetention,
		flushInterval: defaultFlushInterval,
		lastHash:      GenesisHash,
		wake:          make(chan struct{}, 1),
		alerts:        make(chan Entry, alertQueueSize),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "audit")

	last, err := p.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading audit chain head: %w", err)
	}
	if t.checkpoint != nil {
		head, err := t.checkpoint.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading audit checkpoint: %w", err)
		}
		if err := checkHead(last, head); err != nil {
			return nil, err
		}
	}
	if last != nil {
		t.seq = last.Seq
		t.lastHash = last.Hash
	}

	t.wg.Add(1)
	go t.persistLoop()
	if t.alerter != nil {
		t.wg.Add(1)
		go t.alertLoop()
	}
	return t, nil
}

// Log records ev and returns the stored entry. It never fails: hashing,
// persistence and alerting problems are logged, not returned, so a logging
// outage cannot block the security action that produced the event.
func (t *Trail) Log(ctx context.Context, ev Event) Entry {
	outcome := ev.Outcome
	if outcome == "" {
		outcome = OutcomeSuccess
	}

	t.mu.Lock()
	e := Entry{
		ID:         uuid.New(),
		Seq:        t.seq + 1,
		Timestamp:  t.clock.Now().UTC().Truncate(time.Microsecond),
		EventType:  ev.Type,
		SubjectID:  ev.SubjectID,
		ResourceID: ev.ResourceID,
		Outcome:    outcome,
		RiskLevel:  Classify(ev.Type, outcome),
		Details:    sanitizeDetails(ev.Details),
		PrevHash:   t.lastHash,
	}
	h, err := t.keys.hashEntry(e)
	if err != nil {
		t.logger.Error("hashing audit entry failed", "entry_id", e.ID, "error", err)
	}
	e.Hash = h
	t.seq = e.Seq
	t.lastHash = e.Hash
	t.buf = append(t.buf, &bufferedEntry{entry: e})

	if !t.closed {
		select {
		case t.wake <- struct{}{}:
		default:
		}
		if t.alerter != nil && Alertable(e.RiskLevel) {
			select {
			case t.alerts <- e.clone():
			default:
				t.logger.Warn("alert queue full, dropping alert", "entry_id", e.ID, "event_type", e.EventType)
			}
		}
	}
	if len(t.buf) > 2*t.maxEntries {
		t.evictOverCapLocked()
	}
	t.mu.Unlock()

	t.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("event", string(e.EventType)),
		slog.String("entry_id", e.ID),
		slog.Uint64("seq", e.Seq),
		slog.String("subject_id", e.SubjectID),
		slog.String("outcome", string(e.Outcome)),
		slog.String("risk", string(e.RiskLevel)),
	)
	for _, fn := range t.observers {
		fn(e.clone())
	}
	return e.clone()
}

// Flush writes every unpersisted buffered entry in sequence order, stopping
// at the first failure, then applies the eviction policy.
func (t *Trail) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	var pending []*bufferedEntry
	for _, b := range t.buf {
		if !b.persisted {
			pending = append(pending, b)
		}
	}
	t.mu.Unlock()

	var flushErr error
	var head Head
	for _, b := range pending {
		pctx, cancel := context.WithTimeout(ctx, persistTimeout)
		err := t.persister.Append(pctx, b.entry.clone())
		cancel()

		t.mu.Lock()
		b.attempted = true
		if err == nil {
			b.persisted = true
		}
		t.mu.Unlock()

		if err != nil {
			t.logger.Warn("persisting audit entry failed", "entry_id", b.entry.ID, "seq", b.entry.Seq, "error", err)
			flushErr = fmt.Errorf("persisting audit entry %s: %w", b.entry.ID, err)
			break
		}
		head = Head{Seq: b.entry.Seq, Hash: b.entry.Hash}
	}
	if t.checkpoint != nil && head.Seq > 0 {
		if err := t.checkpoint.Advance(ctx, head); err != nil {
			t.logger.Error("advancing audit checkpoint failed", "seq", head.Seq, "error", err)
		}
	}

	t.mu.Lock()
	t.evictLocked(t.clock.Now())
	t.mu.Unlock()
	return flushErr
}

func (t *Trail) evictLocked(now time.Time) {
	if len(t.buf) > t.maxEntries {
		cutoff := now.Add(-t.retention)
		keep := make([]*bufferedEntry, 0, len(t.buf))
		for _, b := range t.buf {
			if b.persisted && b.entry.Timestamp.Before(cutoff) {
				continue
			}
			keep = append(keep, b)
		}
		t.buf = keep
	}
	if len(t.buf) > 2*t.maxEntries {
		t.evictOverCapLocked()
	}
}

// evictOverCapLocked drops the oldest entries until the buffer is back at
// the hard cap, but never an entry that has not had a write attempt.
func (t *Trail) evictOverCapLocked() {
	limit := 2 * t.maxEntries
	n := 0
	for len(t.buf)-n > limit && t.buf[n].attempted {
		n++
	}
	if n == 0 {
		return
	}
	lost := 0
	for _, b := range t.buf[:n] {
		if !b.persisted {
			lost++
		}
	}
	if lost > 0 {
		t.logger.Error("audit buffer over hard cap, evicting unpersisted entries",
			"count", lost, "oldest_seq", t.buf[0].entry.Seq)
	}
	t.buf = append([]*bufferedEntry(nil), t.buf[n:]...)
}

func (t *Trail) persistLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-t.wake:
		case <-ticker.C:
		}
		_ = t.Flush(context.Background())
	}
}

func (t *Trail) alertLoop() {
	defer t.wg.Done()
	for e := range t.alerts {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		if err := t.alerter.Notify(ctx, e); err != nil {
			t.logger.Warn("alert delivery failed", "entry_id", e.ID, "event_type", e.EventType, "error", err)
		}
		cancel()
	}
}

// Close stops the workers, waits for queued alerts to drain and makes a
// final flush attempt.
func (t *Trail) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.stopCh)
	close(t.alerts)
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return t.Flush(ctx)
}

// Buffered returns the in-memory entries matching f, ordered by Seq.
func (t *Trail) Buffered(f Filter) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Entry
	for _, b := range t.buf {
		if f.Matches(b.entry) {
			out = append(out, b.entry.clone())
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
	}
	return out
}

// Len returns the number of buffered entries.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}

// Unpersisted returns how many buffered entries have not reached durable
// storage yet.
func (t *Trail) Unpersisted() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.buf {
		if !b.persisted {
			n++
		}
	}
	return n
}

// Query merges durable and buffered entries matching f, without duplicates,
// ordered by Seq.
func (t *Trail) Query(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	f.Limit = 0
	durable, err := t.persister.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("querying durable audit store: %w", err)
	}
	seen := make(map[string]struct{}, len(durable))
	out := make([]Entry, 0, len(durable))
	for _, e := range durable {
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	for _, e := range t.Buffered(f) {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
