package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/sessionguard/clock"
)

// fakePersister is an in-memory Persister whose Append can be made to fail.
type fakePersister struct {
	mu      sync.Mutex
	entries []Entry
	ids     map[string]bool
	fail    bool
}

func newFakePersister() *fakePersister {
	return &fakePersister{ids: make(map[string]bool)}
}

func (p *fakePersister) setFail(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = v
}

func (p *fakePersister) Append(_ context.Context, e Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("store unavailable")
	}
	if p.ids[e.ID] {
		return nil
	}
	p.ids[e.ID] = true
	p.entries = append(p.entries, e)
	return nil
}

func (p *fakePersister) Query(_ context.Context, f Filter) ([]Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Entry
	for _, e := range p.entries {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (p *fakePersister) Last(context.Context) (*Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) == 0 {
		return nil, nil
	}
	e := p.entries[len(p.entries)-1]
	return &e, nil
}

func (p *fakePersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var trailStart = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestTrail(t *testing.T, p Persister, opts ...Option) (*Trail, *clock.Fake) {
	t.Helper()
	c := clock.NewFake(trailStart)
	keys, err := DeriveKeys(testMasterKey())
	require.NoError(t, err)
	base := []Option{WithClock(c), WithLogger(quietLogger()), WithFlushInterval(time.Hour)}
	tr, err := NewTrail(context.Background(), p, keys, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr, c
}

func TestNewTrailRequiresDependencies(t *testing.T) {
	keys, err := DeriveKeys(testMasterKey())
	require.NoError(t, err)

	_, err = NewTrail(context.Background(), nil, keys)
	assert.ErrorIs(t, err, ErrNoPersister)

	_, err = NewTrail(context.Background(), newFakePersister(), nil)
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestLogStampsAndClassifies(t *testing.T) {
	tr, _ := newTestTrail(t, newFakePersister())

	e := tr.Log(context.Background(), Event{
		Type:      EventLoginFailure,
		SubjectID: "alice",
		Outcome:   OutcomeFailure,
		Details:   map[string]string{"reason": "bad_password", "password": "x"},
	})

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, uint64(1), e.Seq)
	assert.Equal(t, trailStart, e.Timestamp)
	assert.Equal(t, RiskHigh, e.RiskLevel)
	assert.Equal(t, OutcomeFailure, e.Outcome)
	assert.Equal(t, GenesisHash, e.PrevHash)
	assert.Len(t, e.Hash, 64)
	assert.Equal(t, redacted, e.Details["password"])
	assert.Equal(t, "bad_password", e.Details["reason"])

	e2 := tr.Log(context.Background(), Event{Type: EventLogout, SubjectID: "alice"})
	assert.Equal(t, OutcomeSuccess, e2.Outcome)
	assert.Equal(t, e.Hash, e2.PrevHash)
	assert.Equal(t, uint64(2), e2.Seq)
}

func TestFlushPersistsInOrder(t *testing.T) {
	p := newFakePersister()
	tr, _ := newTestTrail(t, p)

	for i := 0; i < 5; i++ {
		tr.Log(context.Background(), Event{Type: EventPHIView, SubjectID: "bob"})
	}
	require.NoError(t, tr.Flush(context.Background()))
	assert.Equal(t, 5, p.count())
	assert.Equal(t, 0, tr.Unpersisted())

	stored, err := p.Query(context.Background(), Filter{})
	require.NoError(t, err)
	keys, _ := DeriveKeys(testMasterKey())
	r := keys.Verify(stored)
	assert.True(t, r.Valid, "%+v", r.Checks)
}

func TestPersistenceFailureIsRetried(t *testing.T) {
	p := newFakePersister()
	p.setFail(true)
	tr, _ := newTestTrail(t, p)

	for i := 0; i < 3; i++ {
		tr.Log(context.Background(), Event{Type: EventLogout, SubjectID: "carol"})
	}
	assert.Error(t, tr.Flush(context.Background()))
	assert.Equal(t, 0, p.count())
	assert.Equal(t, 3, tr.Unpersisted())

	p.setFail(false)
	require.NoError(t, tr.Flush(context.Background()))
	assert.Equal(t, 3, p.count())
}

func TestBackgroundWorkerPersists(t *testing.T) {
	p := newFakePersister()
	tr, _ := newTestTrail(t, p)

	tr.Log(context.Background(), Event{Type: EventLoginSuccess, SubjectID: "dave"})
	require.Eventually(t, func() bool { return p.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestEvictionOnlyAfterFlush(t *testing.T) {
	t.Run("PersistedAndOldAreEvicted", func(t *testing.T) {
		p := newFakePersister()
		tr, c := newTestTrail(t, p, WithMaxEntries(3), WithRetention(time.Minute))
		for i := 0; i < 5; i++ {
			tr.Log(context.Background(), Event{Type: EventPHIView, SubjectID: "erin"})
		}
		c.Advance(2 * time.Minute)
		require.NoError(t, tr.Flush(context.Background()))
		assert.Equal(t, 0, tr.Len())

		all, err := tr.Query(context.Background(), Filter{})
		require.NoError(t, err)
		assert.Len(t, all, 5)
	})

	t.Run("RecentEntriesStay", func(t *testing.T) {
		p := newFakePersister()
		tr, c := newTestTrail(t, p, WithMaxEntries(3), WithRetention(time.Hour))
		for i := 0; i < 5; i++ {
			tr.Log(context.Background(), Event{Type: EventPHIView, SubjectID: "erin"})
		}
		c.Advance(2 * time.Minute)
		require.NoError(t, tr.Flush(context.Background()))
		assert.Equal(t, 5, tr.Len())
	})

	t.Run("UnpersistedAreKept", func(t *testing.T) {
		p := newFakePersister()
		p.setFail(true)
		tr, c := newTestTrail(t, p, WithMaxEntries(2), WithRetention(time.Minute))
		for i := 0; i < 3; i++ {
			tr.Log(context.Background(), Event{Type: EventPHIView, SubjectID: "frank"})
		}
		c.Advance(2 * time.Minute)
		assert.Error(t, tr.Flush(context.Background()))
		assert.Equal(t, 3, tr.Len())
	})

	t.Run("HardCapDropsOnlyAttempted", func(t *testing.T) {
		p := newFakePersister()
		p.setFail(true)
		tr, _ := newTestTrail(t, p, WithMaxEntries(2))
		for i := 0; i < 4; i++ {
			tr.Log(context.Background(), Event{Type: EventPHIView, SubjectID: "gina"})
		}
		assert.Error(t, tr.Flush(context.Background()))

		tr.Log(context.Background(), Event{Type: EventPHIView, SubjectID: "gina"})
		assert.Equal(t, 4, tr.Len())
		buffered := tr.Buffered(Filter{})
		require.NotEmpty(t, buffered)
		assert.Equal(t, uint64(2), buffered[0].Seq)
	})
}

func TestAlertsForHighRiskOnly(t *testing.T) {
	got := make(chan Entry, 10)
	alerter := AlerterFunc(func(_ context.Context, e Entry) error {
		got <- e
		return nil
	})
	tr, _ := newTestTrail(t, newFakePersister(), WithAlerter(alerter))

	tr.Log(context.Background(), Event{Type: EventLoginSuccess, SubjectID: "h"})
	tr.Log(context.Background(), Event{Type: EventPHITransmitted, SubjectID: "h"})
	tr.Log(context.Background(), Event{Type: EventConfigChange, SubjectID: "h"})

	select {
	case e := <-got:
		assert.Equal(t, EventConfigChange, e.EventType)
		assert.Equal(t, RiskCritical, e.RiskLevel)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an alert")
	}
	require.NoError(t, tr.Close(context.Background()))
	assert.Len(t, got, 0)
}

func TestAlertFailureDoesNotBlockLog(t *testing.T) {
	alerter := AlerterFunc(func(context.Context, Entry) error { return errors.New("pager down") })
	tr, _ := newTestTrail(t, newFakePersister(), WithAlerter(alerter))
	e := tr.Log(context.Background(), Event{Type: EventSecurityAlert})
	assert.Equal(t, RiskCritical, e.RiskLevel)
}

func TestObserverSeesEveryEntry(t *testing.T) {
	var seen []EventType
	tr, _ := newTestTrail(t, newFakePersister(), WithObserver(func(e Entry) {
		seen = append(seen, e.EventType)
	}))
	tr.Log(context.Background(), Event{Type: EventLoginSuccess})
	tr.Log(context.Background(), Event{Type: EventLogout})
	assert.Equal(t, []EventType{EventLoginSuccess, EventLogout}, seen)
}

func TestChainContinuesAfterRestart(t *testing.T) {
	p := newFakePersister()
	first, _ := newTestTrail(t, p)
	first.Log(context.Background(), Event{Type: EventLoginSuccess, SubjectID: "ivy"})
	first.Log(context.Background(), Event{Type: EventLogout, SubjectID: "ivy"})
	require.NoError(t, first.Close(context.Background()))

	second, _ := newTestTrail(t, p)
	e := second.Log(context.Background(), Event{Type: EventLoginSuccess, SubjectID: "ivy"})
	assert.Equal(t, uint64(3), e.Seq)
	require.NoError(t, second.Flush(context.Background()))

	stored, err := p.Query(context.Background(), Filter{})
	require.NoError(t, err)
	keys, _ := DeriveKeys(testMasterKey())
	r := keys.Verify(stored)
	assert.True(t, r.Valid, "%+v", r.Checks)
	c, _ := r.Check("genesis_anchor")
	assert.Equal(t, CheckPass, c.Status)
}

func TestCloseFlushesAndIsIdempotent(t *testing.T) {
	p := newFakePersister()
	tr, _ := newTestTrail(t, p)
	tr.Log(context.Background(), Event{Type: EventLogout})
	require.NoError(t, tr.Close(context.Background()))
	require.NoError(t, tr.Close(context.Background()))
	assert.Equal(t, 1, p.count())
}

func TestReturnedEntriesDoNotAliasBuffer(t *testing.T) {
	p := newFakePersister()
	tr, _ := newTestTrail(t, p, WithObserver(func(e Entry) {
		e.Details["format"] = "observer-was-here"
	}))

	e := tr.Log(context.Background(), Event{
		Type:      EventPHIExport,
		SubjectID: "ivy",
		Details:   map[string]string{"format": "pdf"},
	})
	e.Details["format"] = "csv"
	e.Details["extra"] = "added"

	buffered := tr.Buffered(Filter{})
	require.Len(t, buffered, 1)
	assert.Equal(t, map[string]string{"format": "pdf"}, buffered[0].Details)
	buffered[0].Details["format"] = "xml"

	require.NoError(t, tr.Flush(context.Background()))
	stored, err := p.Query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, map[string]string{"format": "pdf"}, stored[0].Details)

	keys, _ := DeriveKeys(testMasterKey())
	r := keys.Verify(stored)
	assert.True(t, r.Valid, "%+v", r.Checks)
}
