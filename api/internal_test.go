package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jmcleod/sessionguard/clock"
)

func TestLockoutBackoff(t *testing.T) {
	c := clock.NewFake(time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC))
	l := newLockout(c, 3, time.Minute, 5*time.Minute)

	for range 2 {
		l.recordFailure("patient-1")
	}
	blocked, _ := l.check("patient-1")
	assert.False(t, blocked, "below threshold")

	l.recordFailure("patient-1")
	blocked, retry := l.check("patient-1")
	assert.True(t, blocked)
	assert.Equal(t, time.Minute, retry)

	l.recordFailure("patient-1")
	_, retry = l.check("patient-1")
	assert.Equal(t, 2*time.Minute, retry)

	for range 5 {
		l.recordFailure("patient-1")
	}
	_, retry = l.check("patient-1")
	assert.Equal(t, 5*time.Minute, retry, "capped")

	c.Advance(5*time.Minute + time.Second)
	blocked, _ = l.check("patient-1")
	assert.False(t, blocked)

	l.recordSuccess("patient-1")
	assert.Zero(t, l.len())
}

func TestLockoutSweep(t *testing.T) {
	c := clock.NewFake(time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC))
	l := newLockout(c, 3, time.Minute, 5*time.Minute)
	l.recordFailure("a")
	c.Advance(30 * time.Minute)
	l.recordFailure("b")
	c.Advance(31 * time.Minute)

	l.sweep()
	assert.Equal(t, 1, l.len())
	blocked, _ := l.check("a")
	assert.False(t, blocked)
}

func TestPage(t *testing.T) {
	items := make([]int, 7)
	for i := range items {
		items[i] = i
	}
	tests := []struct {
		query string
		want  []int
		meta  PageMeta
	}{
		{"", items, PageMeta{Total: 7, Limit: defaultPageLimit}},
		{"limit=3", []int{0, 1, 2}, PageMeta{Total: 7, Limit: 3, HasMore: true}},
		{"limit=3&offset=6", []int{6}, PageMeta{Total: 7, Limit: 3, Offset: 6}},
		{"offset=50", []int{}, PageMeta{Total: 7, Limit: defaultPageLimit, Offset: 50}},
		{"limit=-2&offset=x", items, PageMeta{Total: 7, Limit: defaultPageLimit}},
		{"limit=100000", items, PageMeta{Total: 7, Limit: maxPageLimit}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/x?"+tt.query, nil)
			got, meta := page(r, items)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.meta, meta)
		})
	}
}

func TestSessionToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	assert.Empty(t, sessionToken(r))

	r.Header.Set("Authorization", "Bearer sg_abc")
	assert.Equal(t, "sg_abc", sessionToken(r))

	r.Header.Set(SessionHeader, "sg_def")
	assert.Equal(t, "sg_def", sessionToken(r), "explicit header wins")
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	h.ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}
