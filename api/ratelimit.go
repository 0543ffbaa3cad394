package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jmcleod/sessionguard/clock"
)

// lockout tracks reported login failures per key and refuses new sessions
// with exponential backoff once a key crosses its failure threshold. Keys
// are normalised subject ids or client IPs.
type lockout struct {
	mu          sync.Mutex
	clock       clock.Clock
	maxFailures int
	base        time.Duration
	max         time.Duration
	attempts    map[string]*attemptRecord
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	subjectMaxFailures = 5
	subjectBaseLockout = 1 * time.Minute
	subjectMaxLockout  = 15 * time.Minute

	ipMaxFailures = 20
	ipBaseLockout = 1 * time.Minute
	ipMaxLockout  = 30 * time.Minute

	// attemptExpiry is how long after the last failure a record is kept.
	attemptExpiry = 1 * time.Hour
)

func newLockout(c clock.Clock, maxFailures int, base, ceiling time.Duration) *lockout {
	return &lockout{
		clock:       c,
		maxFailures: maxFailures,
		base:        base,
		max:         ceiling,
		attempts:    make(map[string]*attemptRecord),
	}
}

// check reports whether key is locked out and for how much longer.
func (l *lockout) check(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.attempts[key]
	if !ok {
		return false, 0
	}
	now := l.clock.Now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(l.attempts, key)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// recordFailure counts a failure and, from the threshold on, locks the key
// for base * 2^(failures - threshold), capped at max.
func (l *lockout) recordFailure(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		l.attempts[key] = rec
	}
	now := l.clock.Now()
	rec.failures++
	rec.lastFailure = now

	if rec.failures >= l.maxFailures {
		d := l.base
		for i := l.maxFailures; i < rec.failures; i++ {
			d *= 2
			if d >= l.max {
				d = l.max
				break
			}
		}
		rec.lockedUntil = now.Add(d)
	}
}

func (l *lockout) recordSuccess(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
}

// sweep drops expired records.
func (l *lockout) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	for key, rec := range l.attempts {
		if now.Sub(rec.lastFailure) > attemptExpiry {
			delete(l.attempts, key)
		}
	}
}

func (l *lockout) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attempts)
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "too many failed login attempts; try again later")
}
