package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func TestRunDueOrder(t *testing.T) {
	q := NewQueue()
	var order []string
	record := func(name string) Func {
		return func(time.Time) { order = append(order, name) }
	}
	q.Schedule("c", t0.Add(3*time.Minute), record("c"))
	q.Schedule("a", t0.Add(1*time.Minute), record("a"))
	q.Schedule("b", t0.Add(2*time.Minute), record("b"))

	assert.Equal(t, 0, q.RunDue(t0))
	assert.Equal(t, 2, q.RunDue(t0.Add(2*time.Minute)))
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 1, q.Len())

	next, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, t0.Add(3*time.Minute), next)
}

func TestScheduleReplacesSameKey(t *testing.T) {
	q := NewQueue()
	fired := 0
	q.Schedule("s1", t0.Add(time.Minute), func(time.Time) { fired += 100 })
	q.Schedule("s1", t0.Add(10*time.Minute), func(time.Time) { fired++ })
	assert.Equal(t, 1, q.Len())

	assert.Equal(t, 0, q.RunDue(t0.Add(5*time.Minute)))
	assert.Equal(t, 1, q.RunDue(t0.Add(10*time.Minute)))
	assert.Equal(t, 1, fired)
}

func TestCancel(t *testing.T) {
	q := NewQueue()
	q.Schedule("s1", t0, func(time.Time) { t.Fatal("cancelled task ran") })
	q.Schedule("s2", t0.Add(time.Second), func(time.Time) {})

	assert.True(t, q.Cancel("s1"))
	assert.False(t, q.Cancel("s1"))
	_, ok := q.Pending("s1")
	assert.False(t, ok)

	assert.Equal(t, 1, q.RunDue(t0.Add(time.Hour)))
	assert.Equal(t, 0, q.Len())
	_, ok = q.Next()
	assert.False(t, ok)
}

func TestCallbackMayReschedule(t *testing.T) {
	q := NewQueue()
	runs := 0
	var fn Func
	fn = func(now time.Time) {
		runs++
		if runs < 3 {
			q.Schedule("tick", now.Add(time.Minute), fn)
		}
	}
	q.Schedule("tick", t0, fn)

	now := t0
	for i := 0; i < 5; i++ {
		q.RunDue(now)
		now = now.Add(time.Minute)
	}
	assert.Equal(t, 3, runs)
	assert.Equal(t, 0, q.Len())
}
