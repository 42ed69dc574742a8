package sequence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadlineQueue_OrderedByDue(t *testing.T) {
	q := NewDeadlineQueue[string]()
	base := time.Now()

	q.Schedule("third", base.Add(3*time.Second))
	q.Schedule("first", base.Add(1*time.Second))
	q.Schedule("second", base.Add(2*time.Second))

	v, ok := q.PopDue(base.Add(5 * time.Second))
	require.True(t, ok)
	assert.Equal(t, "first", v)

	v, ok = q.PopDue(base.Add(5 * time.Second))
	require.True(t, ok)
	assert.Equal(t, "second", v)

	v, ok = q.PopDue(base.Add(5 * time.Second))
	require.True(t, ok)
	assert.Equal(t, "third", v)

	_, ok = q.PopDue(base.Add(5 * time.Second))
	assert.False(t, ok, "queue should be empty")
}

func TestDeadlineQueue_NothingDueYet(t *testing.T) {
	q := NewDeadlineQueue[int]()
	base := time.Now()
	q.Schedule(1, base.Add(time.Minute))

	_, ok := q.PopDue(base)
	assert.False(t, ok, "item is not due yet")
	assert.Equal(t, 1, q.Len())
}

func TestDeadlineQueue_Reschedule(t *testing.T) {
	q := NewDeadlineQueue[int]()
	base := time.Now()

	late := q.Schedule(1, base.Add(time.Hour))
	q.Schedule(2, base.Add(time.Minute))

	q.Reschedule(late, base)

	v, ok := q.PopDue(base)
	require.True(t, ok)
	assert.Equal(t, 1, v, "rescheduled item should pop first")
}

func TestDeadlineQueue_Remove(t *testing.T) {
	q := NewDeadlineQueue[int]()
	base := time.Now()

	item := q.Schedule(1, base)
	q.Remove(item)
	// Double remove must be a no-op.
	q.Remove(item)

	_, ok := q.PopDue(base.Add(time.Second))
	assert.False(t, ok)
	assert.True(t, q.IsEmpty())
}

func TestDeadlineQueue_NextDue(t *testing.T) {
	q := NewDeadlineQueue[int]()
	_, ok := q.NextDue()
	assert.False(t, ok)

	due := time.Now().Add(time.Second)
	q.Schedule(1, due)
	got, ok := q.NextDue()
	require.True(t, ok)
	assert.Equal(t, due, got)
}
