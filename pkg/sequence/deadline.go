package sequence

import (
	"container/heap"
	"time"
)

// DeadlineItem is a queue entry with an associated due time.
type DeadlineItem[T any] struct {
	Value T
	Due   time.Time
	index int
}

type deadlineHeap[T any] struct {
	items []*DeadlineItem[T]
}

func (h *deadlineHeap[T]) Len() int {
	return len(h.items)
}

func (h *deadlineHeap[T]) Less(i, j int) bool {
	return h.items[i].Due.Before(h.items[j].Due)
}

func (h *deadlineHeap[T]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *deadlineHeap[T]) Push(x any) {
	item := x.(*DeadlineItem[T])
	item.index = len(h.items)
	h.items = append(h.items, item)
}

func (h *deadlineHeap[T]) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	h.items = old[0 : n-1]
	return item
}

// DeadlineQueue orders items by due time. Not safe for concurrent use;
// callers drive it from a single scheduling loop.
type DeadlineQueue[T any] struct {
	h deadlineHeap[T]
}

func NewDeadlineQueue[T any]() *DeadlineQueue[T] {
	q := &DeadlineQueue[T]{}
	heap.Init(&q.h)
	return q
}

// Schedule inserts value with the given due time and returns its handle.
func (q *DeadlineQueue[T]) Schedule(value T, due time.Time) *DeadlineItem[T] {
	item := &DeadlineItem[T]{
		Value: value,
		Due:   due,
	}
	heap.Push(&q.h, item)
	return item
}

// PopDue removes and returns the earliest item if its due time is not after
// now. The second return is false when nothing is due.
func (q *DeadlineQueue[T]) PopDue(now time.Time) (T, bool) {
	if q.h.Len() == 0 || q.h.items[0].Due.After(now) {
		var zero T
		return zero, false
	}
	item := heap.Pop(&q.h).(*DeadlineItem[T])
	return item.Value, true
}

// Reschedule moves a previously scheduled item to a new due time.
func (q *DeadlineQueue[T]) Reschedule(item *DeadlineItem[T], due time.Time) {
	item.Due = due
	heap.Fix(&q.h, item.index)
}

// Remove cancels a scheduled item. Safe to call on an already popped item.
func (q *DeadlineQueue[T]) Remove(item *DeadlineItem[T]) {
	if item.index >= 0 && item.index < q.h.Len() && q.h.items[item.index] == item {
		heap.Remove(&q.h, item.index)
	}
}

// NextDue returns the earliest due time, or false when the queue is empty.
func (q *DeadlineQueue[T]) NextDue() (time.Time, bool) {
	if q.h.Len() == 0 {
		return time.Time{}, false
	}
	return q.h.items[0].Due, true
}

func (q *DeadlineQueue[T]) Len() int {
	return q.h.Len()
}

func (q *DeadlineQueue[T]) IsEmpty() bool {
	return q.h.Len() == 0
}
