// Package waitqueue implements the scheduler's time-ordered wait list: a
// mapping from fire instant to the set of jobs due at that instant, kept
// sorted by instant so the scheduler can always ask "what's next".
package waitqueue

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue is safe for concurrent use. OnChange, when set, is invoked after
// every Put/Delete/Move that the caller marked as notify-worthy, and is
// always called with the lock released so it may safely call back into
// the queue.
type Queue struct {
	mu       sync.Mutex
	waiting  map[time.Time][]uuid.UUID
	order    []time.Time
	OnChange func()
}

// New returns an empty queue. onChange may be nil.
func New(onChange func()) *Queue {
	return &Queue{
		waiting:  make(map[time.Time][]uuid.UUID),
		OnChange: onChange,
	}
}

// Put enqueues id to fire at when, replacing any earlier placement for the
// same id. When notify is true, OnChange fires after the queue is updated.
func (q *Queue) Put(id uuid.UUID, when time.Time, notify bool) {
	q.mu.Lock()
	q.deleteLocked(id)
	q.insertLocked(id, when)
	q.mu.Unlock()

	if notify {
		q.fireOnChange()
	}
}

// Delete removes id from the queue, reporting whether it was present.
func (q *Queue) Delete(id uuid.UUID, notify bool) bool {
	q.mu.Lock()
	removed := q.deleteLocked(id)
	q.mu.Unlock()

	if removed && notify {
		q.fireOnChange()
	}
	return removed
}

// Move re-enqueues id at a new instant, reporting whether id was already
// queued. A move of an unqueued id is a no-op that reports false.
func (q *Queue) Move(id uuid.UUID, when time.Time, notify bool) bool {
	q.mu.Lock()
	existed := q.deleteLocked(id)
	if existed {
		q.insertLocked(id, when)
	}
	q.mu.Unlock()

	if existed && notify {
		q.fireOnChange()
	}
	return existed
}

// When reports the instant id is currently queued at, if any.
func (q *Queue) When(id uuid.UUID) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for when, ids := range q.waiting {
		for _, existing := range ids {
			if existing == id {
				return when, true
			}
		}
	}
	return time.Time{}, false
}

// PeekNext reports the earliest instant currently queued, without removing
// it.
func (q *Queue) PeekNext() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return time.Time{}, false
	}
	return q.order[0], true
}

// PopNext removes and returns the earliest (instant, ids) pair. ok is false
// when the queue is empty.
func (q *Queue) PopNext() (when time.Time, ids []uuid.UUID, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return time.Time{}, nil, false
	}
	when = q.order[0]
	ids = q.waiting[when]
	delete(q.waiting, when)
	q.order = q.order[1:]
	return when, ids, true
}

// Len reports the number of distinct jobs currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, ids := range q.waiting {
		n += len(ids)
	}
	return n
}

func (q *Queue) deleteLocked(id uuid.UUID) bool {
	for when, ids := range q.waiting {
		for i, existing := range ids {
			if existing != id {
				continue
			}
			ids = append(ids[:i], ids[i+1:]...)
			if len(ids) == 0 {
				delete(q.waiting, when)
				q.removeOrderLocked(when)
			} else {
				q.waiting[when] = ids
			}
			return true
		}
	}
	return false
}

func (q *Queue) insertLocked(id uuid.UUID, when time.Time) {
	if _, exists := q.waiting[when]; !exists {
		q.order = append(q.order, when)
		sort.Slice(q.order, func(i, j int) bool { return q.order[i].Before(q.order[j]) })
	}
	q.waiting[when] = append(q.waiting[when], id)
}

func (q *Queue) removeOrderLocked(when time.Time) {
	for i, t := range q.order {
		if t.Equal(when) {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

func (q *Queue) fireOnChange() {
	if q.OnChange != nil {
		q.OnChange()
	}
}
