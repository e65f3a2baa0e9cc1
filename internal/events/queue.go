// Package events buffers change events per unit of work until it commits.
package events

import (
	"sync"

	"changehook/internal/model"
)

// Queue holds pending events keyed by request id. Events of a request are
// released to the caller only through Flush; Discard drops them.
type Queue struct {
	mu      sync.Mutex
	pending map[string][]model.Event
}

func NewQueue() *Queue {
	return &Queue{pending: make(map[string][]model.Event)}
}

// Enqueue appends ev to the buffer of ev.RequestID.
func (q *Queue) Enqueue(ev model.Event) {
	q.mu.Lock()
	q.pending[ev.RequestID] = append(q.pending[ev.RequestID], ev)
	q.mu.Unlock()
}

// Flush returns the buffered events of requestID in enqueue order and clears them.
func (q *Queue) Flush(requestID string) []model.Event {
	q.mu.Lock()
	evs := q.pending[requestID]
	delete(q.pending, requestID)
	q.mu.Unlock()
	return evs
}

// Discard drops the buffered events of requestID and returns how many were dropped.
func (q *Queue) Discard(requestID string) int {
	q.mu.Lock()
	n := len(q.pending[requestID])
	delete(q.pending, requestID)
	q.mu.Unlock()
	return n
}

func (q *Queue) Pending(requestID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[requestID])
}

// Open reports the number of requests that still have buffered events.
func (q *Queue) Open() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
