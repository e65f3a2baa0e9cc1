// Package queue carries delivery job ids from the dispatcher to the delivery
// workers. Items become visible once their not-before time has passed.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = errors.New("queue: full")
	// ErrClosed is returned by Dequeue after Close.
	ErrClosed = errors.New("queue: closed")
)

// Queue is a delayed, deduplicating job id queue. Enqueueing an id that is
// already queued keeps a single entry with the earlier due time.
type Queue interface {
	Enqueue(ctx context.Context, id string, notBefore time.Time) error
	// Dequeue blocks until an id is due, ctx is done or the queue is closed.
	Dequeue(ctx context.Context) (string, error)
	Len(ctx context.Context) (int, error)
	Close() error
}
