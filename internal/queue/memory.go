package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type item struct {
	id    string
	due   time.Time
	seq   uint64
	index int
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Memory is an in-process Queue bounded by capacity.
type Memory struct {
	mu       sync.Mutex
	items    itemHeap
	byID     map[string]*item
	seq      uint64
	capacity int
	closed   bool
	signal   chan struct{}
	done     chan struct{}
	now      func() time.Time
}

// NewMemory returns a queue holding at most capacity ids; capacity <= 0 means
// unbounded.
func NewMemory(capacity int) *Memory {
	return &Memory{
		byID:     make(map[string]*item),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

func (m *Memory) Enqueue(_ context.Context, id string, notBefore time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if it, ok := m.byID[id]; ok {
		if notBefore.Before(it.due) {
			it.due = notBefore
			heap.Fix(&m.items, it.index)
			m.notify()
		}
		return nil
	}
	if m.capacity > 0 && len(m.items) >= m.capacity {
		return ErrQueueFull
	}
	m.seq++
	it := &item{id: id, due: notBefore, seq: m.seq}
	heap.Push(&m.items, it)
	m.byID[id] = it
	m.notify()
	return nil
}

func (m *Memory) Dequeue(ctx context.Context) (string, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return "", ErrClosed
		}
		var wait time.Duration = -1
		if len(m.items) > 0 {
			top := m.items[0]
			now := m.now()
			if !top.due.After(now) {
				heap.Pop(&m.items)
				delete(m.byID, top.id)
				if len(m.items) > 0 && !m.items[0].due.After(now) {
					m.notify()
				}
				m.mu.Unlock()
				return top.id, nil
			}
			wait = top.due.Sub(now)
		}
		m.mu.Unlock()

		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if wait >= 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return "", ctx.Err()
		case <-m.done:
			stopTimer(timer)
			return "", ErrClosed
		case <-m.signal:
			stopTimer(timer)
		case <-fire:
		}
	}
}

func (m *Memory) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// notify wakes one waiting consumer. Caller holds mu.
func (m *Memory) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
