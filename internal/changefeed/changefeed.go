// Package changefeed publishes committed audit records to live subscribers and
// external streams.
package changefeed

import (
	"context"
	"strings"
	"sync"

	"changehook/internal/model"
)

// Sink receives the changes of each committed unit of work, in record order.
type Sink interface {
	Publish(ctx context.Context, changes []model.ObjectChange) error
}

// Feed is a Sink that live subscribers can attach to. An empty objectTypes
// subscribes to every type.
type Feed interface {
	Sink
	Subscribe(objectTypes []string) chan model.ObjectChange
	Unsubscribe(ch chan model.ObjectChange)
}

const subscriberBuffer = 32

type filter map[string]struct{}

func newFilter(objectTypes []string) filter {
	if len(objectTypes) == 0 {
		return nil
	}
	f := filter{}
	for _, t := range objectTypes {
		f[strings.ToLower(t)] = struct{}{}
	}
	return f
}

func (f filter) match(objectType string) bool {
	if f == nil {
		return true
	}
	_, ok := f[strings.ToLower(objectType)]
	return ok
}

// Broker fans changes out to in-process subscribers. Slow subscribers miss
// changes rather than block the commit path.
type Broker struct {
	mu   sync.Mutex
	subs map[chan model.ObjectChange]filter
}

func NewBroker() *Broker {
	return &Broker{subs: map[chan model.ObjectChange]filter{}}
}

func (b *Broker) Subscribe(objectTypes []string) chan model.ObjectChange {
	ch := make(chan model.ObjectChange, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = newFilter(objectTypes)
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(ch chan model.ObjectChange) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Broker) Publish(_ context.Context, changes []model.ObjectChange) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range changes {
		b.deliver(c)
	}
	return nil
}

func (b *Broker) deliver(c model.ObjectChange) {
	for ch, f := range b.subs {
		if !f.match(c.ChangedObjectType) {
			continue
		}
		select {
		case ch <- c:
		default:
		}
	}
}

func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
