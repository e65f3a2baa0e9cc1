package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"changehook/internal/model"
)

const DefaultRedisChannel = "changehook:changes"

// RedisBroker shares the change feed between API replicas over Redis Pub/Sub.
type RedisBroker struct {
	rdb     *redis.Client
	channel string
	log     *zap.SugaredLogger

	mu   sync.Mutex
	subs map[chan model.ObjectChange]*redis.PubSub
}

func NewRedisBroker(rdb *redis.Client, log *zap.SugaredLogger) *RedisBroker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RedisBroker{
		rdb:     rdb,
		channel: DefaultRedisChannel,
		log:     log,
		subs:    map[chan model.ObjectChange]*redis.PubSub{},
	}
}

func (b *RedisBroker) Subscribe(objectTypes []string) chan model.ObjectChange {
	ch := make(chan model.ObjectChange, subscriberBuffer)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.channel)
	// wait for the subscription confirmation so no publish is missed
	if _, err := ps.Receive(ctx); err != nil {
		b.log.Warnw("change feed subscribe failed", "channel", b.channel, "error", err)
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()

	f := newFilter(objectTypes)
	go func() {
		for msg := range ps.Channel() {
			var c model.ObjectChange
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				b.log.Warnw("undecodable change feed message", "error", err)
				continue
			}
			if !f.match(c.ChangedObjectType) {
				continue
			}
			b.mu.Lock()
			if _, live := b.subs[ch]; live {
				select {
				case ch <- c:
				default:
				}
			}
			b.mu.Unlock()
		}
	}()
	return ch
}

func (b *RedisBroker) Unsubscribe(ch chan model.ObjectChange) {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	if ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(ctx context.Context, changes []model.ObjectChange) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	pipe := b.rdb.Pipeline()
	for _, c := range changes {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode change %s: %w", c.ID, err)
		}
		pipe.Publish(ctx, b.channel, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish changes: %w", err)
	}
	return nil
}
