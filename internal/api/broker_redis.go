package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisBroker implements EventBroker over Redis Pub/Sub so that every API
// replica sees the progress of runs executed by any other.
type RedisBroker struct {
	rdb *redis.Client
	// LastTTL bounds how long the latest event of a run is kept.
	LastTTL time.Duration

	mu  sync.Mutex
	pss map[chan SSEEvent]*redis.PubSub
}

func NewRedisBroker(url string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis broker: %w", err)
	}
	return NewRedisBrokerClient(redis.NewClient(opt)), nil
}

func NewRedisBrokerClient(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb, LastTTL: time.Hour, pss: map[chan SSEEvent]*redis.PubSub{}}
}

func (b *RedisBroker) Subscribe(runID string) chan SSEEvent {
	ch := make(chan SSEEvent, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(runID))
	// wait for the subscription to be confirmed so no publish is missed
	_, _ = ps.Receive(ctx)
	b.mu.Lock()
	b.pss[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt SSEEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err == nil {
				select {
				case ch <- evt:
				default:
				}
			}
		}
	}()
	return ch
}

// Unsubscribe closes the Redis subscription; ch is closed once its reader goroutine exits.
func (b *RedisBroker) Unsubscribe(runID string, ch chan SSEEvent) {
	b.mu.Lock()
	ps := b.pss[ch]
	delete(b.pss, ch)
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(runID string, evt SSEEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, b.lastKey(runID), data, b.LastTTL)
	pipe.Publish(ctx, b.chanName(runID), data)
	_, _ = pipe.Exec(ctx)
}

func (b *RedisBroker) Last(runID string) (SSEEvent, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := b.rdb.Get(ctx, b.lastKey(runID)).Bytes()
	if err != nil {
		return SSEEvent{}, false
	}
	var evt SSEEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return SSEEvent{}, false
	}
	return evt, true
}

func (b *RedisBroker) chanName(runID string) string { return "run:" + runID + ":events" }
func (b *RedisBroker) lastKey(runID string) string  { return "run:" + runID + ":last" }
