package chat

import (
	"context"
	"slices"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	eventsChannel = "chatsync:events"
	onlineKey     = "chatsync:online"
)

// Broker shares presence and message fan-out between server instances.
type Broker interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context) (<-chan []byte, error)
	// Join and Leave count sockets per user; a user is online while the
	// count is positive.
	Join(ctx context.Context, userID string) error
	Leave(ctx context.Context, userID string) error
	Online(ctx context.Context) ([]string, error)
}

type RedisBroker struct {
	rdb *redis.Client
}

func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

func (b *RedisBroker) Publish(ctx context.Context, payload []byte) error {
	return b.rdb.Publish(ctx, eventsChannel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan []byte, error) {
	pubsub := b.rdb.Subscribe(ctx, eventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBroker) Join(ctx context.Context, userID string) error {
	return b.rdb.HIncrBy(ctx, onlineKey, userID, 1).Err()
}

var leaveScript = redis.NewScript(`
local n = redis.call("HINCRBY", KEYS[1], ARGV[1], -1)
if n <= 0 then redis.call("HDEL", KEYS[1], ARGV[1]) end
return n`)

func (b *RedisBroker) Leave(ctx context.Context, userID string) error {
	return leaveScript.Run(ctx, b.rdb, []string{onlineKey}, userID).Err()
}

func (b *RedisBroker) Online(ctx context.Context) ([]string, error) {
	counts, err := b.rdb.HGetAll(ctx, onlineKey).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(counts))
	for id, raw := range counts {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// LocalBroker is a single-instance Broker used when no Redis is configured.
type LocalBroker struct {
	mu     sync.Mutex
	counts map[string]int
	subs   []chan []byte
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{counts: make(map[string]int)}
}

func (b *LocalBroker) Publish(ctx context.Context, payload []byte) error {
	b.mu.Lock()
	subs := slices.Clone(b.subs)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ch := make(chan []byte, 256)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch, nil
}

func (b *LocalBroker) Join(_ context.Context, userID string) error {
	b.mu.Lock()
	b.counts[userID]++
	b.mu.Unlock()
	return nil
}

func (b *LocalBroker) Leave(_ context.Context, userID string) error {
	b.mu.Lock()
	if b.counts[userID]--; b.counts[userID] <= 0 {
		delete(b.counts, userID)
	}
	b.mu.Unlock()
	return nil
}

func (b *LocalBroker) Online(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.counts))
	for id := range b.counts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}
