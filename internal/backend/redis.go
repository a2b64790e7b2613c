package backend

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis adapts a Redis server to the Backend interface. The mapping is
// direct: counters are plain keys driven by INCR/SETNX, frames are hashes
// with the TTL applied in the same pipeline as the field writes, and
// notifications ride Redis pub/sub.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedis connects using a redis:// URL.
func NewRedis(url string, logger zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Redis{
		client: redis.NewClient(opts),
		logger: logger.With().Str("component", "redis_backend").Logger(),
	}, nil
}

func (r *Redis) CounterInit(ctx context.Context, key string) error {
	return r.client.SetNX(ctx, key, 0, 0).Err()
}

func (r *Redis) CounterIncr(ctx context.Context, key string) (int64, error) {
	// INCR on a missing key starts from 0, which coalesces init with the
	// increment for producers that append without an explicit create.
	return r.client.Incr(ctx, key).Result()
}

func (r *Redis) CounterGet(ctx context.Context, key string) (int64, error) {
	v, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	return v, err
}

func (r *Redis) CounterDelete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) HashPut(ctx context.Context, key string, f Fields, ttl time.Duration) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, "metadata", f.Metadata, "payload", f.Payload)
	pipe.PExpire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) HashGet(ctx context.Context, key string) (Fields, error) {
	vals, err := r.client.HMGet(ctx, key, "metadata", "payload").Result()
	if err != nil {
		return Fields{}, err
	}
	if vals[0] == nil && vals[1] == nil {
		return Fields{}, ErrNotFound
	}
	var f Fields
	if s, ok := vals[0].(string); ok {
		f.Metadata = []byte(s)
	}
	if s, ok := vals[1].(string); ok {
		f.Payload = []byte(s)
	}
	return f, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, seq int64) error {
	return r.client.Publish(ctx, channel, strconv.FormatInt(seq, 10)).Err()
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channel)
	// Force the SUBSCRIBE round-trip so a dead backend fails here, not
	// silently inside the receive loop.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	s := &redisSub{
		pubsub: pubsub,
		ch:     make(chan int64, 64),
	}
	go func() {
		defer close(s.ch)
		for msg := range pubsub.Channel() {
			seq, err := strconv.ParseInt(msg.Payload, 10, 64)
			if err != nil {
				r.logger.Warn().
					Str("channel", channel).
					Str("payload", msg.Payload).
					Msg("Dropping non-integer notification")
				continue
			}
			s.ch <- seq
		}
	}()
	return s, nil
}

func (r *Redis) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan int64
	mu     sync.Mutex
	err    error
}

func (s *redisSub) Seqs() <-chan int64 { return s.ch }

func (s *redisSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSub) Unsubscribe() error {
	// Closing the PubSub also closes its message channel, which ends the
	// forwarding goroutine and closes Seqs.
	return s.pubsub.Close()
}
