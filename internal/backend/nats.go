package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATS adapts NATS to the Backend interface: JetStream KV holds counters
// and frames, core pub/sub carries notifications.
//
// JetStream KV keys cannot contain ':', so the canonical keyspace
// ("seq_num:{id}", "data:{id}:{seq}") is transliterated to dotted form at
// this boundary and mapped back on reads. TTL is enforced at bucket level;
// the per-put TTL argument selects the bucket TTL at creation time.
type NATS struct {
	nc     *nats.Conn
	kv     nats.KeyValue
	logger zerolog.Logger
}

// NATSConfig holds connection settings for the NATS backend.
type NATSConfig struct {
	URL           string
	Bucket        string
	TTL           time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
}

// NewNATS connects to NATS and ensures the KV bucket exists.
func NewNATS(cfg NATSConfig, logger zerolog.Logger) (*NATS, error) {
	log := logger.With().Str("component", "nats_backend").Logger()

	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  cfg.Bucket,
			History: 1,
			TTL:     cfg.TTL,
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open KV bucket %q: %w", cfg.Bucket, err)
	}

	return &NATS{nc: nc, kv: kv, logger: log}, nil
}

// kvKey maps a canonical key to the JetStream KV charset.
func kvKey(key string) string { return strings.ReplaceAll(key, ":", ".") }

// canonicalKey maps a KV key back to canonical form.
func canonicalKey(key string) string { return strings.ReplaceAll(key, ".", ":") }

func (n *NATS) CounterInit(ctx context.Context, key string) error {
	_, err := n.kv.Create(kvKey(key), []byte("0"))
	if errors.Is(err, nats.ErrKeyExists) {
		return nil
	}
	return err
}

func (n *NATS) CounterIncr(ctx context.Context, key string) (int64, error) {
	k := kvKey(key)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		entry, err := n.kv.Get(k)
		if errors.Is(err, nats.ErrKeyNotFound) {
			// Coalesce init with the increment.
			if _, err := n.kv.Create(k, []byte("1")); err != nil {
				if errors.Is(err, nats.ErrKeyExists) {
					continue
				}
				return 0, err
			}
			return 1, nil
		}
		if err != nil {
			return 0, err
		}
		cur, err := strconv.ParseInt(string(entry.Value()), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt counter %q: %w", key, err)
		}
		next := cur + 1
		_, err = n.kv.Update(k, []byte(strconv.FormatInt(next, 10)), entry.Revision())
		if err != nil {
			// Revision moved under us; retry the compare-and-swap.
			continue
		}
		return next, nil
	}
}

func (n *NATS) CounterGet(ctx context.Context, key string) (int64, error) {
	entry, err := n.kv.Get(kvKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(entry.Value()), 10, 64)
}

func (n *NATS) CounterDelete(ctx context.Context, key string) error {
	err := n.kv.Purge(kvKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}

// kvFrame is the stored representation of a frame in a single KV value.
type kvFrame struct {
	Metadata []byte `json:"metadata"`
	Payload  []byte `json:"payload"`
}

func (n *NATS) HashPut(ctx context.Context, key string, f Fields, ttl time.Duration) error {
	val, err := json.Marshal(kvFrame{Metadata: f.Metadata, Payload: f.Payload})
	if err != nil {
		return err
	}
	_, err = n.kv.Put(kvKey(key), val)
	return err
}

func (n *NATS) HashGet(ctx context.Context, key string) (Fields, error) {
	entry, err := n.kv.Get(kvKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return Fields{}, ErrNotFound
	}
	if err != nil {
		return Fields{}, err
	}
	var f kvFrame
	if err := json.Unmarshal(entry.Value(), &f); err != nil {
		return Fields{}, fmt.Errorf("corrupt frame %q: %w", key, err)
	}
	return Fields{Metadata: f.Metadata, Payload: f.Payload}, nil
}

func (n *NATS) Publish(ctx context.Context, channel string, seq int64) error {
	return n.nc.Publish(kvKey(channel), []byte(strconv.FormatInt(seq, 10)))
}

func (n *NATS) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	s := &natsSub{ch: make(chan int64, 64)}
	sub, err := n.nc.Subscribe(kvKey(channel), func(msg *nats.Msg) {
		seq, err := strconv.ParseInt(string(msg.Data), 10, 64)
		if err != nil {
			n.logger.Warn().
				Str("channel", channel).
				Bytes("payload", msg.Data).
				Msg("Dropping non-integer notification")
			return
		}
		s.deliver(seq)
	})
	if err != nil {
		return nil, err
	}
	s.sub = sub
	return s, nil
}

func (n *NATS) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	keys, err := n.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	mapped := kvKey(prefix)
	var out []string
	for _, k := range keys {
		if strings.HasPrefix(k, mapped) {
			out = append(out, canonicalKey(k))
		}
	}
	return out, nil
}

func (n *NATS) Ping(ctx context.Context) error {
	if !n.nc.IsConnected() {
		return errors.New("nats connection down")
	}
	return nil
}

func (n *NATS) Close() error {
	n.nc.Close()
	return nil
}

type natsSub struct {
	sub  *nats.Subscription
	ch   chan int64
	mu   sync.Mutex
	done bool
}

func (s *natsSub) deliver(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.ch <- seq:
	default:
		// LiveQueue pressure; notifications are best-effort.
	}
}

func (s *natsSub) Seqs() <-chan int64 { return s.ch }

func (s *natsSub) Err() error { return nil }

func (s *natsSub) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	s.mu.Lock()
	if !s.done {
		s.done = true
		close(s.ch)
	}
	s.mu.Unlock()
	return err
}
