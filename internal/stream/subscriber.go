package stream

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/streamhub/internal/backend"
	"github.com/adred-codev/streamhub/internal/hub"
	"github.com/adred-codev/streamhub/internal/metrics"
)

// CloseReason is the close frame reason sent when the producer ends the
// stream.
const CloseReason = "Producer ended stream"

var (
	errClientGone  = errors.New("client disconnected")
	errStreamEnded = errors.New("producer ended stream")
)

// Transport is the connection the engine writes envelopes to. The engine is
// the only sender; a Send error means the client is gone.
type Transport interface {
	Send(binary bool, data []byte) error
	Close(reason string) error
}

// Config holds per-connection engine settings.
type Config struct {
	Format        Format
	MaxFrameSize  int
	LiveQueueSize int
	PollInterval  time.Duration
	ListenerGrace time.Duration
}

// Subscriber runs the streaming state machine for one connection: an
// optional bounded replay of historical frames merged with a live
// notification feed, delivered in strictly increasing sequence order.
//
// Two goroutines cooperate per connection: the caller's (Main), which owns
// the transport and runs the state machine, and the Listener, which owns
// the backend subscription and feeds the bounded live queue. The Listener
// starts before replay reads the current sequence, so every committed frame
// is covered by exactly one of the two planes; live sequences at or below
// the replay high-water are dropped.
type Subscriber struct {
	backend backend.Backend
	cfg     Config
	host    string
	logger  zerolog.Logger
}

func NewSubscriber(b backend.Backend, cfg Config, host string, logger zerolog.Logger) *Subscriber {
	if cfg.LiveQueueSize <= 0 {
		cfg.LiveQueueSize = 256
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ListenerGrace <= 0 {
		cfg.ListenerGrace = 2 * time.Second
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = 1 << 20
	}
	return &Subscriber{backend: b, cfg: cfg, host: host, logger: logger}
}

// Run drives the connection until the client disconnects, the producer
// closes the dataset, or ctx is cancelled. It always tears the Listener
// down before returning, waiting at most ListenerGrace for the backend
// subscription to unwind.
func (s *Subscriber) Run(ctx context.Context, t Transport, nodeID string, replayFrom int64, replay bool) {
	log := s.logger.With().Str("node_id", nodeID).Logger()

	metrics.SubscribersTotal.Inc()
	metrics.SubscribersActive.Inc()
	defer metrics.SubscribersActive.Dec()

	liveQueue := make(chan int64, s.cfg.LiveQueueSize)
	listenerDone := make(chan struct{})

	// The Listener must be attached before replay reads the current
	// sequence; that ordering is what makes the two planes seamless.
	sub, err := s.backend.Subscribe(ctx, hub.NotifyChannel(nodeID))
	if err != nil {
		// Non-fatal: replay still works, the connection just won't see
		// live frames and will stall until the client disconnects.
		log.Error().Err(err).Msg("Live subscription failed; continuing without live feed")
		close(listenerDone)
		sub = nil
	} else {
		go s.listen(sub, liveQueue, listenerDone, log)
	}
	defer s.teardown(sub, listenerDone, log)

	var highWater int64
	if replay {
		current, err := s.backend.CounterGet(ctx, hub.SeqKey(nodeID))
		if err != nil && !errors.Is(err, backend.ErrNotFound) {
			log.Error().Err(err).Msg("Counter read failed at connect; replaying nothing")
		}
		highWater = current
		for seq := replayFrom; seq <= current; seq++ {
			switch err := s.deliver(ctx, t, log, nodeID, seq); {
			case errors.Is(err, errStreamEnded):
				s.closeNormal(t, log)
				return
			case errors.Is(err, errClientGone):
				return
			}
		}
	}

	lastDelivered := highWater
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case seq := <-liveQueue:
			if seq <= lastDelivered {
				// Covered by replay, or a duplicate/out-of-order arrival.
				continue
			}
			lastDelivered = seq
			switch err := s.deliver(ctx, t, log, nodeID, seq); {
			case errors.Is(err, errStreamEnded):
				s.closeNormal(t, log)
				return
			case errors.Is(err, errClientGone):
				return
			}
		case <-ticker.C:
			// Wakes the loop so ctx cancellation is noticed even when the
			// dataset is idle. No delivery side effects.
		}
	}
}

// listen forwards backend notifications into the bounded live queue. It
// exits when the subscription's channel closes (unsubscribe or backend
// failure).
func (s *Subscriber) listen(sub backend.Subscription, liveQueue chan<- int64, done chan struct{}, log zerolog.Logger) {
	defer close(done)
	for seq := range sub.Seqs() {
		select {
		case liveQueue <- seq:
		default:
			// Queue full. Dropping is safe for correctness: the consumer
			// is delivering strictly by sequence and missed notifications
			// only cost promptness, not frames already covered by replay.
			log.Warn().Int64("seq", seq).Msg("Live queue full; dropping notification")
		}
	}
	if err := sub.Err(); err != nil {
		log.Error().Err(err).Msg("Live subscription terminated with error")
	}
}

func (s *Subscriber) teardown(sub backend.Subscription, done chan struct{}, log zerolog.Logger) {
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("Unsubscribe failed during teardown")
		}
	}
	select {
	case <-done:
	case <-time.After(s.cfg.ListenerGrace):
		metrics.ListenersAbandoned.Inc()
		log.Warn().
			Dur("grace", s.cfg.ListenerGrace).
			Msg("Listener did not unwind in time; abandoning")
	}
}

// deliver fetches one frame, encodes it, and sends it. Missing frames
// (expired or never committed) are skipped silently. Returns errStreamEnded
// after sending an end-of-stream sentinel, errClientGone when the transport
// rejects the send.
func (s *Subscriber) deliver(ctx context.Context, t Transport, log zerolog.Logger, nodeID string, seq int64) error {
	fields, err := s.backend.HashGet(ctx, hub.DataKey(nodeID, seq))
	if errors.Is(err, backend.ErrNotFound) {
		metrics.FramesSkipped.Inc()
		log.Debug().Int64("seq", seq).Msg("Frame missing or expired; skipping")
		return nil
	}
	if err != nil {
		// A read error affects only this sequence; the stream continues.
		log.Error().Err(err).Int64("seq", seq).Msg("Frame read failed; skipping")
		return nil
	}

	end := hub.IsSentinel(fields.Payload)
	env := Envelope{
		Sequence:   seq,
		Metadata:   DecodeMetadata(fields.Metadata, log),
		ServerHost: s.host,
	}
	if !end {
		env.Payload = DecodePayload(fields.Payload, s.cfg.Format, log)
	}

	data, err := s.cfg.Format.Encode(&env)
	if err != nil {
		log.Error().Err(err).Int64("seq", seq).Msg("Envelope encode failed; skipping frame")
		return nil
	}
	if len(data) > s.cfg.MaxFrameSize {
		metrics.OversizeEnvelopes.Inc()
		log.Warn().
			Int64("seq", seq).
			Int("encoded_bytes", len(data)).
			Int("cap", s.cfg.MaxFrameSize).
			Msg("Envelope exceeds frame cap; substituting error envelope")
		data, err = s.cfg.Format.EncodeError("Frame too large")
		if err != nil {
			return nil
		}
	}

	if err := t.Send(s.cfg.Format.Binary(), data); err != nil {
		log.Debug().Err(err).Int64("seq", seq).Msg("Send failed; client gone")
		return errClientGone
	}
	metrics.FramesDelivered.Inc()

	if end {
		return errStreamEnded
	}
	return nil
}

func (s *Subscriber) closeNormal(t Transport, log zerolog.Logger) {
	if err := t.Close(CloseReason); err != nil {
		log.Debug().Err(err).Msg("Close frame write failed")
	}
	log.Info().Msg("Stream ended by producer")
}
