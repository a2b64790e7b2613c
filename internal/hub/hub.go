// Package hub implements the dataset lifecycle and the append-commit-notify
// pipeline on top of the backend capability surface.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/streamhub/internal/backend"
	"github.com/adred-codev/streamhub/internal/metrics"
)

var (
	// ErrDatasetNotFound maps to HTTP 404.
	ErrDatasetNotFound = errors.New("dataset not found")
	// ErrPayloadTooLarge maps to HTTP 413.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrHeaderTooLarge maps to HTTP 431.
	ErrHeaderTooLarge = errors.New("header too large")
)

// Keyspace shared with any other instance on the same store.
func SeqKey(nodeID string) string { return "seq_num:" + nodeID }

func DataKey(nodeID string, seq int64) string {
	return fmt.Sprintf("data:%s:%d", nodeID, seq)
}

func NotifyChannel(nodeID string) string { return "notify:" + nodeID }

const seqPrefix = "seq_num:"

// Config holds the hub's resource limits.
type Config struct {
	MaxPayloadSize int64
	MaxHeaderSize  int
	TTL            time.Duration
}

// Hub allocates datasets and commits frames. One Hub serves the whole
// process; all per-request state is local.
type Hub struct {
	backend backend.Backend
	cfg     Config
	logger  zerolog.Logger

	// nodeID generates dataset ids. Swappable for deterministic tests.
	nodeID func() int
}

func New(b backend.Backend, cfg Config, logger zerolog.Logger) *Hub {
	return &Hub{
		backend: b,
		cfg:     cfg,
		logger:  logger.With().Str("component", "hub").Logger(),
		nodeID:  func() int { return rand.IntN(1_000_000) },
	}
}

// Create allocates a dataset with a random id and a zero sequence counter.
// A collision with an existing id leaves that counter untouched.
func (h *Hub) Create(ctx context.Context) (int, error) {
	id := h.nodeID()
	if err := h.backend.CounterInit(ctx, SeqKey(fmt.Sprint(id))); err != nil {
		return 0, fmt.Errorf("counter init: %w", err)
	}
	metrics.DatasetsCreated.Inc()
	h.logger.Info().Int("node_id", id).Msg("Dataset created")
	return id, nil
}

// Delete ends the dataset's lifetime by removing its counter. Returns
// ErrDatasetNotFound when the counter is already gone, so a second delete
// surfaces as 404. Extant frames age out under TTL.
func (h *Hub) Delete(ctx context.Context, nodeID string) error {
	if _, err := h.backend.CounterGet(ctx, SeqKey(nodeID)); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return ErrDatasetNotFound
		}
		return fmt.Errorf("counter get: %w", err)
	}
	if err := h.backend.CounterDelete(ctx, SeqKey(nodeID)); err != nil {
		return fmt.Errorf("counter delete: %w", err)
	}
	metrics.DatasetsDeleted.Inc()
	h.logger.Info().Str("node_id", nodeID).Msg("Dataset deleted")
	return nil
}

// ListLive returns the ids of datasets whose sequence counter exists.
func (h *Hub) ListLive(ctx context.Context) ([]string, error) {
	keys, err := h.backend.KeysWithPrefix(ctx, seqPrefix)
	if err != nil {
		return nil, fmt.Errorf("keys scan: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, seqPrefix))
	}
	return ids, nil
}

// Metadata is the textual object stored alongside every payload.
type Metadata struct {
	Timestamp   string  `json:"timestamp"`
	ContentType string  `json:"Content-Type,omitempty"`
	Reason      *string `json:"reason,omitempty"`
}

func (m Metadata) encode() ([]byte, error) { return json.Marshal(m) }

// Append validates the request, allocates the next sequence, commits the
// frame with TTL, and publishes the sequence on the dataset's notify
// channel. Commit failures are fatal for the request; a publish failure is
// logged and tolerated because notifications are best-effort.
func (h *Hub) Append(ctx context.Context, nodeID string, body []byte, headers http.Header) error {
	if int64(len(body)) > h.cfg.MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	if err := checkHeaderSizes(headers, h.cfg.MaxHeaderSize); err != nil {
		return err
	}

	meta := Metadata{
		Timestamp:   time.Now().Format(time.RFC3339Nano),
		ContentType: headers.Get("Content-Type"),
	}
	return h.commit(ctx, nodeID, meta, body)
}

// Close writes the end-of-stream sentinel: a frame whose payload is the
// bytes of JSON null, with the producer's reason carried verbatim in
// metadata. Closing an unknown dataset is an error.
func (h *Hub) Close(ctx context.Context, nodeID string, reason *string) error {
	if _, err := h.backend.CounterGet(ctx, SeqKey(nodeID)); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return ErrDatasetNotFound
		}
		return fmt.Errorf("counter get: %w", err)
	}
	meta := Metadata{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Reason:    reason,
	}
	return h.commit(ctx, nodeID, meta, SentinelPayload())
}

// SentinelPayload is the stored payload of an end-of-stream frame.
func SentinelPayload() []byte { return []byte("null") }

// IsSentinel reports whether a stored payload marks end-of-stream.
func IsSentinel(payload []byte) bool {
	return string(payload) == "null"
}

func (h *Hub) commit(ctx context.Context, nodeID string, meta Metadata, payload []byte) error {
	metaBytes, err := meta.encode()
	if err != nil {
		return fmt.Errorf("metadata encode: %w", err)
	}

	seq, err := h.backend.CounterIncr(ctx, SeqKey(nodeID))
	if err != nil {
		return fmt.Errorf("sequence alloc: %w", err)
	}

	fields := backend.Fields{Metadata: metaBytes, Payload: payload}
	if err := h.backend.HashPut(ctx, DataKey(nodeID, seq), fields, h.cfg.TTL); err != nil {
		// The orphan sequence ages out under TTL; nothing to unwind.
		return fmt.Errorf("frame commit: %w", err)
	}

	metrics.FramesAppended.Inc()
	metrics.AppendBytes.Add(float64(len(payload)))

	// Publish strictly after the frame is readable. A failed publish only
	// costs liveness for already-connected subscribers; replay still sees
	// the frame.
	if err := h.backend.Publish(ctx, NotifyChannel(nodeID), seq); err != nil {
		metrics.PublishFailures.Inc()
		h.logger.Error().
			Err(err).
			Str("node_id", nodeID).
			Int64("seq", seq).
			Msg("Notification publish failed")
	}

	h.logger.Debug().
		Str("node_id", nodeID).
		Int64("seq", seq).
		Int("payload_bytes", len(payload)).
		Msg("Frame committed")
	return nil
}

func checkHeaderSizes(headers http.Header, max int) error {
	for _, vals := range headers {
		for _, v := range vals {
			if len(v) > max {
				return ErrHeaderTooLarge
			}
		}
	}
	return nil
}
