package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/streamhub/internal/hub"
	"github.com/adred-codev/streamhub/internal/stream"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleCreate allocates a dataset and returns its id.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	id, err := s.hub.Create(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Dataset create failed")
		http.Error(w, "backend failure", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"node_id": id})
}

// handleDelete ends a dataset's lifetime. The first delete returns 204, a
// repeat returns 404.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch err := s.hub.Delete(r.Context(), id); {
	case errors.Is(err, hub.ErrDatasetNotFound):
		http.Error(w, "unknown dataset", http.StatusNotFound)
	case err != nil:
		s.logger.Error().Err(err).Str("node_id", id).Msg("Dataset delete failed")
		http.Error(w, "backend failure", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleAppend commits one frame.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if r.ContentLength > s.cfg.MaxPayloadSize {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxPayloadSize+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusInternalServerError)
		return
	}
	if int64(len(body)) > s.cfg.MaxPayloadSize {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	switch err := s.hub.Append(r.Context(), id, body, r.Header); {
	case errors.Is(err, hub.ErrPayloadTooLarge):
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, hub.ErrHeaderTooLarge):
		http.Error(w, "header too large", http.StatusRequestHeaderFieldsTooLarge)
	case err != nil:
		s.logger.Error().Err(err).Str("node_id", id).Msg("Append failed")
		http.Error(w, "backend failure", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// handleClose writes the end-of-stream sentinel.
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Reason *string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid JSON body"})
		return
	}

	switch err := s.hub.Close(r.Context(), id, req.Reason); {
	case errors.Is(err, hub.ErrDatasetNotFound):
		http.Error(w, "unknown dataset", http.StatusNotFound)
	case err != nil:
		s.logger.Error().Err(err).Str("node_id", id).Msg("Close failed")
		http.Error(w, "backend failure", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "Connection for node " + id + " is now closed.",
			"reason": req.Reason,
		})
	}
}

// handleListLive lists datasets with live counters.
func (s *Server) handleListLive(w http.ResponseWriter, r *http.Request) {
	ids, err := s.hub.ListLive(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("List live failed")
		http.Error(w, "backend failure", http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// handleHealth reports backend connectivity.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.backend.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

// handleStream upgrades to WebSocket and runs the subscriber engine until
// the client disconnects or the producer ends the stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if !s.limiter.Allow(ip) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	nodeID := r.PathValue("id")
	q := r.URL.Query()
	format := stream.ParseFormat(q.Get("envelope_format"))

	var (
		replayFrom int64
		replay     bool
	)
	if raw := q.Get("seq_num"); raw != "" {
		replayFrom, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "seq_num must be an integer", http.StatusBadRequest)
			return
		}
		replay = true
	}

	upgrader := ws.HTTPUpgrader{
		Header: http.Header{"X-Server-Host": []string{s.host}},
	}
	conn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	s.connWg.Add(1)
	atomic.AddInt64(&s.activeConns, 1)
	defer func() {
		conn.Close()
		atomic.AddInt64(&s.activeConns, -1)
		s.connWg.Done()
	}()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// Reader: we never expect data from the client, but reading is what
	// surfaces close frames and broken connections promptly.
	go func() {
		defer cancel()
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}()

	s.logger.Info().
		Str("node_id", nodeID).
		Str("format", format.String()).
		Bool("replay", replay).
		Int64("replay_from", replayFrom).
		Str("remote_addr", r.RemoteAddr).
		Msg("Subscriber connected")

	engine := stream.NewSubscriber(s.backend, stream.Config{
		Format:        format,
		MaxFrameSize:  s.cfg.MaxFrameSize,
		LiveQueueSize: s.cfg.LiveQueueSize,
		PollInterval:  s.cfg.PollInterval,
		ListenerGrace: s.cfg.ListenerGrace,
	}, s.host, s.logger)
	engine.Run(ctx, &wsTransport{conn: conn}, nodeID, replayFrom, replay)

	s.logger.Info().Str("node_id", nodeID).Msg("Subscriber disconnected")
}

// wsTransport adapts a raw WebSocket connection to the engine's Transport.
type wsTransport struct {
	conn net.Conn
}

func (t *wsTransport) Send(binary bool, data []byte) error {
	op := ws.OpText
	if binary {
		op = ws.OpBinary
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(t.conn, op, data)
}

func (t *wsTransport) Close(reason string) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, reason)
	return ws.WriteFrame(t.conn, ws.NewCloseFrame(body))
}
