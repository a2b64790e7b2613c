package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/adred-codev/streamhub/internal/backend"
	"github.com/adred-codev/streamhub/internal/config"
	"github.com/adred-codev/streamhub/internal/hub"
	"github.com/adred-codev/streamhub/internal/stream"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*httptest.Server, *Server) {
	t.Helper()
	cfg := &config.Config{
		Addr:            ":0",
		Backend:         "memory",
		TTL:             time.Hour,
		MaxPayloadSize:  1 << 20,
		MaxHeaderSize:   8192,
		MaxFrameSize:    1 << 20,
		LiveQueueSize:   64,
		PollInterval:    20 * time.Millisecond,
		ListenerGrace:   200 * time.Millisecond,
		ConnIPBurst:     1000,
		ConnIPRate:      1000,
		ConnGlobalBurst: 1000,
		ConnGlobalRate:  1000,
		ShutdownGrace:   time.Second,
		LogLevel:        "info",
		LogFormat:       "json",
	}
	if mutate != nil {
		mutate(cfg)
	}

	mem := backend.NewMemory()
	h := hub.New(mem, hub.Config{
		MaxPayloadSize: cfg.MaxPayloadSize,
		MaxHeaderSize:  cfg.MaxHeaderSize,
		TTL:            cfg.TTL,
	}, zerolog.Nop())
	srv := New(cfg, mem, h, zerolog.Nop())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.cancel()
		srv.limiter.Stop()
	})
	return ts, srv
}

func createDataset(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/upload", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		NodeID int `json:"node_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return strconv.Itoa(body.NodeID)
}

func appendFrame(t *testing.T, ts *httptest.Server, id string, payload []byte) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/upload/"+id, "application/octet-stream", bytes.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateDeleteLifecycle(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/upload", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Server-Host"))

	var body struct {
		NodeID int `json:"node_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	id := strconv.Itoa(body.NodeID)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/upload/"+id, nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	del, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusNotFound, del.StatusCode)
}

func TestAppendStatuses(t *testing.T) {
	ts, _ := newTestServer(t, func(c *config.Config) {
		c.MaxPayloadSize = 16
		c.MaxHeaderSize = 64
	})
	id := createDataset(t, ts)

	appendFrame(t, ts, id, []byte("small"))

	resp, err := http.Post(ts.URL+"/upload/"+id, "application/octet-stream",
		bytes.NewReader(bytes.Repeat([]byte("x"), 32)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/upload/"+id, bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	req.Header.Set("X-Meta", strings.Repeat("a", 200))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestHeaderFieldsTooLarge, resp.StatusCode)
}

func TestCloseEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/close/999999", "application/json",
		strings.NewReader(`{"reason":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	id := createDataset(t, ts)

	resp, err = http.Post(ts.URL+"/close/"+id, "application/json", strings.NewReader(`{not json`))
	require.NoError(t, err)
	detail, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(detail), "invalid JSON body")

	resp, err = http.Post(ts.URL+"/close/"+id, "application/json",
		strings.NewReader(`{"reason":"acquisition complete"}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "now closed")
	assert.Contains(t, string(body), "acquisition complete")
}

func TestListLiveEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/stream/live")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]", strings.TrimSpace(string(body)))

	id := createDataset(t, ts)

	resp, err = http.Get(ts.URL + "/stream/live")
	require.NoError(t, err)
	var ids []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ids))
	resp.Body.Close()
	assert.Contains(t, ids, id)
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "healthy")
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "streamhub_frames_appended_total")
}

func TestStreamBadSeqNum(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/stream/single/1?seq_num=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamRejectedDuringShutdown(t *testing.T) {
	ts, srv := newTestServer(t, nil)
	srv.shuttingDown.Store(true)
	resp, err := http.Get(ts.URL + "/stream/single/1?seq_num=1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStreamRateLimited(t *testing.T) {
	ts, _ := newTestServer(t, func(c *config.Config) {
		c.ConnGlobalBurst = 1
		c.ConnGlobalRate = 0.0001
	})

	// The first request consumes the only global token; it fails later in
	// the handler, which is fine for this test.
	resp, err := http.Get(ts.URL + "/stream/single/1?seq_num=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/stream/single/1?seq_num=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func wsReadFrame(t *testing.T, conn net.Conn, br *bufio.Reader) ([]byte, ws.OpCode, error) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var rw io.ReadWriter = conn
	if br != nil {
		rw = struct {
			io.Reader
			io.Writer
		}{br, conn}
	}
	return wsutil.ReadServerData(rw)
}

func TestStreamEndToEnd(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	id := createDataset(t, ts)

	appendFrame(t, ts, id, []byte(`{"v":1}`))
	appendFrame(t, ts, id, []byte(`{"v":2}`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, wsURL(ts, "/stream/single/"+id+"?seq_num=1"))
	require.NoError(t, err)
	defer conn.Close()

	for want := int64(1); want <= 2; want++ {
		data, op, err := wsReadFrame(t, conn, br)
		require.NoError(t, err)
		assert.Equal(t, ws.OpText, op)
		var env stream.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		assert.Equal(t, want, env.Sequence)
		assert.NotEmpty(t, env.ServerHost)
	}

	appendFrame(t, ts, id, []byte(`{"v":3}`))
	data, _, err := wsReadFrame(t, conn, br)
	require.NoError(t, err)
	var env stream.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, int64(3), env.Sequence)

	resp, err := http.Post(ts.URL+"/close/"+id, "application/json",
		strings.NewReader(`{"reason":"finished"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Sentinel envelope: null payload, then a normal close frame.
	data, _, err = wsReadFrame(t, conn, br)
	require.NoError(t, err)
	env = stream.Envelope{}
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, int64(4), env.Sequence)
	assert.Nil(t, env.Payload)
	assert.Contains(t, env.Metadata, "finished")

	_, _, err = wsReadFrame(t, conn, br)
	var closed wsutil.ClosedError
	require.True(t, errors.As(err, &closed))
	assert.Equal(t, ws.StatusNormalClosure, closed.Code)
	assert.Equal(t, stream.CloseReason, closed.Reason)
}

func TestStreamMsgpack(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	id := createDataset(t, ts)
	appendFrame(t, ts, id, []byte(`{"v":1}`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, wsURL(ts, "/stream/single/"+id+"?seq_num=1&envelope_format=msgpack"))
	require.NoError(t, err)
	defer conn.Close()

	data, op, err := wsReadFrame(t, conn, br)
	require.NoError(t, err)
	assert.Equal(t, ws.OpBinary, op)

	var env stream.Envelope
	require.NoError(t, msgpack.Unmarshal(data, &env))
	assert.Equal(t, int64(1), env.Sequence)
}
