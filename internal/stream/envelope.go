// Package stream implements the per-connection subscriber engine and the
// envelope codec that frames leave the hub in.
package stream

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/adred-codev/streamhub/internal/metrics"
)

// Format selects the wire encoding of envelopes for one connection.
type Format int

const (
	FormatJSON Format = iota
	FormatMsgpack
)

// ParseFormat maps the query selector to a format. Anything other than
// "msgpack" is JSON.
func ParseFormat(s string) Format {
	if s == "msgpack" {
		return FormatMsgpack
	}
	return FormatJSON
}

func (f Format) String() string {
	if f == FormatMsgpack {
		return "msgpack"
	}
	return "json"
}

// Binary reports whether the format travels in binary WebSocket frames.
func (f Format) Binary() bool { return f == FormatMsgpack }

// Envelope is the wire object delivered per frame.
type Envelope struct {
	Sequence   int64  `json:"sequence" msgpack:"sequence"`
	Metadata   string `json:"metadata" msgpack:"metadata"`
	Payload    any    `json:"payload" msgpack:"payload"`
	ServerHost string `json:"server_host" msgpack:"server_host"`
}

// Encode serializes the envelope in the connection's format.
func (f Format) Encode(env *Envelope) ([]byte, error) {
	if f == FormatMsgpack {
		return msgpack.Marshal(env)
	}
	return json.Marshal(env)
}

type errorEnvelope struct {
	Error string `json:"error" msgpack:"error"`
}

// EncodeError builds the substitute envelope sent when a frame exceeds the
// configured WebSocket frame cap.
func (f Format) EncodeError(msg string) ([]byte, error) {
	env := errorEnvelope{Error: msg}
	if f == FormatMsgpack {
		return msgpack.Marshal(env)
	}
	return json.Marshal(env)
}

// DecodePayload turns stored payload bytes into the envelope payload value:
//
//  1. A length that is a multiple of 8 is reinterpreted as little-endian
//     float64s. Non-finite values are preserved for the binary format; a
//     JSON envelope must stay a well-formed document, so they fall through.
//  2. Otherwise the bytes are tried as a UTF-8 JSON document.
//  3. Failing both, the payload becomes an empty vector.
func DecodePayload(raw []byte, f Format, logger zerolog.Logger) any {
	if len(raw)%8 == 0 {
		floats := make([]float64, len(raw)/8)
		finite := true
		for i := range floats {
			v := math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
			if math.IsNaN(v) || math.IsInf(v, 0) {
				finite = false
			}
			floats[i] = v
		}
		if finite || f == FormatMsgpack {
			return floats
		}
	}
	if utf8.Valid(raw) {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	metrics.DecodeErrors.WithLabelValues("payload").Inc()
	logger.Debug().
		Int("payload_bytes", len(raw)).
		Msg("Payload is neither float64 vector nor JSON; substituting empty vector")
	return []float64{}
}

// DecodeMetadata returns the stored metadata bytes as a string, or "{}"
// when they are not valid UTF-8.
func DecodeMetadata(raw []byte, logger zerolog.Logger) string {
	if !utf8.Valid(raw) {
		metrics.DecodeErrors.WithLabelValues("metadata").Inc()
		logger.Warn().Msg("Stored metadata is not valid UTF-8; substituting empty object")
		return "{}"
	}
	return string(raw)
}
