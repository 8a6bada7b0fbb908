package socket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/flate"
	apperrors "github.com/pscheid92/tickerpulse/internal/errors"
)

const (
	eventPing  = "ping"
	eventPong  = "pong"
	eventAck   = "ack"
	eventError = "error"

	envelopeOverhead = 4096
)

// envelope is the JSON frame exchanged on the wire.
type envelope struct {
	Event string           `json:"event"`
	ID    string           `json:"id,omitempty"`
	Ack   bool             `json:"ack,omitempty"`
	Data  json.RawMessage  `json:"data,omitempty"`
	Error *apperrors.Event `json:"error,omitempty"`
}

type frame struct {
	kind int
	data []byte
}

var errEmptyEvent = errors.New("frame has no event name")

func encodeFrame(env envelope, compress bool) (*frame, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if !compress {
		return &frame{kind: websocket.TextMessage, data: raw}, nil
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("create deflate writer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("deflate frame: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("deflate frame: %w", err)
	}
	return &frame{kind: websocket.BinaryMessage, data: buf.Bytes()}, nil
}

// decodeFrame parses a text frame, or inflates a binary one first. limit bounds
// the inflated size.
func decodeFrame(kind int, data []byte, limit int) (envelope, error) {
	if kind == websocket.BinaryMessage {
		r := flate.NewReader(bytes.NewReader(data))
		defer r.Close()
		inflated, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
		if err != nil {
			return envelope{}, fmt.Errorf("inflate frame: %w", err)
		}
		if len(inflated) > limit {
			return envelope{}, apperrors.PayloadTooLarge(len(inflated), limit)
		}
		data = inflated
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return envelope{}, errEmptyEvent
	}
	return env, nil
}
