// Package ipc implements the Manager<->Trader wire protocol (spec §4.1):
// a 4-byte big-endian length prefix followed by a UTF-8 JSON object, over
// any io.ReadWriteCloser (a Unix domain socket in production, a net.Pipe
// or TCP loopback in tests — the transport is abstract by design).
//
// The correlation mechanics (dial, map request_id -> pending future,
// validate response shape, timeout via context) are structurally
// grounded on the bridge client in
// aristath-sentinel/display/bridge/main.go, which does the same dial/
// correlate/timeout dance over a msgpack tuple wire format. This package
// keeps that mechanism but implements the exact framed-JSON object shape
// spec §4.1 requires, not that bridge's msgpack array tuples.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// DefaultMaxFrameSize is the default cap on inbound frame length (spec
// §4.1: "reject length prefixes beyond a configured maximum, default 16
// MiB").
const DefaultMaxFrameSize = 16 * 1024 * 1024

// MessageType is the top-level discriminator of a frame.
type MessageType string

const (
	MsgRequest   MessageType = "request"
	MsgResponse  MessageType = "response"
	MsgPush      MessageType = "push"
	MsgHeartbeat MessageType = "heartbeat"
)

// Status is the outcome discriminator of a response frame.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Frame is the single JSON object carried by every message (spec §4.1).
type Frame struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Status    Status          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// RequestEnvelope is the `data` payload of a request frame: an operation
// name plus its opaque parameters.
type RequestEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// PushEnvelope is the `data` payload of a push frame: a push kind plus
// its opaque payload.
type PushEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WriteFrame serializes f as length-prefixed JSON and writes it to w.
// Writers must guard concurrent calls with their own mutex (spec §4.1:
// "per-connection writer is mutex-guarded").
func WriteFrame(w io.Writer, f Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame from r. It tolerates
// arbitrary message boundaries across reads (io.ReadFull handles partial
// reads) and rejects any declared length beyond maxSize.
func ReadFrame(r io.Reader, maxSize uint32) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if maxSize > 0 && n > maxSize {
		return Frame{}, fmt.Errorf("frame length %d exceeds maximum %d", n, maxSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	return f, nil
}
