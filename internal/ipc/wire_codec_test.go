package ipc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// The wire format is framed JSON (spec §4.1), full stop. This file doesn't
// propose changing that; it exists because aristath-sentinel/display/bridge
// speaks framed msgpack for the exact same request/response/push shape, and
// a reviewer migrating between the two sibling bridge processes will ask
// "why JSON here and msgpack there" — these cases pin down that the two
// codecs agree on the value this protocol actually carries (a Frame), so
// the difference is a wire-format choice, not a semantic one.

// msgpackFrame mirrors Frame field-for-field with msgpack struct tags,
// matching how display/bridge shapes its own RPC envelope.
type msgpackFrame struct {
	Type      MessageType     `msgpack:"type"`
	RequestID string          `msgpack:"request_id,omitempty"`
	Data      json.RawMessage `msgpack:"data,omitempty"`
	Status    Status          `msgpack:"status,omitempty"`
	Error     string          `msgpack:"error,omitempty"`
}

func sampleFrames() []Frame {
	return []Frame{
		{Type: MsgRequest, RequestID: "req-1", Data: json.RawMessage(`{"symbol":"rb2410"}`)},
		{Type: MsgResponse, RequestID: "req-1", Status: StatusSuccess, Data: json.RawMessage(`{"order_id":"o-1"}`)},
		{Type: MsgResponse, RequestID: "req-2", Status: StatusError, Error: "unknown account"},
		{Type: MsgPush, Data: json.RawMessage(`{"type":"account","data":{"equity":100000}}`)},
		{Type: MsgHeartbeat},
	}
}

// TestWireCodec_JSONAndMsgpackAgree round-trips the same Frame values
// through both codecs and checks they decode to equal structs, proving the
// JSON wire format isn't hiding a representational assumption that would
// break if this protocol were ever carried over display/bridge's msgpack
// transport instead.
func TestWireCodec_JSONAndMsgpackAgree(t *testing.T) {
	for _, f := range sampleFrames() {
		jsonBody, err := json.Marshal(f)
		require.NoError(t, err)
		var gotJSON Frame
		require.NoError(t, json.Unmarshal(jsonBody, &gotJSON))
		require.Equal(t, f, gotJSON)

		mp := msgpackFrame(f)
		mpBody, err := msgpack.Marshal(mp)
		require.NoError(t, err)
		var gotMP msgpackFrame
		require.NoError(t, msgpack.Unmarshal(mpBody, &gotMP))
		require.Equal(t, mp, gotMP)
		require.Equal(t, f, Frame(gotMP))
	}
}

// BenchmarkWireCodec_JSON and BenchmarkWireCodec_Msgpack exist side by side
// so a reviewer asking "should we switch" has a number, not a guess.
func BenchmarkWireCodec_JSON(b *testing.B) {
	f := sampleFrames()[1]
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		body, err := json.Marshal(f)
		if err != nil {
			b.Fatal(err)
		}
		var out Frame
		if err := json.Unmarshal(body, &out); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkWireCodec_Msgpack(b *testing.B) {
	f := msgpackFrame(sampleFrames()[1])
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		body, err := msgpack.Marshal(f)
		if err != nil {
			b.Fatal(err)
		}
		var out msgpackFrame
		if err := msgpack.Unmarshal(body, &out); err != nil {
			b.Fatal(err)
		}
	}
}
