package ipc

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRequestResponse_RoundTrip(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer(zerolog.Nop(), "ACC1")
	srv.Register("echo", func(data json.RawMessage) (any, error) {
		var s string
		_ = json.Unmarshal(data, &s)
		return map[string]string{"echoed": s}, nil
	})
	require.NoError(t, srv.Listen(sock))
	defer srv.Close()

	cl := NewClient(zerolog.Nop(), sock, "ACC1")
	cl.Start()
	defer cl.Close()

	require.Eventually(t, cl.Connected, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := cl.Request(ctx, "echo", "hello")
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, json.Unmarshal(resp, &out))
	require.Equal(t, "hello", out["echoed"])
}

func TestUnknownRequestType_ReturnsErrorKeepsConnection(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer(zerolog.Nop(), "ACC1")
	require.NoError(t, srv.Listen(sock))
	defer srv.Close()

	cl := NewClient(zerolog.Nop(), sock, "ACC1")
	cl.Start()
	defer cl.Close()
	require.Eventually(t, cl.Connected, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := cl.Request(ctx, "no_such_op", nil)
	require.Error(t, err)

	// Connection must still be usable afterwards.
	require.True(t, cl.Connected())
}

func TestBroadcast_PushDelivered(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer(zerolog.Nop(), "ACC1")
	require.NoError(t, srv.Listen(sock))
	defer srv.Close()

	received := make(chan string, 1)
	cl := NewClient(zerolog.Nop(), sock, "ACC1")
	cl.OnPush("alarm", func(data json.RawMessage) {
		var s string
		_ = json.Unmarshal(data, &s)
		received <- s
	})
	cl.Start()
	defer cl.Close()
	require.Eventually(t, cl.Connected, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return srv.ConnCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	srv.Broadcast("alarm", "disk full")

	select {
	case s := <-received:
		require.Equal(t, "disk full", s)
	case <-time.After(time.Second):
		t.Fatal("push not delivered")
	}
}

func TestRequestTimeout_ReturnsDeadlineExceeded(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer(zerolog.Nop(), "ACC1")
	block := make(chan struct{})
	srv.Register("slow", func(data json.RawMessage) (any, error) {
		<-block
		return "late", nil
	})
	require.NoError(t, srv.Listen(sock))
	defer srv.Close()
	defer close(block)

	cl := NewClient(zerolog.Nop(), sock, "ACC1")
	cl.Start()
	defer cl.Close()
	require.Eventually(t, cl.Connected, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := cl.Request(ctx, "slow", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
