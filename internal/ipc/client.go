package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Backoff reconnect constants, pinned by
// original_source/src/utils/ipc/socket_client_v2.py's
// BackoffStrategy(initial_delay=3.0, max_delay=60.0, multiplier=1.5).
const (
	ReconnectInitialDelay = 3 * time.Second
	ReconnectMaxDelay     = 60 * time.Second
	ReconnectMultiplier   = 1.5
	DefaultRequestTimeout = 10 * time.Second
)

// PushHandler receives a decoded push of a given kind.
type PushHandler func(data json.RawMessage)

// ErrDisconnected is returned by Request while the client has no live
// connection; callers must not block waiting for a reconnect.
var ErrDisconnected = fmt.Errorf("ipc: client disconnected")

// Client is the Manager-side (or any) IPC client: it dials a Unix domain
// socket, correlates request/response by request_id, dispatches pushes
// to registered handlers, sends periodic heartbeats, and reconnects with
// exponential backoff on disconnect. Mechanically grounded on the
// dial/correlate/timeout shape of
// aristath-sentinel/display/bridge/main.go's Bridge.Call, adapted to the
// framed-JSON wire format and backoff policy spec §4.1 requires.
type Client struct {
	log        zerolog.Logger
	socketPath string
	accountID  string
	maxFrame   uint32

	onConnect    func()
	onDisconnect func()
	pushHandlers map[string]PushHandler

	mu      sync.Mutex
	nc      net.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Frame

	connected chan struct{} // closed and replaced on each successful connect
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewClient creates a Client. Call Start to begin connecting.
func NewClient(log zerolog.Logger, socketPath, accountID string) *Client {
	return &Client{
		log:          log.With().Str("component", "ipc_client").Str("account_id", accountID).Logger(),
		socketPath:   socketPath,
		accountID:    accountID,
		maxFrame:     DefaultMaxFrameSize,
		pushHandlers: make(map[string]PushHandler),
		pending:      make(map[string]chan Frame),
		connected:    make(chan struct{}),
		stopCh:       make(chan struct{}),
	}
}

// OnConnect/OnDisconnect register lifecycle callbacks (spec §4.1: "an
// on-connect callback re-establishes any session-level state").
func (c *Client) OnConnect(fn func())    { c.onConnect = fn }
func (c *Client) OnDisconnect(fn func()) { c.onDisconnect = fn }

// OnPush registers a handler for one push kind.
func (c *Client) OnPush(kind string, h PushHandler) {
	c.pushHandlers[kind] = h
}

// Start begins the connect-and-reconnect loop in the background.
func (c *Client) Start() {
	c.wg.Add(2)
	go c.connectLoop()
	go c.heartbeatLoop()
}

// Close stops the client and closes any live connection.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	if c.nc != nil {
		_ = c.nc.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Client) connectLoop() {
	defer c.wg.Done()
	delay := ReconnectInitialDelay
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		nc, err := net.DialTimeout("unix", c.socketPath, 5*time.Second)
		if err != nil {
			c.log.Warn().Err(err).Dur("retry_in", delay).Msg("connect failed, backing off")
			select {
			case <-time.After(delay):
			case <-c.stopCh:
				return
			}
			delay = nextDelay(delay)
			continue
		}

		delay = ReconnectInitialDelay // reset backoff on success
		c.mu.Lock()
		c.nc = nc
		c.mu.Unlock()

		if c.onConnect != nil {
			c.onConnect()
		}
		c.log.Info().Msg("connected")

		c.readUntilDisconnect(nc)

		c.mu.Lock()
		if c.nc == nc {
			c.nc = nil
		}
		c.mu.Unlock()

		c.failPending()
		if c.onDisconnect != nil {
			c.onDisconnect()
		}

		select {
		case <-c.stopCh:
			return
		default:
		}
	}
}

func nextDelay(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * ReconnectMultiplier)
	if next > ReconnectMaxDelay {
		next = ReconnectMaxDelay
	}
	return next
}

func (c *Client) readUntilDisconnect(nc net.Conn) {
	for {
		f, err := ReadFrame(nc, c.maxFrame)
		if err != nil {
			return
		}
		c.handleFrame(f)
	}
}

func (c *Client) handleFrame(f Frame) {
	switch f.Type {
	case MsgResponse:
		c.pendingMu.Lock()
		ch, ok := c.pending[f.RequestID]
		if ok {
			delete(c.pending, f.RequestID)
		}
		c.pendingMu.Unlock()
		if ok {
			// Buffered channel of size 1; never blocks. A response for an
			// already-timed-out request_id finds no entry and is dropped
			// cleanly (spec §4.1).
			ch <- f
		}
	case MsgPush:
		var env PushEnvelope
		if err := json.Unmarshal(f.Data, &env); err != nil {
			c.log.Warn().Err(err).Msg("malformed push envelope")
			return
		}
		if env.Type == "register" {
			var reg struct {
				AccountID string `json:"account_id"`
			}
			_ = json.Unmarshal(env.Data, &reg)
			if reg.AccountID != c.accountID {
				c.log.Error().Str("got", reg.AccountID).Msg("register push account_id mismatch, aborting connection")
				c.mu.Lock()
				if c.nc != nil {
					_ = c.nc.Close()
				}
				c.mu.Unlock()
				return
			}
		}
		if h, ok := c.pushHandlers[env.Type]; ok {
			h(env.Data)
		}
	case MsgHeartbeat:
		// server echo; nothing to do
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

// Request sends a request and blocks until the matching response arrives
// or ctx/timeout expires. Returns ErrDisconnected immediately if there is
// no live connection (spec §4.1: "fails fast returning null").
func (c *Client) Request(ctx context.Context, op string, payload any) (json.RawMessage, error) {
	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()
	if nc == nil {
		return nil, ErrDisconnected
	}

	reqID := uuid.NewString()
	ch := make(chan Frame, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = ch
	c.pendingMu.Unlock()

	body, err := json.Marshal(payload)
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("marshal request payload: %w", err)
	}

	frame := Frame{
		Type:      MsgRequest,
		RequestID: reqID,
		Data:      mustMarshal(RequestEnvelope{Type: op, Data: body}),
	}

	c.writeMu.Lock()
	err = WriteFrame(nc, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		if resp.Status == StatusError {
			return nil, fmt.Errorf("%s", resp.Error)
		}
		return resp.Data, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// RequestTimeout is a convenience wrapper applying DefaultRequestTimeout.
func (c *Client) RequestTimeout(op string, payload any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
	defer cancel()
	return c.Request(ctx, op, payload)
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	t := time.NewTicker(HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			c.mu.Lock()
			nc := c.nc
			c.mu.Unlock()
			if nc == nil {
				continue
			}
			c.writeMu.Lock()
			_ = WriteFrame(nc, Frame{Type: MsgHeartbeat})
			c.writeMu.Unlock()
		}
	}
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc != nil
}
