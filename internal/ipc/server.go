package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// removeStaleSocket unlinks a leftover socket file from a prior, unclean
// shutdown so Listen can re-bind the path.
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return os.Remove(path)
}

// HandlerFunc answers one request's opaque payload with an opaque result
// or an error. Handlers are registered explicitly by name (spec §9
// "Replacing runtime-reflection handler registration": a static
// string->closure map, not reflection).
type HandlerFunc func(data json.RawMessage) (any, error)

// HeartbeatInterval and EvictAfter are the liveness constants pinned by
// original_source/src/utils/ipc/socket_client_v2.py and spec §4.1.
const (
	HeartbeatInterval = 15 * time.Second
	EvictAfter        = 4 * HeartbeatInterval // 60s
)

// conn is one accepted client connection's server-side state.
type conn struct {
	id      string
	nc      net.Conn
	writeMu sync.Mutex

	seenMu   sync.RWMutex
	lastSeen time.Time
}

func (c *conn) touch() {
	c.seenMu.Lock()
	c.lastSeen = time.Now()
	c.seenMu.Unlock()
}

func (c *conn) notSeenSince(cutoff time.Time) bool {
	c.seenMu.RLock()
	defer c.seenMu.RUnlock()
	return c.lastSeen.Before(cutoff)
}

// Server is the Trader-side (or, symmetrically, any) IPC listener: it
// accepts connections on a Unix domain socket, dispatches request frames
// to a registered handler map, and can broadcast push frames to every
// live connection (spec §4.1 "Multiplicity").
type Server struct {
	log         zerolog.Logger
	accountID   string
	maxFrame    uint32
	ln          net.Listener
	handlers    map[string]HandlerFunc
	handlersMu  sync.RWMutex
	connsMu     sync.Mutex
	conns       map[string]*conn
	evictTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewServer creates a Server bound to no socket yet; call Listen to bind.
func NewServer(log zerolog.Logger, accountID string) *Server {
	return &Server{
		log:       log.With().Str("component", "ipc_server").Str("account_id", accountID).Logger(),
		accountID: accountID,
		maxFrame:  DefaultMaxFrameSize,
		handlers:  make(map[string]HandlerFunc),
		conns:     make(map[string]*conn),
		stopCh:    make(chan struct{}),
	}
}

// Register installs a handler for a request `type` name.
func (s *Server) Register(opName string, h HandlerFunc) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[opName] = h
}

// Listen binds the Unix domain socket at socketPath and begins accepting
// connections in the background.
func (s *Server) Listen(socketPath string) error {
	_ = removeStaleSocket(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	s.ln = ln
	s.evictTicker = time.NewTicker(HeartbeatInterval)

	s.wg.Add(2)
	go s.acceptLoop()
	go s.evictLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.log.Error().Err(err).Msg("accept failed")
				return
			}
		}
		s.handleConn(nc)
	}
}

func (s *Server) handleConn(nc net.Conn) {
	c := &conn{id: uuid.NewString(), nc: nc}
	c.touch()

	s.connsMu.Lock()
	s.conns[c.id] = c
	s.connsMu.Unlock()

	s.log.Info().Str("conn_id", c.id).Msg("client connected")

	// First message on accept: a register push (spec §4.1).
	s.sendTo(c, Frame{Type: MsgPush, Data: mustMarshal(PushEnvelope{
		Type: "register",
		Data: mustMarshal(map[string]string{"account_id": s.accountID}),
	})})

	s.wg.Add(1)
	go s.readLoop(c)
}

func (s *Server) readLoop(c *conn) {
	defer s.wg.Done()
	defer s.dropConn(c)

	for {
		f, err := ReadFrame(c.nc, s.maxFrame)
		if err != nil {
			s.log.Info().Str("conn_id", c.id).Err(err).Msg("connection closed")
			return
		}
		c.touch()

		switch f.Type {
		case MsgHeartbeat:
			s.sendTo(c, Frame{Type: MsgHeartbeat})
		case MsgRequest:
			s.handleRequest(c, f)
		default:
			s.sendTo(c, Frame{
				Type:      MsgResponse,
				RequestID: f.RequestID,
				Status:    StatusError,
				Error:     fmt.Sprintf("unknown frame type %q", f.Type),
			})
		}
	}
}

func (s *Server) handleRequest(c *conn, f Frame) {
	var env RequestEnvelope
	if err := json.Unmarshal(f.Data, &env); err != nil {
		s.sendTo(c, Frame{Type: MsgResponse, RequestID: f.RequestID, Status: StatusError, Error: "malformed request envelope"})
		return
	}

	s.handlersMu.RLock()
	h, ok := s.handlers[env.Type]
	s.handlersMu.RUnlock()

	if !ok {
		s.sendTo(c, Frame{Type: MsgResponse, RequestID: f.RequestID, Status: StatusError, Error: fmt.Sprintf("unknown request type %q", env.Type)})
		return
	}

	result, err := s.safeInvoke(h, env.Data)
	if err != nil {
		s.sendTo(c, Frame{Type: MsgResponse, RequestID: f.RequestID, Status: StatusError, Error: err.Error()})
		return
	}
	s.sendTo(c, Frame{Type: MsgResponse, RequestID: f.RequestID, Status: StatusSuccess, Data: mustMarshal(result)})
}

func (s *Server) safeInvoke(h HandlerFunc, data json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(data)
}

// Broadcast sends a push frame to every live connection (spec §4.1 "push
// contract"). A failed send to one client is dropped without affecting
// the others (spec §8 scenario 6).
func (s *Server) Broadcast(pushKind string, payload any) {
	f := Frame{Type: MsgPush, Data: mustMarshal(PushEnvelope{Type: pushKind, Data: mustMarshal(payload)})}

	s.connsMu.Lock()
	targets := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}
	s.connsMu.Unlock()

	for _, c := range targets {
		s.sendTo(c, f)
	}
}

func (s *Server) sendTo(c *conn, f Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteFrame(c.nc, f); err != nil {
		s.log.Warn().Str("conn_id", c.id).Err(err).Msg("push send failed, dropping")
	}
}

func (s *Server) dropConn(c *conn) {
	s.connsMu.Lock()
	delete(s.conns, c.id)
	s.connsMu.Unlock()
	_ = c.nc.Close()
}

func (s *Server) evictLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.evictTicker.C:
			s.evictStale()
		}
	}
}

func (s *Server) evictStale() {
	cutoff := time.Now().Add(-EvictAfter)
	s.connsMu.Lock()
	var stale []*conn
	for id, c := range s.conns {
		if c.notSeenSince(cutoff) {
			stale = append(stale, c)
			delete(s.conns, id)
		}
	}
	s.connsMu.Unlock()

	for _, c := range stale {
		s.log.Warn().Str("conn_id", c.id).Msg("evicting connection: heartbeat timeout")
		_ = c.nc.Close()
	}
}

// ConnCount returns the number of live connections.
func (s *Server) ConnCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

// Close stops accepting and closes all connections.
func (s *Server) Close() error {
	close(s.stopCh)
	if s.evictTicker != nil {
		s.evictTicker.Stop()
	}
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.connsMu.Lock()
	for _, c := range s.conns {
		_ = c.nc.Close()
	}
	s.connsMu.Unlock()
	s.wg.Wait()
	return err
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
