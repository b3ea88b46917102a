// Package transport implements the Bridge ↔ Gateway wire protocol (spec
// §4.7): a UNIX-domain-socket server/client exchanging newline-delimited
// JSON frames. Grounded directly on the teacher's
// interfaces/websocket/handler.go Hub/Client pattern — register/unregister
// channels, one read goroutine and one write goroutine per client backed by
// a buffered send channel — generalized from a ws.Conn to a net.Conn over
// AF_UNIX and from the teacher's drop-newest-by-closing-the-client
// backpressure policy to spec.md §5's finer rule: drop non-critical frames
// silently, but never drop an ApprovalRequest/ApprovalExpired frame —
// disconnect the client instead so the bridge can reconnect and recover.
package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/sentryclaw/gateway/pkg/errors"
)

// FrameType discriminates the JSON payloads exchanged over the socket
// (spec §4.7 "Message taxonomy").
type FrameType string

const (
	FrameSocketRequest    FrameType = "socket_request"
	FrameSocketResponse   FrameType = "socket_response"
	FrameApprovalDecision FrameType = "approval_decision"
	FrameApprovalRequest  FrameType = "approval_request"
	FrameApprovalExpired  FrameType = "approval_expired"
	FrameNotification     FrameType = "notification"
	FrameTaskProgress     FrameType = "task_progress"
	FrameCommand          FrameType = "command"
)

// criticalFrames must never be silently dropped on backpressure — spec §5
// "never drop approval/response frames, disconnect client instead".
var criticalFrames = map[FrameType]bool{
	FrameApprovalRequest: true,
	FrameApprovalExpired: true,
	FrameSocketResponse:  true,
}

// Frame is one newline-delimited JSON message on the wire.
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// sendBufferSize mirrors the teacher's websocket.Client buffered send
// channel capacity.
const sendBufferSize = 256

// Client is one connected bridge, tracked by the Server's Hub.
type Client struct {
	ID   string
	conn net.Conn
	send chan Frame
	hub  *Server
}

// enqueue queues a frame for this client only (used by Server.Send,
// Server.Broadcast and message replies). Non-critical frames are dropped, not blocking, when the client is slow;
// critical frames that would block instead disconnect the client.
func (c *Client) enqueue(f Frame) {
	select {
	case c.send <- f:
	default:
		if criticalFrames[f.Type] {
			c.hub.disconnect(c)
			return
		}
		// non-critical frame dropped under backpressure
	}
}

// GetID returns the client's opaque identifier.
func (c *Client) GetID() string { return c.ID }

// MessageHandler is invoked for every inbound frame. reply sends a frame
// back on the same client connection (spec §4.7 "message(obj, reply,
// clientId)").
type MessageHandler func(clientID string, f Frame, reply func(Frame))

// Server is the Gateway-side UNIX-domain-socket JSON-lines server.
type Server struct {
	socketPath string
	logger     *zap.Logger
	listener   net.Listener

	mu      sync.RWMutex
	clients map[string]*Client

	onMessage      func(clientID string, f Frame, reply func(Frame))
	onConnect      func(clientID string)
	onDisconnect   func(clientID string)
	nextClientID   func() string
}

// NewServer returns a Server bound to socketPath. idGen generates each new
// client's opaque id (pass uuid.NewString).
func NewServer(socketPath string, idGen func() string, logger *zap.Logger) *Server {
	return &Server{
		socketPath:   socketPath,
		logger:       logger,
		clients:      make(map[string]*Client),
		nextClientID: idGen,
	}
}

// OnMessage registers the inbound-frame handler.
func (s *Server) OnMessage(fn MessageHandler) { s.onMessage = fn }

// OnConnect registers the connection callback.
func (s *Server) OnConnect(fn func(clientID string)) { s.onConnect = fn }

// OnDisconnect registers the disconnection callback.
func (s *Server) OnDisconnect(fn func(clientID string)) { s.onDisconnect = fn }

// Start removes any stale socket file, listens, and begins accepting
// connections in the background (spec §4.7 "a stale socket file on start()
// is removed").
func (s *Server) Start() error {
	if _, err := os.Stat(s.socketPath); err == nil {
		if err := os.Remove(s.socketPath); err != nil {
			return apperrors.Wrap(apperrors.CodeTransport, "remove stale socket", err)
		}
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeTransport, "listen on unix socket", err)
	}
	s.listener = ln

	go s.acceptLoop()
	s.logger.Info("transport server listening", zap.String("socket", s.socketPath))
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("transport accept error", zap.Error(err))
			return
		}
		s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	client := &Client{
		ID:   s.nextClientID(),
		conn: conn,
		send: make(chan Frame, sendBufferSize),
		hub:  s,
	}

	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	s.logger.Info("bridge client connected", zap.String("client_id", client.ID))
	if s.onConnect != nil {
		s.onConnect(client.ID)
	}

	go s.writePump(client)
	go s.readPump(client)
}

func (s *Server) readPump(c *Client) {
	defer s.disconnect(c)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var f Frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			s.logger.Warn("transport malformed frame", zap.String("client_id", c.ID), zap.Error(err))
			continue
		}
		if s.onMessage != nil {
			s.onMessage(c.ID, f, func(reply Frame) { c.enqueue(reply) })
		}
	}
}

func (s *Server) writePump(c *Client) {
	enc := json.NewEncoder(c.conn)
	for f := range c.send {
		if err := enc.Encode(f); err != nil {
			s.disconnect(c)
			return
		}
	}
}

// disconnect tears down one client; idempotent.
func (s *Server) disconnect(c *Client) {
	s.mu.Lock()
	if _, ok := s.clients[c.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.ID)
	s.mu.Unlock()

	close(c.send)
	_ = c.conn.Close()

	s.logger.Info("bridge client disconnected", zap.String("client_id", c.ID))
	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}
}

// Send delivers a frame to exactly one client.
func (s *Server) Send(clientID string, f Frame) {
	s.mu.RLock()
	c, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	c.enqueue(f)
}

// Broadcast delivers a frame to every connected client — used for
// approval requests that may legitimately resolve from any bridge channel
// (spec §5 "approval requests for one approvalId may be broadcast to
// multiple channels").
func (s *Server) Broadcast(f Frame) {
	// Snapshot under the read lock: enqueue may disconnect a slow client,
	// which takes the write lock.
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	for _, c := range clients {
		c.enqueue(f)
	}
}

// ClientCount reports the number of connected bridges.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Stop closes the listener and every connected client.
func (s *Server) Stop() error {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.disconnect(c)
	}
	return os.Remove(s.socketPath)
}
