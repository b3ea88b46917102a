package transport

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/sentryclaw/gateway/pkg/errors"
)

const (
	reconnectInitialBackoff = 500 * time.Millisecond
	reconnectMaxBackoff     = 30 * time.Second
)

// BridgeClient is the bridge-side half of the transport: it dials the
// Gateway's UNIX socket, reconnects with bounded exponential backoff on
// unexpected close, and exposes send/connected per spec §4.7 "Client
// operations".
type BridgeClient struct {
	socketPath string
	logger     *zap.Logger

	mu              sync.Mutex
	conn            net.Conn
	connected       bool
	shouldReconnect bool
	send            chan Frame

	onConnected    func()
	onDisconnected func()
	onMessage      func(Frame)
}

// NewBridgeClient returns a client that will dial socketPath on Connect.
func NewBridgeClient(socketPath string, logger *zap.Logger) *BridgeClient {
	return &BridgeClient{
		socketPath: socketPath,
		logger:     logger,
		send:       make(chan Frame, sendBufferSize),
	}
}

func (c *BridgeClient) OnConnected(fn func())    { c.onConnected = fn }
func (c *BridgeClient) OnDisconnected(fn func()) { c.onDisconnected = fn }
func (c *BridgeClient) OnMessage(fn func(Frame)) { c.onMessage = fn }

// Connect dials the socket and starts the read/write pumps. On an
// unexpected close it reconnects with bounded backoff until Disconnect is
// called.
func (c *BridgeClient) Connect() error {
	c.mu.Lock()
	c.shouldReconnect = true
	c.mu.Unlock()

	return c.dial()
}

func (c *BridgeClient) dial() error {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeTransport, "dial gateway socket", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if c.onConnected != nil {
		c.onConnected()
	}

	go c.writePump()
	go c.readPump()
	return nil
}

func (c *BridgeClient) readPump() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var f Frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			c.logger.Warn("bridge client malformed frame", zap.Error(err))
			continue
		}
		if c.onMessage != nil {
			c.onMessage(f)
		}
	}
	c.handleClose()
}

func (c *BridgeClient) writePump() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	enc := json.NewEncoder(conn)
	for f := range c.send {
		c.mu.Lock()
		active := c.conn == conn
		c.mu.Unlock()
		if !active {
			return
		}
		if err := enc.Encode(f); err != nil {
			return
		}
	}
}

func (c *BridgeClient) handleClose() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	reconnect := c.shouldReconnect
	c.mu.Unlock()

	if wasConnected && c.onDisconnected != nil {
		c.onDisconnected()
	}
	if reconnect {
		go c.reconnectLoop()
	}
}

func (c *BridgeClient) reconnectLoop() {
	backoff := reconnectInitialBackoff
	for {
		c.mu.Lock()
		should := c.shouldReconnect
		c.mu.Unlock()
		if !should {
			return
		}

		time.Sleep(backoff)
		if err := c.dial(); err == nil {
			return
		}

		backoff *= 2
		if backoff > reconnectMaxBackoff {
			backoff = reconnectMaxBackoff
		}
	}
}

// Send enqueues a frame for delivery without blocking. Frames sent while
// disconnected wait in the send buffer; a frame is dropped only when that
// buffer (sendBufferSize frames) is full.
func (c *BridgeClient) Send(f Frame) {
	select {
	case c.send <- f:
	default:
	}
}

// Connected reports whether the underlying socket is currently up.
func (c *BridgeClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect closes the connection and disables reconnection.
func (c *BridgeClient) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	conn := c.conn
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}
