package transport

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "gateway.sock")

	counter := 0
	idGen := func() string {
		counter++
		return "client-" + string(rune('0'+counter))
	}

	s := NewServer(socketPath, idGen, zap.NewNop())
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s, socketPath
}

func TestStartRemovesStaleSocketFile(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "gateway.sock")
	if err := os.WriteFile(socketPath, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewServer(socketPath, func() string { return "c1" }, zap.NewNop())
	if err := s.Start(); err != nil {
		t.Fatalf("expected stale socket file to be removed and replaced, got %v", err)
	}
	defer s.Stop()
}

func TestBroadcastReachesEveryConnectedClient(t *testing.T) {
	s, socketPath := newTestServer(t)

	var wg sync.WaitGroup
	received := make([]chan Frame, 3)
	for i := range received {
		received[i] = make(chan Frame, 1)
	}

	var mu sync.Mutex
	idx := 0
	clients := make([]*BridgeClient, 3)
	for i := 0; i < 3; i++ {
		i := i
		c := NewBridgeClient(socketPath, zap.NewNop())
		c.OnMessage(func(f Frame) {
			mu.Lock()
			defer mu.Unlock()
			received[i] <- f
		})
		clients[i] = c
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Connect()
		}()
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)
	_ = idx

	for i := 0; i < 20 && s.ClientCount() < 3; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if s.ClientCount() != 3 {
		t.Fatalf("expected 3 clients connected, got %d", s.ClientCount())
	}

	data, _ := json.Marshal(map[string]string{"text": "hello"})
	s.Broadcast(Frame{Type: FrameNotification, Data: data})

	for i, ch := range received {
		select {
		case f := <-ch:
			if f.Type != FrameNotification {
				t.Errorf("client %d: expected notification frame, got %s", i, f.Type)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("client %d: did not receive broadcast frame", i)
		}
	}
}

func TestNonCriticalFrameDroppedWhenClientSendBufferFull(t *testing.T) {
	s, _ := newTestServer(t)
	conn, peer := net.Pipe()
	defer peer.Close()
	c := &Client{ID: "slow-client", conn: conn, send: make(chan Frame), hub: s}
	s.mu.Lock()
	s.clients[c.ID] = c
	s.mu.Unlock()

	// send channel has zero buffer and nobody is draining it, so the first
	// enqueue blocks only if unbuffered; use capacity 1 to simulate "full".
	c.send = make(chan Frame, 1)
	c.send <- Frame{Type: FrameTaskProgress}

	// a second non-critical frame must be dropped, not block or disconnect
	done := make(chan struct{})
	go func() {
		c.enqueue(Frame{Type: FrameTaskProgress})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue of a non-critical frame blocked under backpressure")
	}

	s.mu.RLock()
	_, stillConnected := s.clients[c.ID]
	s.mu.RUnlock()
	if !stillConnected {
		t.Fatal("non-critical frame drop must not disconnect the client")
	}
}

func TestCriticalFrameDisconnectsClientWhenBufferFull(t *testing.T) {
	s, _ := newTestServer(t)
	conn, peer := net.Pipe()
	defer peer.Close()
	c := &Client{ID: "slow-approval-client", conn: conn, send: make(chan Frame, 1), hub: s}
	s.mu.Lock()
	s.clients[c.ID] = c
	s.mu.Unlock()

	c.send <- Frame{Type: FrameNotification} // fill the buffer

	c.enqueue(Frame{Type: FrameApprovalRequest})

	s.mu.RLock()
	_, stillConnected := s.clients[c.ID]
	s.mu.RUnlock()
	if stillConnected {
		t.Fatal("expected client to be disconnected rather than silently drop an approval-request frame")
	}
}
