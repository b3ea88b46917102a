// Package proxy implements the domain-filtering egress proxy (SPEC_FULL
// §4.6): an HTTP CONNECT tunnel that only lets a sandboxed container reach
// the domains its capability token's network claim allows. Grounded on the
// teacher's interfaces/http/server.go for the net/http server lifecycle
// (Start/Stop with graceful shutdown) and interfaces/websocket/handler.go's
// Hub register/unregister channel pattern, reused here to register one
// allow-list per container source IP instead of one client per connection.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/sentryclaw/gateway/pkg/errors"
)

// registration is a register/unregister request, mirroring the teacher's
// websocket.Hub channel-based client bookkeeping.
type registration struct {
	sourceIP       string
	allowedDomains []string
	remove         bool
}

// Proxy is an HTTP CONNECT tunnel. Every sandboxed container is assigned an
// allow-list keyed by its source IP (the container's bridge-network
// address); a CONNECT request from an unregistered IP, or to a domain not
// on its list, is refused before any bytes are forwarded.
type Proxy struct {
	server *http.Server
	logger *zap.Logger

	register   chan registration
	unregister chan string
	done       chan struct{}

	mu         sync.RWMutex
	allowLists map[string]map[string]bool // sourceIP -> allowed domain set
}

// NewProxy builds a Proxy bound to addr (e.g. "127.0.0.1:8443"). Call Run in
// a goroutine to drive the registration loop before Start.
func NewProxy(addr string, logger *zap.Logger) *Proxy {
	p := &Proxy{
		logger:     logger,
		register:   make(chan registration),
		unregister: make(chan string),
		done:       make(chan struct{}),
		allowLists: make(map[string]map[string]bool),
	}
	p.server = &http.Server{
		Addr:    addr,
		Handler: http.HandlerFunc(p.handle),
	}
	return p
}

// Run drives the allow-list registration loop until ctx is cancelled,
// mirroring websocket.Hub.Run's select-on-channels shape.
func (p *Proxy) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(p.done)
			return
		case reg := <-p.register:
			p.mu.Lock()
			set := make(map[string]bool, len(reg.allowedDomains))
			for _, d := range reg.allowedDomains {
				set[strings.ToLower(d)] = true
			}
			p.allowLists[reg.sourceIP] = set
			p.mu.Unlock()
			p.logger.Info("proxy allow-list registered",
				zap.String("source_ip", reg.sourceIP), zap.Int("domains", len(set)))
		case ip := <-p.unregister:
			p.mu.Lock()
			delete(p.allowLists, ip)
			p.mu.Unlock()
			p.logger.Info("proxy allow-list unregistered", zap.String("source_ip", ip))
		}
	}
}

// RegisterContainer allows sourceIP to reach exactly allowedDomains. Called
// when the Dispatcher starts a task whose capability token's network claim
// is "allowlist" (spec §3 Capability Token, §4.3 Dispatcher).
func (p *Proxy) RegisterContainer(sourceIP string, allowedDomains []string) {
	p.register <- registration{sourceIP: sourceIP, allowedDomains: allowedDomains}
}

// UnregisterContainer revokes sourceIP's allow-list once its task completes
// — the "exactly-once container teardown" guarantee extends to egress.
func (p *Proxy) UnregisterContainer(sourceIP string) {
	p.unregister <- sourceIP
}

// Start begins serving CONNECT requests. Non-blocking: errors surface via
// the logger, matching the teacher's http.Server.Start.
func (p *Proxy) Start() {
	p.logger.Info("starting domain-filtering proxy", zap.String("address", p.server.Addr))
	go func() {
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.logger.Error("proxy server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the proxy's listener.
func (p *Proxy) Stop(ctx context.Context) error {
	p.logger.Info("stopping domain-filtering proxy")
	return p.server.Shutdown(ctx)
}

func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect {
		http.Error(w, "only CONNECT is supported", http.StatusMethodNotAllowed)
		return
	}

	sourceIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		sourceIP = r.RemoteAddr
	}

	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
	}

	if err := p.checkAllowed(sourceIP, host); err != nil {
		p.logger.Warn("proxy denied CONNECT",
			zap.String("source_ip", sourceIP), zap.String("host", host), zap.Error(err))
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	_, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		port = "443"
	}

	resolvedIP, err := p.denyPrivateTarget(host)
	if err != nil {
		p.logger.Warn("proxy denied private-network target",
			zap.String("source_ip", sourceIP), zap.String("host", host), zap.Error(err))
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	// Dial the specific IP denyPrivateTarget just validated rather than
	// re-resolving host: a second lookup here could return a different
	// (rebound) address than the one that passed the private-network check.
	dest, err := net.DialTimeout("tcp", net.JoinHostPort(resolvedIP.String(), port), 10*time.Second)
	if err != nil {
		http.Error(w, "failed to reach upstream", http.StatusBadGateway)
		return
	}
	defer dest.Close()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	client, _, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}
	defer client.Close()

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	splice(client, dest)
}

// checkAllowed enforces the fail-closed policy: an unregistered source IP,
// or a registered IP whose list does not contain host, is refused.
func (p *Proxy) checkAllowed(sourceIP, host string) error {
	p.mu.RLock()
	set, ok := p.allowLists[sourceIP]
	p.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: no allow-list registered for %s", apperrors.ErrCapability, sourceIP)
	}
	if !set[strings.ToLower(host)] {
		return fmt.Errorf("%w: %s is not on the allow-list for %s", apperrors.ErrCapability, host, sourceIP)
	}
	return nil
}

// denyPrivateTarget resolves host, rejects loopback/private/link-local
// targets, and returns the validated IP the caller must dial — closing the
// SSRF hole a domain allow-list alone leaves open (a sandboxed container
// could otherwise "allow-list" api.example.com and have DNS rebind it to
// 169.254.169.254 between this check and the dial) by making the checked
// address and the dialed address the same value instead of two independent
// resolutions.
func (p *Proxy) denyPrivateTarget(host string) (net.IP, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", apperrors.ErrCapability, host, err)
	}
	for _, ip := range ips {
		if isPrivateOrReserved(ip) {
			return nil, fmt.Errorf("%w: %s resolves to a private/reserved address", apperrors.ErrCapability, host)
		}
	}
	return ips[0], nil
}

func isPrivateOrReserved(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// splice bidirectionally copies bytes between the client and the dialed
// upstream connection until either side closes.
func splice(client, dest net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(dest, client)
	}()
	go func() {
		defer wg.Done()
		io.Copy(client, dest)
	}()
	wg.Wait()
}
