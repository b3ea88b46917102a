// Package mcp connects to configured Model Context Protocol servers over
// stdio, discovers their tools, and registers each as a prefixed
// domain/tool.Tool so the Orchestrator can call them like any other tool
// (SPEC_FULL §4.6). Grounded on vanducng-goclaw's internal/mcp package:
// same connect/health-loop/reconnect shape, generalized to the gateway's
// includeTools/excludeTools/maxTools filtering instead of DB-backed grants.
package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/sentryclaw/gateway/internal/domain/tool"
	"github.com/sentryclaw/gateway/internal/infrastructure/config"
	apperrors "github.com/sentryclaw/gateway/pkg/errors"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
)

// ServerStatus reports one MCP server's connection health, surfaced to the
// operator console (interfaces/tui).
type ServerStatus struct {
	Name      string
	Connected bool
	ToolCount int
	LastError string
}

type serverState struct {
	name       string
	client     *mcpclient.Client
	connected  atomic.Bool
	toolNames  []string
	timeoutSec int
	cancel     context.CancelFunc

	mu             sync.Mutex
	reconnAttempts int
	lastErr        string
}

// Manager owns one live connection per configured MCP server and keeps
// registry populated with prefixed BridgeTool entries for each.
type Manager struct {
	registry tool.Registry
	logger   *zap.Logger

	mu      sync.RWMutex
	servers map[string]*serverState
}

// NewManager returns a Manager that registers discovered tools into registry.
func NewManager(registry tool.Registry, logger *zap.Logger) *Manager {
	return &Manager{
		registry: registry,
		logger:   logger,
		servers:  make(map[string]*serverState),
	}
}

// Start connects every enabled server spec. A single server's connect error
// is logged and does not stop the remaining servers from connecting; after
// all specs are tried, the returned error names every server that failed
// (mirrors vanducng-goclaw's Start()).
func (m *Manager) Start(ctx context.Context, specs []config.MCPServerSpec) error {
	var failed []string
	for _, spec := range specs {
		if spec.Name == "" || spec.Command == "" {
			continue
		}
		if err := m.connectServer(ctx, spec); err != nil {
			m.logger.Warn("mcp server connect failed",
				zap.String("server", spec.Name), zap.Error(err))
			failed = append(failed, spec.Name)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: servers failed to connect: %v", apperrors.ErrMCP, failed)
	}
	return nil
}

func (m *Manager) connectServer(ctx context.Context, spec config.MCPServerSpec) error {
	envSlice := mapToEnvSlice(spec.Env)
	client, err := mcpclient.NewStdioMCPClient(spec.Command, envSlice, spec.Args...)
	if err != nil {
		return fmt.Errorf("%w: create client: %v", apperrors.ErrMCP, err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "sentryclaw-gateway", Version: "1.0.0"}

	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("%w: initialize: %v", apperrors.ErrMCP, err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("%w: list tools: %v", apperrors.ErrMCP, err)
	}

	ss := &serverState{name: spec.Name, client: client, timeoutSec: 60}
	ss.connected.Store(true)

	allowed := filterToolDefs(listed.Tools, spec)

	var registered []string
	for _, def := range allowed {
		bt := NewBridgeTool(spec.Name, def, client, ss.timeoutSec, &ss.connected)
		if _, exists := m.registry.Get(bt.Name()); exists {
			m.logger.Warn("mcp tool name collision, skipping",
				zap.String("server", spec.Name), zap.String("tool", bt.Name()))
			continue
		}
		if err := m.registry.Register(bt); err != nil {
			m.logger.Warn("mcp tool registration failed",
				zap.String("server", spec.Name), zap.String("tool", bt.Name()), zap.Error(err))
			continue
		}
		registered = append(registered, bt.Name())
	}
	ss.toolNames = registered

	hctx, cancel := context.WithCancel(context.Background())
	ss.cancel = cancel
	go m.healthLoop(hctx, ss)

	m.mu.Lock()
	m.servers[spec.Name] = ss
	m.mu.Unlock()

	m.logger.Info("mcp server connected",
		zap.String("server", spec.Name), zap.Int("tools", len(registered)))
	return nil
}

// filterToolDefs applies includeTools/excludeTools/maxTools in that order:
// an explicit include list is an allow-list (empty = allow all), exclude
// always wins over include, and maxTools truncates deterministically by
// sorted tool name so repeated runs filter identically.
func filterToolDefs(defs []mcpgo.Tool, spec config.MCPServerSpec) []mcpgo.Tool {
	include := toSet(spec.IncludeTools)
	exclude := toSet(spec.ExcludeTools)

	var kept []mcpgo.Tool
	for _, def := range defs {
		if _, denied := exclude[def.Name]; denied {
			continue
		}
		if len(include) > 0 {
			if _, allowed := include[def.Name]; !allowed {
				continue
			}
		}
		kept = append(kept, def)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Name < kept[j].Name })
	if spec.MaxTools > 0 && len(kept) > spec.MaxTools {
		kept = kept[:spec.MaxTools]
	}
	return kept
}

func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ss.client.Ping(ctx); err != nil {
				ss.connected.Store(false)
				ss.mu.Lock()
				ss.lastErr = err.Error()
				ss.mu.Unlock()
				m.logger.Warn("mcp server health check failed", zap.String("server", ss.name), zap.Error(err))
				m.tryReconnect(ctx, ss)
				continue
			}
			ss.connected.Store(true)
			ss.mu.Lock()
			ss.reconnAttempts = 0
			ss.lastErr = ""
			ss.mu.Unlock()
		}
	}
}

func (m *Manager) tryReconnect(ctx context.Context, ss *serverState) {
	ss.mu.Lock()
	if ss.reconnAttempts >= maxReconnectAttempts {
		ss.mu.Unlock()
		m.logger.Error("mcp server reconnect attempts exhausted", zap.String("server", ss.name))
		return
	}
	ss.reconnAttempts++
	attempt := ss.reconnAttempts
	ss.mu.Unlock()

	backoff := initialBackoff * time.Duration(1<<(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	if err := ss.client.Ping(ctx); err == nil {
		ss.connected.Store(true)
		ss.mu.Lock()
		ss.reconnAttempts = 0
		ss.lastErr = ""
		ss.mu.Unlock()
		m.logger.Info("mcp server reconnected", zap.String("server", ss.name))
	}
}

// Stop closes every server connection and unregisters its tools.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ss := range m.servers {
		if ss.cancel != nil {
			ss.cancel()
		}
		if ss.client != nil {
			_ = ss.client.Close()
		}
		for _, toolName := range ss.toolNames {
			_ = m.registry.Unregister(toolName)
		}
	}
	m.servers = make(map[string]*serverState)
}

// Status reports every connected server's health.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		out = append(out, ServerStatus{
			Name:      ss.name,
			Connected: ss.connected.Load(),
			ToolCount: len(ss.toolNames),
			LastError: ss.lastErr,
		})
	}
	return out
}

func mapToEnvSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		out[item] = struct{}{}
	}
	return out
}
