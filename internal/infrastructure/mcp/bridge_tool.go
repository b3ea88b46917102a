package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/sentryclaw/gateway/internal/domain/tool"
)

// BridgeTool adapts one MCP server-advertised tool to the teacher's
// domain/tool.Tool interface, so the Orchestrator calls MCP tools exactly
// like any other tool (SPEC_FULL §4.6).
type BridgeTool struct {
	server     string
	original   mcpgo.Tool
	client     *mcpclient.Client
	connected  *atomic.Bool
	timeoutSec int
}

// NewBridgeTool wraps def so Name() returns "mcp_{server}__{toolName}",
// per the prefixing convention SPEC_FULL §4.6 requires.
func NewBridgeTool(server string, def mcpgo.Tool, client *mcpclient.Client, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	if timeoutSec <= 0 {
		timeoutSec = 60
	}
	return &BridgeTool{
		server:     server,
		original:   def,
		client:     client,
		connected:  connected,
		timeoutSec: timeoutSec,
	}
}

func (b *BridgeTool) Name() string {
	return fmt.Sprintf("mcp_%s__%s", b.server, b.original.Name)
}

// OriginalName is the tool name as the MCP server itself advertises it,
// unprefixed — used for includeTools/excludeTools matching.
func (b *BridgeTool) OriginalName() string {
	return b.original.Name
}

func (b *BridgeTool) Description() string {
	return fmt.Sprintf("[%s] %s", b.server, b.original.Description)
}

// Kind is always KindExecute: the Classifier/Gate treats every MCP call as
// potentially side-effecting since the gateway cannot inspect what a
// third-party MCP server actually does with its input.
func (b *BridgeTool) Kind() tool.Kind {
	return tool.KindExecute
}

func (b *BridgeTool) Schema() map[string]interface{} {
	var schema map[string]interface{}
	raw, err := json.Marshal(b.original.InputSchema)
	if err != nil {
		return map[string]interface{}{}
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return map[string]interface{}{}
	}
	return schema
}

func (b *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) (*tool.Result, error) {
	if b.connected != nil && !b.connected.Load() {
		return &tool.Result{Success: false, Error: fmt.Sprintf("mcp server %q is disconnected", b.server)}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(b.timeoutSec)*time.Second)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.original.Name
	req.Params.Arguments = args

	res, err := b.client.CallTool(callCtx, req)
	if err != nil {
		return &tool.Result{Success: false, Error: err.Error()}, nil
	}

	text := flattenContent(res)
	return &tool.Result{
		Output:  text,
		Success: !res.IsError,
	}, nil
}

func flattenContent(res *mcpgo.CallToolResult) string {
	if res == nil {
		return ""
	}
	out := ""
	for i, c := range res.Content {
		if tc, ok := mcpgo.AsTextContent(c); ok {
			if i > 0 {
				out += "\n"
			}
			out += tc.Text
		}
	}
	return out
}
