package mcp

import (
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/sentryclaw/gateway/internal/infrastructure/config"
)

func toolDefs(names ...string) []mcpgo.Tool {
	out := make([]mcpgo.Tool, 0, len(names))
	for _, n := range names {
		out = append(out, mcpgo.Tool{Name: n})
	}
	return out
}

func TestFilterToolDefsExcludeWinsOverInclude(t *testing.T) {
	spec := config.MCPServerSpec{
		IncludeTools: []string{"read_file", "write_file"},
		ExcludeTools: []string{"write_file"},
	}
	kept := filterToolDefs(toolDefs("read_file", "write_file", "delete_file"), spec)
	if len(kept) != 1 || kept[0].Name != "read_file" {
		t.Fatalf("expected only read_file to survive, got %+v", kept)
	}
}

func TestFilterToolDefsMaxToolsTruncatesDeterministically(t *testing.T) {
	spec := config.MCPServerSpec{MaxTools: 2}
	kept := filterToolDefs(toolDefs("zeta", "alpha", "mu"), spec)
	if len(kept) != 2 || kept[0].Name != "alpha" || kept[1].Name != "mu" {
		t.Fatalf("expected sorted truncation [alpha mu], got %+v", kept)
	}
}

func TestFilterToolDefsNoIncludeAllowsAll(t *testing.T) {
	kept := filterToolDefs(toolDefs("a", "b"), config.MCPServerSpec{})
	if len(kept) != 2 {
		t.Fatalf("expected both tools kept with no filtering rules, got %+v", kept)
	}
}
