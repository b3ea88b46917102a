package tool

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/sentryclaw/gateway/internal/domain/service"
	"github.com/sentryclaw/gateway/internal/infrastructure/memorystore"
)

func newTestMemoryStore(t *testing.T) *memorystore.Store {
	t.Helper()
	store, err := memorystore.Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func withChatID(chatID string) context.Context {
	return service.WithTurnContext(context.Background(), service.TurnContext{ChatID: chatID})
}

func TestSaveMemoryTool_Execute(t *testing.T) {
	store := newTestMemoryStore(t)
	tool := NewSaveMemoryTool(store, zap.NewNop())

	t.Run("success", func(t *testing.T) {
		result, err := tool.Execute(withChatID("chat-1"), map[string]interface{}{
			"category": "preference",
			"topic":    "editor",
			"content":  "Prefers vim keybindings.",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.Success {
			t.Fatalf("expected success, got error %q", result.Error)
		}

		hits, err := store.Search(withChatID("chat-1"), "chat-1", "vim", 5)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(hits) != 1 {
			t.Fatalf("expected 1 hit, got %d", len(hits))
		}
	})

	t.Run("unknown category", func(t *testing.T) {
		result, err := tool.Execute(withChatID("chat-1"), map[string]interface{}{
			"category": "bogus",
			"topic":    "x",
			"content":  "y",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Success {
			t.Fatal("expected failure for an unknown category")
		}
	})

	t.Run("missing content", func(t *testing.T) {
		result, err := tool.Execute(withChatID("chat-1"), map[string]interface{}{
			"category": "fact",
			"topic":    "x",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Success {
			t.Fatal("expected failure for missing content")
		}
	})

	t.Run("scoped by chat", func(t *testing.T) {
		_, err := tool.Execute(withChatID("chat-2"), map[string]interface{}{
			"category": "fact",
			"topic":    "birthday",
			"content":  "Born in March.",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		hits, err := store.Search(withChatID("chat-1"), "chat-1", "birthday", 5)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(hits) != 0 {
			t.Fatal("expected chat-1's search not to see chat-2's memory")
		}
	})
}

func TestSearchMemoryTool_Execute(t *testing.T) {
	store := newTestMemoryStore(t)
	save := NewSaveMemoryTool(store, zap.NewNop())
	search := NewSearchMemoryTool(store, zap.NewNop())

	t.Run("no results", func(t *testing.T) {
		result, err := search.Execute(withChatID("chat-1"), map[string]interface{}{"query": "anything"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.Success {
			t.Fatal("expected success even with zero hits")
		}
	})

	t.Run("finds a saved fact", func(t *testing.T) {
		if _, err := save.Execute(withChatID("chat-1"), map[string]interface{}{
			"category": "environment",
			"topic":    "os",
			"content":  "Runs Arch Linux with a tiling window manager.",
		}); err != nil {
			t.Fatalf("save: %v", err)
		}

		result, err := search.Execute(withChatID("chat-1"), map[string]interface{}{"query": "Arch Linux"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.Success {
			t.Fatalf("expected success, got error %q", result.Error)
		}
		if result.Output == "No matching memories found." {
			t.Fatal("expected the saved fact to be found")
		}
	})

	t.Run("missing query", func(t *testing.T) {
		result, err := search.Execute(withChatID("chat-1"), map[string]interface{}{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Success {
			t.Fatal("expected failure for a missing query")
		}
	})
}
