package tool

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sentryclaw/gateway/internal/domain/entity"
	"github.com/sentryclaw/gateway/internal/domain/service"
	domaintool "github.com/sentryclaw/gateway/internal/domain/tool"
	"github.com/sentryclaw/gateway/internal/infrastructure/memorystore"
)

// validMemoryCategories mirrors entity.MemoryCategory's fixed buckets
// (spec §3) for argument validation.
var validMemoryCategories = map[string]entity.MemoryCategory{
	"user":        entity.MemoryCategoryUser,
	"preference":  entity.MemoryCategoryPreference,
	"project":     entity.MemoryCategoryProject,
	"fact":        entity.MemoryCategoryFact,
	"environment": entity.MemoryCategoryEnvironment,
}

// memoryUserID resolves the acting user from the turn context the
// SecurityToolExecutor/Orchestrator stamps onto ctx — memory tools bypass
// the Gate (service.memoryBypassTools) but still need a scoping key, and
// the gateway has no separate user identity beyond the bridge chat.
func memoryUserID(ctx context.Context) string {
	tc := service.TurnContextFromContext(ctx)
	if tc.ChatID != "" {
		return tc.ChatID
	}
	return "default"
}

// SaveMemoryTool persists a category/topic/content triple to the FTS5
// memory store (spec §3 MemoryRecord, §4.5). Supersedes the teacher's
// flat memory.json SaveMemoryTool — deduplication is handled inside
// memorystore.Store.Save by topic, not by LCS similarity.
type SaveMemoryTool struct {
	store  *memorystore.Store
	logger *zap.Logger
}

// NewSaveMemoryTool wires save_memory to the persistent memory store.
func NewSaveMemoryTool(store *memorystore.Store, logger *zap.Logger) *SaveMemoryTool {
	return &SaveMemoryTool{store: store, logger: logger}
}

func (t *SaveMemoryTool) Name() string         { return "save_memory" }
func (t *SaveMemoryTool) Kind() domaintool.Kind { return domaintool.KindThink }
func (t *SaveMemoryTool) Description() string {
	return "Save a fact about the user, their preferences, a project, their environment, " +
		"or a general fact to long-term memory. Facts are stored by category and topic and " +
		"can be recalled later with search_memory."
}

func (t *SaveMemoryTool) Schema() map[string]interface{} {
	categories := make([]string, 0, len(validMemoryCategories))
	for k := range validMemoryCategories {
		categories = append(categories, k)
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"category": map[string]interface{}{
				"type":        "string",
				"description": "One of: user, preference, project, fact, environment.",
				"enum":        categories,
			},
			"topic": map[string]interface{}{
				"type":        "string",
				"description": "Short stable key this fact is filed under, e.g. 'editor' or 'timezone'.",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The fact to remember, as a concise self-contained statement.",
			},
		},
		"required": []string{"category", "topic", "content"},
	}
}

func (t *SaveMemoryTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	category, _ := args["category"].(string)
	topic, _ := args["topic"].(string)
	content, _ := args["content"].(string)
	content = strings.TrimSpace(content)

	cat, ok := validMemoryCategories[category]
	if !ok {
		return &domaintool.Result{Success: false, Error: fmt.Sprintf("unknown category %q", category)}, nil
	}
	if strings.TrimSpace(topic) == "" || content == "" {
		return &domaintool.Result{Success: false, Error: "'topic' and 'content' are required"}, nil
	}

	rec, err := t.store.Save(ctx, memoryUserID(ctx), cat, topic, content)
	if err != nil {
		return &domaintool.Result{Success: false, Error: err.Error()}, nil
	}

	t.logger.Info("memory saved", zap.String("category", string(cat)), zap.String("topic", topic))
	return &domaintool.Result{
		Output:  fmt.Sprintf("Remembered [%s/%s]: %s", cat, topic, content),
		Display: fmt.Sprintf("💾 [%s/%s] %s", cat, topic, content),
		Success: true,
		Metadata: map[string]interface{}{
			"id": rec.ID,
		},
	}, nil
}

// SearchMemoryTool full-text-searches the memory store (spec §4.5). The
// teacher's original tree had no search_memory tool at all — facts could
// only be inlined wholesale into the prompt — so this closes a gap the
// distillation's save-only tool left.
type SearchMemoryTool struct {
	store  *memorystore.Store
	logger *zap.Logger
}

// NewSearchMemoryTool wires search_memory to the persistent memory store.
func NewSearchMemoryTool(store *memorystore.Store, logger *zap.Logger) *SearchMemoryTool {
	return &SearchMemoryTool{store: store, logger: logger}
}

func (t *SearchMemoryTool) Name() string         { return "search_memory" }
func (t *SearchMemoryTool) Kind() domaintool.Kind { return domaintool.KindSearch }
func (t *SearchMemoryTool) Description() string {
	return "Search previously saved memories by keyword. Returns the best-matching facts " +
		"across all categories, most relevant first."
}

func (t *SearchMemoryTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Keywords to search for.",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Maximum number of results (default 5).",
			},
		},
		"required": []string{"query"},
	}
}

func (t *SearchMemoryTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return &domaintool.Result{Success: false, Error: "'query' is required"}, nil
	}
	limit := 5
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	hits, err := t.store.Search(ctx, memoryUserID(ctx), query, limit)
	if err != nil {
		return &domaintool.Result{Success: false, Error: err.Error()}, nil
	}
	if len(hits) == 0 {
		return &domaintool.Result{Output: "No matching memories found.", Success: true}, nil
	}

	var sb strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&sb, "- [%s/%s] %s\n", h.Record.Category, h.Record.Topic, h.Record.Content)
	}
	return &domaintool.Result{Output: sb.String(), Success: true}, nil
}
