package repository

import (
	"context"

	"github.com/sentryclaw/gateway/internal/domain/entity"
)

// MemoryRepository is the persistent memory store (spec §4.5). Save
// upserts by (userId, category, topic); Search increments each returned
// record's accessCount exactly once per hit (spec §8).
type MemoryRepository interface {
	Save(ctx context.Context, userID string, category entity.MemoryCategory, topic, content string) (*entity.MemoryRecord, error)
	GetByCategory(ctx context.Context, userID string, category entity.MemoryCategory) ([]*entity.MemoryRecord, error)
	Search(ctx context.Context, userID, query string, limit int) ([]entity.MemoryHit, error)
	DeleteByID(ctx context.Context, id string) error
	DeleteByTopic(ctx context.Context, userID string, category entity.MemoryCategory, topic string) error
}
