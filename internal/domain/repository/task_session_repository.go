package repository

import (
	"context"

	"github.com/sentryclaw/gateway/internal/domain/entity"
)

// TaskSessionRepository persists TaskSession rows (spec §4.4). Enforces the
// "at most one active TaskSession per user" invariant at CreateActive time.
type TaskSessionRepository interface {
	// CreateActive inserts t with status active, failing if the user
	// already has an active TaskSession (spec §8).
	CreateActive(ctx context.Context, t *entity.TaskSession) error

	GetByID(ctx context.Context, id string) (*entity.TaskSession, error)

	// GetActiveByUser returns the user's active TaskSession, or not-found.
	GetActiveByUser(ctx context.Context, userID string) (*entity.TaskSession, error)

	Update(ctx context.Context, t *entity.TaskSession) error
}
