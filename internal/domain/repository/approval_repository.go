package repository

import (
	"context"

	"github.com/sentryclaw/gateway/internal/domain/entity"
)

// ApprovalRepository persists Approval rows (spec §4.5 "Approval store").
type ApprovalRepository interface {
	// Create inserts a new pending Approval and returns it with its id set.
	Create(ctx context.Context, a *entity.Approval) error

	// GetByID fetches one Approval, or entity not-found error.
	GetByID(ctx context.Context, id string) (*entity.Approval, error)

	// Resolve transitions id to status, setting ResolvedAt, but only if the
	// row is still pending — subsequent calls on an already-resolved row
	// are no-ops (spec §8 "once status ≠ pending ... do not change").
	// Returns the resulting row and whether this call actually performed
	// the transition (false means someone else already resolved it).
	Resolve(ctx context.Context, id string, status entity.ApprovalStatus) (*entity.Approval, bool, error)

	// ExpireStalePending transitions every pending row older than maxAgeMs
	// to expired and returns how many rows were changed.
	ExpireStalePending(ctx context.Context, maxAgeMs int64) (int, error)

	// GetRecent returns the most recent approvals, newest first.
	GetRecent(ctx context.Context, limit int) ([]*entity.Approval, error)
}
