package persistence

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/sentryclaw/gateway/internal/domain/entity"
	"github.com/sentryclaw/gateway/internal/domain/repository"
	"github.com/sentryclaw/gateway/internal/infrastructure/persistence/models"
	domainErrors "github.com/sentryclaw/gateway/pkg/errors"
)

// GormApprovalRepository is the persistent Approval store (spec §4.5),
// grounded on GormAgentRepository's shape.
type GormApprovalRepository struct {
	db *gorm.DB
}

// NewGormApprovalRepository creates a GORM-backed ApprovalRepository.
func NewGormApprovalRepository(db *gorm.DB) repository.ApprovalRepository {
	return &GormApprovalRepository{db: db}
}

func (r *GormApprovalRepository) Create(ctx context.Context, a *entity.Approval) error {
	model := toApprovalModel(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return domainErrors.NewInternalErrorWithCause("failed to create approval", err)
	}
	return nil
}

func (r *GormApprovalRepository) GetByID(ctx context.Context, id string) (*entity.Approval, error) {
	var model models.ApprovalModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("approval not found")
		}
		return nil, domainErrors.NewInternalErrorWithCause("failed to find approval", err)
	}
	return toApprovalEntity(&model), nil
}

// Resolve performs the terminal transition atomically: the UPDATE only
// applies WHERE status = 'pending', so a second resolution (decision vs.
// expiry sweeper racing) affects zero rows and is reported as !ok — the
// first writer wins (spec §5, §8).
func (r *GormApprovalRepository) Resolve(ctx context.Context, id string, status entity.ApprovalStatus) (*entity.Approval, bool, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&models.ApprovalModel{}).
		Where("id = ? AND status = ?", id, string(entity.ApprovalPending)).
		Updates(map[string]interface{}{
			"status":      string(status),
			"resolved_at": now,
		})
	if result.Error != nil {
		return nil, false, domainErrors.NewInternalErrorWithCause("failed to resolve approval", result.Error)
	}

	row, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return row, result.RowsAffected > 0, nil
}

func (r *GormApprovalRepository) ExpireStalePending(ctx context.Context, maxAgeMs int64) (int, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(maxAgeMs) * time.Millisecond)
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&models.ApprovalModel{}).
		Where("status = ? AND created_at < ?", string(entity.ApprovalPending), cutoff).
		Updates(map[string]interface{}{
			"status":      string(entity.ApprovalExpired),
			"resolved_at": now,
		})
	if result.Error != nil {
		return 0, domainErrors.NewInternalErrorWithCause("failed to expire approvals", result.Error)
	}
	return int(result.RowsAffected), nil
}

func (r *GormApprovalRepository) GetRecent(ctx context.Context, limit int) ([]*entity.Approval, error) {
	var modelList []models.ApprovalModel
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&modelList).Error; err != nil {
		return nil, domainErrors.NewInternalErrorWithCause("failed to list approvals", err)
	}
	out := make([]*entity.Approval, 0, len(modelList))
	for i := range modelList {
		out = append(out, toApprovalEntity(&modelList[i]))
	}
	return out, nil
}

func toApprovalModel(a *entity.Approval) *models.ApprovalModel {
	return &models.ApprovalModel{
		ID:          a.ID,
		SessionID:   a.SessionID,
		ToolName:    a.ToolName,
		ToolInput:   a.ToolInput,
		Capability:  a.Capability,
		Reason:      a.Reason,
		PlanContext: a.PlanContext,
		CreatedAt:   a.CreatedAt,
		ResolvedAt:  a.ResolvedAt,
		Status:      string(a.Status),
	}
}

func toApprovalEntity(m *models.ApprovalModel) *entity.Approval {
	return &entity.Approval{
		ID:          m.ID,
		SessionID:   m.SessionID,
		ToolName:    m.ToolName,
		ToolInput:   m.ToolInput,
		Capability:  m.Capability,
		Reason:      m.Reason,
		PlanContext: m.PlanContext,
		CreatedAt:   m.CreatedAt,
		ResolvedAt:  m.ResolvedAt,
		Status:      entity.ApprovalStatus(m.Status),
	}
}
