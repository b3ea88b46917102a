package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"

	"github.com/sentryclaw/gateway/internal/domain/entity"
	"github.com/sentryclaw/gateway/internal/domain/repository"
	"github.com/sentryclaw/gateway/internal/infrastructure/persistence/models"
	domainErrors "github.com/sentryclaw/gateway/pkg/errors"
)

// GormTaskSessionRepository is the persistent TaskSession store.
type GormTaskSessionRepository struct {
	db *gorm.DB
}

// NewGormTaskSessionRepository creates a GORM-backed TaskSessionRepository.
func NewGormTaskSessionRepository(db *gorm.DB) repository.TaskSessionRepository {
	return &GormTaskSessionRepository{db: db}
}

// CreateActive enforces "at most one active TaskSession per user" (spec §8)
// by checking inside the same transaction that creates the row.
func (r *GormTaskSessionRepository) CreateActive(ctx context.Context, t *entity.TaskSession) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.TaskSessionModel{}).
			Where("user_id = ? AND status = ?", t.UserID, string(entity.TaskActive)).
			Count(&count).Error; err != nil {
			return domainErrors.NewInternalErrorWithCause("failed to check active task session", err)
		}
		if count > 0 {
			return domainErrors.NewAlreadyExistsError("user already has an active task session")
		}
		model, err := toTaskSessionModel(t)
		if err != nil {
			return err
		}
		if err := tx.Create(model).Error; err != nil {
			return domainErrors.NewInternalErrorWithCause("failed to create task session", err)
		}
		return nil
	})
}

func (r *GormTaskSessionRepository) GetByID(ctx context.Context, id string) (*entity.TaskSession, error) {
	var model models.TaskSessionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("task session not found")
		}
		return nil, domainErrors.NewInternalErrorWithCause("failed to find task session", err)
	}
	return toTaskSessionEntity(&model)
}

func (r *GormTaskSessionRepository) GetActiveByUser(ctx context.Context, userID string) (*entity.TaskSession, error) {
	var model models.TaskSessionModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, string(entity.TaskActive)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("no active task session")
		}
		return nil, domainErrors.NewInternalErrorWithCause("failed to find active task session", err)
	}
	return toTaskSessionEntity(&model)
}

func (r *GormTaskSessionRepository) Update(ctx context.Context, t *entity.TaskSession) error {
	model, err := toTaskSessionModel(t)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Save(model).Error; err != nil {
		return domainErrors.NewInternalErrorWithCause("failed to update task session", err)
	}
	return nil
}

func toTaskSessionModel(t *entity.TaskSession) (*models.TaskSessionModel, error) {
	planJSON, err := json.Marshal(t.Plan)
	if err != nil {
		return nil, domainErrors.NewInternalErrorWithCause("failed to marshal plan", err)
	}
	return &models.TaskSessionModel{
		ID:              t.ID,
		UserID:          t.UserID,
		OriginalRequest: t.OriginalRequest,
		Status:          string(t.Status),
		Iteration:       t.Iteration,
		MaxIterations:   t.MaxIterations,
		PlanJSON:        string(planJSON),
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}, nil
}

func toTaskSessionEntity(m *models.TaskSessionModel) (*entity.TaskSession, error) {
	var plan entity.Plan
	if m.PlanJSON != "" {
		if err := json.Unmarshal([]byte(m.PlanJSON), &plan); err != nil {
			return nil, domainErrors.NewInternalErrorWithCause("failed to unmarshal plan", err)
		}
	}
	return &entity.TaskSession{
		ID:              m.ID,
		UserID:          m.UserID,
		OriginalRequest: m.OriginalRequest,
		Status:          entity.TaskSessionStatus(m.Status),
		Iteration:       m.Iteration,
		MaxIterations:   m.MaxIterations,
		Plan:            plan,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}, nil
}
