package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/HumNoi1/Projects/internal/models"
)

// GradingBatchRepository mirrors batch state into the database.
type GradingBatchRepository interface {
	Create(ctx context.Context, batch *models.GradingBatch) error
	AddItems(ctx context.Context, batchID string, items []models.GradingBatchItem) error
	UpdateState(ctx context.Context, batchID, state string, at time.Time) error
	UpdateItem(ctx context.Context, item models.GradingBatchItem) error
	Get(ctx context.Context, batchID string) (models.GradingBatch, error)
	Delete(ctx context.Context, batchID string) error
	CloseInterrupted(ctx context.Context, interruption Interruption) (int64, error)
	ListOpen(ctx context.Context, closedState string) ([]models.GradingBatch, error)
}

// Interruption describes how rows left behind by a stopped process are closed.
// Items in ItemState move to ItemFailedState with the given error, and batches
// in BatchState move to BatchClosedState.
type Interruption struct {
	ItemState        string
	ItemFailedState  string
	BatchState       string
	BatchClosedState string
	ErrorKind        string
	ErrorMessage     string
	At               time.Time
}

type gradingBatchRepository struct {
	db *gorm.DB
}

// NewGradingBatchRepository instantiates the repository.
func NewGradingBatchRepository(db *gorm.DB) GradingBatchRepository {
	return &gradingBatchRepository{db: db}
}

func (r *gradingBatchRepository) Create(ctx context.Context, batch *models.GradingBatch) error {
	return r.db.WithContext(ctx).Omit("Items").Create(batch).Error
}

func (r *gradingBatchRepository) AddItems(ctx context.Context, batchID string, items []models.GradingBatchItem) error {
	if len(items) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.GradingBatchItem{}).Where("batch_id = ?", batchID).Count(&existing).Error; err != nil {
			return err
		}

		for i := range items {
			items[i].BatchID = batchID
			items[i].Position = int(existing) + i
		}

		return tx.Create(&items).Error
	})
}

func (r *gradingBatchRepository) UpdateState(ctx context.Context, batchID, state string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.GradingBatch{}).
		Where("id = ?", batchID).
		Updates(map[string]interface{}{"state": state, "updated_at": at}).Error
}

func (r *gradingBatchRepository) UpdateItem(ctx context.Context, item models.GradingBatchItem) error {
	updates := map[string]interface{}{
		"state":            item.State,
		"total_score":      item.TotalScore,
		"criteria_scores":  item.CriteriaScores,
		"feedback":         item.Feedback,
		"confidence_score": item.ConfidenceScore,
		"evaluator_id":     item.EvaluatorID,
		"error_kind":       item.ErrorKind,
		"error_cause":      item.ErrorCause,
		"error_message":    item.ErrorMessage,
		"attempts":         item.Attempts,
		"updated_at":       item.UpdatedAt,
	}

	return r.db.WithContext(ctx).
		Model(&models.GradingBatchItem{}).
		Where("batch_id = ? AND item_id = ?", item.BatchID, item.ItemID).
		Updates(updates).Error
}

func (r *gradingBatchRepository) Get(ctx context.Context, batchID string) (models.GradingBatch, error) {
	var batch models.GradingBatch
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Where("id = ?", batchID).
		First(&batch).Error
	if err != nil {
		return models.GradingBatch{}, err
	}

	return batch, nil
}

func (r *gradingBatchRepository) Delete(ctx context.Context, batchID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("batch_id = ?", batchID).Delete(&models.GradingBatchItem{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", batchID).Delete(&models.GradingBatch{}).Error
	})
}

func (r *gradingBatchRepository) CloseInterrupted(ctx context.Context, interruption Interruption) (int64, error) {
	var items int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.GradingBatchItem{}).
			Where("state = ?", interruption.ItemState).
			Updates(map[string]interface{}{
				"state":         interruption.ItemFailedState,
				"error_kind":    interruption.ErrorKind,
				"error_cause":   interruption.ErrorKind,
				"error_message": interruption.ErrorMessage,
				"updated_at":    interruption.At,
			})
		if result.Error != nil {
			return result.Error
		}
		items = result.RowsAffected

		return tx.Model(&models.GradingBatch{}).
			Where("state = ?", interruption.BatchState).
			Updates(map[string]interface{}{"state": interruption.BatchClosedState, "updated_at": interruption.At}).Error
	})
	if err != nil {
		return 0, err
	}

	return items, nil
}

func (r *gradingBatchRepository) ListOpen(ctx context.Context, closedState string) ([]models.GradingBatch, error) {
	var batches []models.GradingBatch
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Where("state <> ?", closedState).
		Order("created_at ASC").
		Find(&batches).Error
	if err != nil {
		return nil, err
	}

	return batches, nil
}
