package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/HumNoi1/Projects/internal/models"
)

// GradingRecordRepository persists single grading outcomes.
type GradingRecordRepository interface {
	Create(ctx context.Context, record *models.GradingRecord) error
	GetByID(ctx context.Context, id string) (models.GradingRecord, error)
}

type gradingRecordRepository struct {
	db *gorm.DB
}

// NewGradingRecordRepository instantiates the repository.
func NewGradingRecordRepository(db *gorm.DB) GradingRecordRepository {
	return &gradingRecordRepository{db: db}
}

func (r *gradingRecordRepository) Create(ctx context.Context, record *models.GradingRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *gradingRecordRepository) GetByID(ctx context.Context, id string) (models.GradingRecord, error) {
	var record models.GradingRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error; err != nil {
		return models.GradingRecord{}, err
	}

	return record, nil
}
