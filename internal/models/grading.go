package models

import (
	"time"

	"gorm.io/datatypes"
)

// GradingRecord stores one single-answer grading outcome.
type GradingRecord struct {
	ID              string            `gorm:"primaryKey;size:36" json:"id"`
	RequestHash     string            `gorm:"size:64;index" json:"request_hash"`
	ReferenceAnswer string            `gorm:"type:text" json:"reference_answer"`
	StudentAnswer   string            `gorm:"type:text" json:"student_answer"`
	Criteria        datatypes.JSON    `json:"criteria"`
	Language        string            `gorm:"size:16" json:"language"`
	TotalScore      float64           `gorm:"not null" json:"total_score"`
	CriteriaScores  datatypes.JSONMap `json:"criteria_scores"`
	Feedback        string            `gorm:"type:text" json:"feedback"`
	ConfidenceScore float64           `gorm:"not null" json:"confidence_score"`
	MeetsThreshold  bool              `json:"meets_threshold"`
	EvaluatorID     string            `gorm:"size:128" json:"evaluator_id"`
	ProducedAt      time.Time         `json:"produced_at"`
	RequestedBy     string            `gorm:"size:64;index" json:"requested_by"`
	CreatedAt       time.Time         `json:"created_at"`
}

// GradingBatch mirrors a batch held by the coordinator.
type GradingBatch struct {
	ID              string             `gorm:"primaryKey;size:36" json:"id"`
	ReferenceAnswer string             `gorm:"type:text" json:"reference_answer"`
	Criteria        datatypes.JSON     `json:"criteria"`
	Language        string             `gorm:"size:16" json:"language"`
	MaxRetries      int                `json:"max_retries"`
	State           string             `gorm:"size:16;index;not null" json:"state"`
	CreatedBy       string             `gorm:"size:64;index" json:"created_by"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	Items           []GradingBatchItem `gorm:"foreignKey:BatchID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"items"`
}

// GradingBatchItem mirrors one submission and its terminal outcome.
type GradingBatchItem struct {
	ID              uint              `gorm:"primaryKey" json:"-"`
	BatchID         string            `gorm:"size:36;not null;uniqueIndex:idx_grading_batch_item" json:"batch_id"`
	ItemID          string            `gorm:"size:128;not null;uniqueIndex:idx_grading_batch_item" json:"item_id"`
	Position        int               `gorm:"not null" json:"position"`
	Content         string            `gorm:"type:text" json:"content"`
	State           string            `gorm:"size:16;index;not null" json:"state"`
	TotalScore      *float64          `json:"total_score"`
	CriteriaScores  datatypes.JSONMap `json:"criteria_scores"`
	Feedback        string            `gorm:"type:text" json:"feedback"`
	ConfidenceScore *float64          `json:"confidence_score"`
	EvaluatorID     string            `gorm:"size:128" json:"evaluator_id"`
	ErrorKind       string            `gorm:"size:64" json:"error_kind"`
	ErrorCause      string            `gorm:"size:64" json:"error_cause"`
	ErrorMessage    string            `gorm:"type:text" json:"error_message"`
	Attempts        int               `json:"attempts"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}
