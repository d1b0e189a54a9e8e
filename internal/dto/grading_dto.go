package dto

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/HumNoi1/Projects/internal/grading"
	"github.com/HumNoi1/Projects/internal/models"
)

// CriterionRequest describes one rubric dimension supplied by the caller.
type CriterionRequest struct {
	Name        string  `json:"name" validate:"required,max=100"`
	Description string  `json:"description" validate:"omitempty,max=2000"`
	MaxScore    float64 `json:"max_score" validate:"gt=0"`
	Weight      float64 `json:"weight" validate:"gt=0,lte=1"`
}

// GradeRequest is the payload for grading a single answer.
type GradeRequest struct {
	ReferenceAnswer string             `json:"reference_answer" validate:"required"`
	StudentAnswer   string             `json:"student_answer" validate:"required"`
	Criteria        []CriterionRequest `json:"criteria" validate:"required,min=1,dive"`
	Language        string             `json:"language" validate:"omitempty,max=16"`
	MaxRetries      *int               `json:"max_retries" validate:"omitempty,gte=0,lte=5"`
}

// GradeResponse is returned after a single grading or when reading a stored record.
type GradeResponse struct {
	ID              string             `json:"id"`
	TotalScore      float64            `json:"total_score"`
	MaxTotal        float64            `json:"max_total"`
	CriteriaScores  map[string]float64 `json:"criteria_scores"`
	Feedback        string             `json:"feedback"`
	ConfidenceScore float64            `json:"confidence_score"`
	MeetsThreshold  bool               `json:"meets_threshold"`
	EvaluatorID     string             `json:"evaluator_id"`
	ProducedAt      time.Time          `json:"produced_at"`
	Cached          bool               `json:"cached"`
}

// AnswerItemRequest is one submission of a batch.
type AnswerItemRequest struct {
	ID      string `json:"id" validate:"omitempty,max=128"`
	Content string `json:"content" validate:"required"`
}

// CreateBatchRequest opens a batch, optionally with its first items.
type CreateBatchRequest struct {
	ReferenceAnswer string              `json:"reference_answer" validate:"required"`
	Criteria        []CriterionRequest  `json:"criteria" validate:"required,min=1,dive"`
	Language        string              `json:"language" validate:"omitempty,max=16"`
	MaxRetries      *int                `json:"max_retries" validate:"omitempty,gte=0,lte=5"`
	Items           []AnswerItemRequest `json:"items" validate:"omitempty,dive"`
}

// AddItemsRequest appends submissions to an existing batch.
type AddItemsRequest struct {
	Items []AnswerItemRequest `json:"items" validate:"required,min=1,dive"`
}

// BatchItemsResponse acknowledges a batch creation or item addition.
type BatchItemsResponse struct {
	BatchID string   `json:"batch_id"`
	ItemIDs []string `json:"item_ids"`
}

// BatchStatusResponse is a snapshot of batch progress.
type BatchStatusResponse struct {
	BatchID    string    `json:"batch_id"`
	State      string    `json:"state"`
	Running    bool      `json:"running"`
	Total      int       `json:"total"`
	Pending    int       `json:"pending"`
	Processing int       `json:"processing"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BatchItemError explains a failed batch item.
type BatchItemError struct {
	Kind     string `json:"kind"`
	Cause    string `json:"cause,omitempty"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts"`
}

// BatchItemResult is the terminal outcome of one batch item.
type BatchItemResult struct {
	ItemID          string             `json:"item_id"`
	State           string             `json:"state"`
	TotalScore      *float64           `json:"total_score,omitempty"`
	CriteriaScores  map[string]float64 `json:"criteria_scores,omitempty"`
	Feedback        string             `json:"feedback,omitempty"`
	ConfidenceScore *float64           `json:"confidence_score,omitempty"`
	MeetsThreshold  *bool              `json:"meets_threshold,omitempty"`
	EvaluatorID     string             `json:"evaluator_id,omitempty"`
	Error           *BatchItemError    `json:"error,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// BatchResultsResponse lists terminal outcomes in submission order.
type BatchResultsResponse struct {
	BatchID string            `json:"batch_id"`
	State   string            `json:"state"`
	Items   []BatchItemResult `json:"items"`
}

// BatchEventResponse is pushed to progress stream subscribers.
type BatchEventResponse struct {
	Type    string           `json:"type"`
	BatchID string           `json:"batch_id"`
	ItemID  string           `json:"item_id,omitempty"`
	From    string           `json:"from,omitempty"`
	To      string           `json:"to,omitempty"`
	State   string           `json:"state,omitempty"`
	Items   int              `json:"items,omitempty"`
	Result  *BatchItemResult `json:"result,omitempty"`
	At      time.Time        `json:"at"`
}

// ToCriteria converts rubric requests into engine criteria.
func ToCriteria(items []CriterionRequest) []grading.Criterion {
	criteria := make([]grading.Criterion, 0, len(items))
	for _, item := range items {
		criteria = append(criteria, grading.Criterion{
			Name:        item.Name,
			Description: item.Description,
			MaxScore:    item.MaxScore,
			Weight:      item.Weight,
		})
	}
	return criteria
}

// ToAnswerItems converts item requests into engine items.
func ToAnswerItems(items []AnswerItemRequest) []grading.AnswerItem {
	answers := make([]grading.AnswerItem, 0, len(items))
	for _, item := range items {
		answers = append(answers, grading.AnswerItem{ID: item.ID, Content: item.Content})
	}
	return answers
}

// NewGradeResponse converts a stored record into a DTO.
func NewGradeResponse(record models.GradingRecord) GradeResponse {
	return GradeResponse{
		ID:              record.ID,
		TotalScore:      record.TotalScore,
		MaxTotal:        grading.MaxTotal(DecodeCriteria(record.Criteria)),
		CriteriaScores:  ScoresFromJSONMap(record.CriteriaScores),
		Feedback:        record.Feedback,
		ConfidenceScore: record.ConfidenceScore,
		MeetsThreshold:  record.MeetsThreshold,
		EvaluatorID:     record.EvaluatorID,
		ProducedAt:      record.ProducedAt,
	}
}

// NewBatchStatusResponse converts a coordinator snapshot.
func NewBatchStatusResponse(status grading.BatchStatus, running bool) BatchStatusResponse {
	return BatchStatusResponse{
		BatchID:    status.BatchID,
		State:      string(status.State),
		Running:    running,
		Total:      status.Total,
		Pending:    status.Pending,
		Processing: status.Processing,
		Completed:  status.Completed,
		Failed:     status.Failed,
		CreatedAt:  status.CreatedAt,
		UpdatedAt:  status.UpdatedAt,
	}
}

// NewBatchStatusFromModel summarises a persisted batch.
func NewBatchStatusFromModel(batch models.GradingBatch) BatchStatusResponse {
	response := BatchStatusResponse{
		BatchID:   batch.ID,
		State:     batch.State,
		Total:     len(batch.Items),
		CreatedAt: batch.CreatedAt,
		UpdatedAt: batch.UpdatedAt,
	}
	for _, item := range batch.Items {
		switch grading.ItemState(item.State) {
		case grading.ItemPending:
			response.Pending++
		case grading.ItemProcessing:
			response.Processing++
		case grading.ItemCompleted:
			response.Completed++
		case grading.ItemFailed:
			response.Failed++
		}
	}
	return response
}

// NewBatchItemResult converts a terminal outcome. The threshold decides
// MeetsThreshold for completed items.
func NewBatchItemResult(outcome grading.ItemOutcome, threshold float64) BatchItemResult {
	result := BatchItemResult{
		ItemID:    outcome.ItemID,
		State:     string(outcome.State),
		UpdatedAt: outcome.UpdatedAt,
	}
	if outcome.Result != nil {
		total := outcome.Result.TotalScore
		confidence := outcome.Result.ConfidenceScore
		meets := grading.MeetsConfidence(*outcome.Result, threshold)
		result.TotalScore = &total
		result.CriteriaScores = outcome.Result.CriteriaScores
		result.Feedback = outcome.Result.Feedback
		result.ConfidenceScore = &confidence
		result.MeetsThreshold = &meets
		result.EvaluatorID = outcome.Result.EvaluatorID
	}
	if outcome.Failure != nil {
		result.Error = &BatchItemError{
			Kind:     string(outcome.Failure.Kind),
			Cause:    string(outcome.Failure.Cause),
			Message:  outcome.Failure.Message,
			Attempts: outcome.Failure.Attempts,
		}
	}
	return result
}

// NewBatchItemResultFromModel converts a persisted item.
func NewBatchItemResultFromModel(item models.GradingBatchItem, threshold float64) BatchItemResult {
	result := BatchItemResult{
		ItemID:          item.ItemID,
		State:           item.State,
		TotalScore:      item.TotalScore,
		Feedback:        item.Feedback,
		ConfidenceScore: item.ConfidenceScore,
		EvaluatorID:     item.EvaluatorID,
		UpdatedAt:       item.UpdatedAt,
	}
	if len(item.CriteriaScores) > 0 {
		result.CriteriaScores = ScoresFromJSONMap(item.CriteriaScores)
	}
	if item.ConfidenceScore != nil {
		meets := *item.ConfidenceScore >= threshold
		result.MeetsThreshold = &meets
	}
	if item.ErrorKind != "" {
		result.Error = &BatchItemError{
			Kind:     item.ErrorKind,
			Cause:    item.ErrorCause,
			Message:  item.ErrorMessage,
			Attempts: item.Attempts,
		}
	}
	return result
}

// NewBatchEventResponse converts a coordinator event for stream subscribers.
func NewBatchEventResponse(event grading.Event, threshold float64) BatchEventResponse {
	response := BatchEventResponse{
		Type:    string(event.Type),
		BatchID: event.BatchID,
		ItemID:  event.ItemID,
		From:    string(event.From),
		To:      string(event.To),
		State:   string(event.State),
		Items:   len(event.Items),
		At:      event.At,
	}
	if event.Outcome != nil {
		result := NewBatchItemResult(*event.Outcome, threshold)
		response.Result = &result
	}
	return response
}

// ScoresToJSONMap converts per-criterion scores for a JSON column.
func ScoresToJSONMap(scores map[string]float64) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(scores))
	for name, score := range scores {
		out[name] = score
	}
	return out
}

// ScoresFromJSONMap reads per-criterion scores back from a JSON column.
func ScoresFromJSONMap(raw datatypes.JSONMap) map[string]float64 {
	out := make(map[string]float64, len(raw))
	for name, value := range raw {
		switch v := value.(type) {
		case float64:
			out[name] = v
		case float32:
			out[name] = float64(v)
		case int:
			out[name] = float64(v)
		case int64:
			out[name] = float64(v)
		case json.Number:
			if f, err := v.Float64(); err == nil {
				out[name] = f
			}
		}
	}
	return out
}

// EncodeCriteria stores a rubric as JSON.
func EncodeCriteria(criteria []grading.Criterion) datatypes.JSON {
	payload, err := json.Marshal(criteria)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(payload)
}

// DecodeCriteria reads a rubric stored by EncodeCriteria. Invalid JSON yields nil.
func DecodeCriteria(raw datatypes.JSON) []grading.Criterion {
	if len(raw) == 0 {
		return nil
	}
	var criteria []grading.Criterion
	if err := json.Unmarshal(raw, &criteria); err != nil {
		return nil
	}
	return criteria
}

// ToBatchSnapshot rebuilds coordinator state from a persisted batch. Items
// without a terminal state are handed back as pending.
func ToBatchSnapshot(batch models.GradingBatch) grading.BatchSnapshot {
	snapshot := grading.BatchSnapshot{
		BatchID: batch.ID,
		Spec: grading.BatchSpec{
			ReferenceAnswer: batch.ReferenceAnswer,
			Criteria:        DecodeCriteria(batch.Criteria),
			Language:        batch.Language,
			MaxRetries:      batch.MaxRetries,
		},
		State:     grading.BatchState(batch.State),
		Items:     make([]grading.AnswerItem, 0, len(batch.Items)),
		CreatedAt: batch.CreatedAt,
		UpdatedAt: batch.UpdatedAt,
	}

	for _, item := range batch.Items {
		snapshot.Items = append(snapshot.Items, grading.AnswerItem{ID: item.ItemID, Content: item.Content})

		state := grading.ItemState(item.State)
		if !state.Terminal() {
			continue
		}
		outcome := grading.ItemOutcome{ItemID: item.ItemID, State: state, UpdatedAt: item.UpdatedAt}
		if item.TotalScore != nil {
			result := grading.Result{
				TotalScore:     *item.TotalScore,
				CriteriaScores: ScoresFromJSONMap(item.CriteriaScores),
				Feedback:       item.Feedback,
				EvaluatorID:    item.EvaluatorID,
				ProducedAt:     item.UpdatedAt,
			}
			if item.ConfidenceScore != nil {
				result.ConfidenceScore = *item.ConfidenceScore
			}
			outcome.Result = &result
		}
		if item.ErrorKind != "" {
			outcome.Failure = &grading.FailureRecord{
				ItemID:   item.ItemID,
				Kind:     grading.ErrorKind(item.ErrorKind),
				Cause:    grading.ErrorKind(item.ErrorCause),
				Message:  item.ErrorMessage,
				Attempts: item.Attempts,
			}
		}
		snapshot.Outcomes = append(snapshot.Outcomes, outcome)
	}
	return snapshot
}
