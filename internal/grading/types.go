package grading

import "time"

// DefaultMaxRetries is used when a caller does not choose a retry budget.
const DefaultMaxRetries = 2

// MinFeedbackLength is the shortest feedback accepted from the model.
const MinFeedbackLength = 10

// Payload keys the model is instructed to emit.
const (
	KeyCriteriaScores  = "criteria_scores"
	KeyTotalScore      = "total_score"
	KeyFeedback        = "feedback"
	KeyConfidenceScore = "confidence_score"
)

// PayloadKeys lists the required payload keys in prompt order.
var PayloadKeys = []string{KeyCriteriaScores, KeyTotalScore, KeyFeedback, KeyConfidenceScore}

// Request is a single grading job. It is owned by the Grade call that receives it.
type Request struct {
	ReferenceAnswer string
	StudentAnswer   string
	Criteria        []Criterion
	Language        string
	MaxRetries      int
}

// Result is a validated grading outcome. It is never modified after validation.
type Result struct {
	TotalScore      float64            `json:"total_score"`
	CriteriaScores  map[string]float64 `json:"criteria_scores"`
	Feedback        string             `json:"feedback"`
	ConfidenceScore float64            `json:"confidence_score"`
	EvaluatorID     string             `json:"evaluator_id"`
	ProducedAt      time.Time          `json:"produced_at"`
}

// MeetsConfidence reports whether the result's confidence reaches threshold.
// Low confidence is not an error; the caller decides what to do with it.
func MeetsConfidence(result Result, threshold float64) bool {
	return result.ConfidenceScore >= threshold
}
