package grading

import (
	"strings"
	"time"
	"unicode/utf8"
)

// scoreTolerance absorbs float rounding in model-computed totals.
const scoreTolerance = 1e-9

// ValidateResult checks a decoded payload against the rubric and builds a Result.
// Expected malformed input is reported as a tagged error, never a panic.
func ValidateResult(payload map[string]any, criteria []Criterion, evaluatorID string, producedAt time.Time) (Result, error) {
	missing := make([]string, 0)
	for _, key := range PayloadKeys {
		if _, ok := payload[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Result{}, &MissingKeysError{Keys: missing}
	}

	rawScores, ok := payload[KeyCriteriaScores].(map[string]any)
	if !ok {
		return Result{}, &InvalidFieldTypeError{Field: KeyCriteriaScores, Expected: "an object of numbers"}
	}
	scores := make(map[string]float64, len(rawScores))
	for name, value := range rawScores {
		number, ok := value.(float64)
		if !ok {
			return Result{}, &InvalidFieldTypeError{Field: KeyCriteriaScores + "." + name, Expected: "a number"}
		}
		scores[name] = number
	}
	total, ok := payload[KeyTotalScore].(float64)
	if !ok {
		return Result{}, &InvalidFieldTypeError{Field: KeyTotalScore, Expected: "a number"}
	}
	feedback, ok := payload[KeyFeedback].(string)
	if !ok {
		return Result{}, &InvalidFieldTypeError{Field: KeyFeedback, Expected: "a string"}
	}
	confidence, ok := payload[KeyConfidenceScore].(float64)
	if !ok {
		return Result{}, &InvalidFieldTypeError{Field: KeyConfidenceScore, Expected: "a number"}
	}

	if err := checkKeySet(scores, criteria); err != nil {
		return Result{}, err
	}
	for _, c := range criteria {
		value := scores[c.Name]
		if !isFinite(value) || value < 0 || value > c.MaxScore+scoreTolerance {
			return Result{}, &ScoreOutOfRangeError{Criterion: c.Name, Value: value, Max: c.MaxScore}
		}
	}

	maxTotal := MaxTotal(criteria)
	if !isFinite(total) || total < 0 || total > maxTotal+scoreTolerance {
		return Result{}, &TotalOutOfRangeError{Value: total, Max: maxTotal}
	}
	if !isFinite(confidence) || confidence < 0 || confidence > 1 {
		return Result{}, &ConfidenceOutOfRangeError{Value: confidence}
	}

	feedback = strings.TrimSpace(feedback)
	if length := utf8.RuneCountInString(feedback); length < MinFeedbackLength {
		return Result{}, &FeedbackTooShortError{Length: length, Min: MinFeedbackLength}
	}

	return Result{
		TotalScore:      total,
		CriteriaScores:  scores,
		Feedback:        feedback,
		ConfidenceScore: confidence,
		EvaluatorID:     evaluatorID,
		ProducedAt:      producedAt,
	}, nil
}

func checkKeySet(scores map[string]float64, criteria []Criterion) error {
	expected := make(map[string]struct{}, len(criteria))
	for _, c := range criteria {
		expected[c.Name] = struct{}{}
	}

	missing := make(map[string]struct{})
	for name := range expected {
		if _, ok := scores[name]; !ok {
			missing[name] = struct{}{}
		}
	}
	extra := make(map[string]struct{})
	for name := range scores {
		if _, ok := expected[name]; !ok {
			extra[name] = struct{}{}
		}
	}

	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	return &KeySetMismatchError{Missing: sortedKeys(missing), Extra: sortedKeys(extra)}
}
