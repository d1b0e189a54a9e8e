package grading

import (
	"math"
	"strings"
)

const (
	// WeightSumMin and WeightSumMax bound Σ weight for a valid rubric.
	WeightSumMin = 0.99
	WeightSumMax = 1.01
)

// Criterion is one weighted grading dimension of a rubric.
type Criterion struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	MaxScore    float64 `json:"max_score"`
	Weight      float64 `json:"weight"`
}

// ValidateCriteria checks a rubric before any prompt is rendered.
func ValidateCriteria(criteria []Criterion) error {
	if len(criteria) == 0 {
		return &InvalidRubricError{Reason: "at least one criterion is required"}
	}

	seen := make(map[string]struct{}, len(criteria))
	sum := 0.0
	for _, c := range criteria {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return &InvalidRubricError{Reason: "criterion name must not be empty"}
		}
		if name != c.Name {
			return &InvalidRubricError{Criterion: c.Name, Reason: "name must not have surrounding whitespace"}
		}
		if _, dup := seen[name]; dup {
			return &InvalidRubricError{Criterion: name, Reason: "duplicate criterion name"}
		}
		seen[name] = struct{}{}

		if !isFinite(c.MaxScore) || c.MaxScore <= 0 {
			return &InvalidRubricError{Criterion: name, Reason: "max_score must be greater than zero"}
		}
		if !isFinite(c.Weight) || c.Weight <= 0 || c.Weight > 1 {
			return &InvalidRubricError{Criterion: name, Reason: "weight must be in (0, 1]"}
		}
		sum += c.Weight
	}

	if sum < WeightSumMin || sum > WeightSumMax {
		return &InvalidRubricError{Reason: "weights must sum to 1.0"}
	}
	return nil
}

// MaxTotal returns Σ(max_score × weight), the upper bound for total_score.
func MaxTotal(criteria []Criterion) float64 {
	total := 0.0
	for _, c := range criteria {
		total += c.MaxScore * c.Weight
	}
	return total
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
