package grading

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func testCriteria() []Criterion {
	return []Criterion{
		{Name: "Content", Description: "Covers the key ideas of the reference", MaxScore: 10, Weight: 0.6},
		{Name: "Clarity", Description: "Explains the ideas clearly", MaxScore: 10, Weight: 0.4},
	}
}

func TestValidateCriteriaAcceptsWeightedRubric(t *testing.T) {
	require.NoError(t, ValidateCriteria(testCriteria()))
	require.InDelta(t, 10.0, MaxTotal(testCriteria()), 1e-9)
}

func TestValidateCriteriaToleratesRounding(t *testing.T) {
	low := []Criterion{
		{Name: "A", MaxScore: 5, Weight: 0.6},
		{Name: "B", MaxScore: 5, Weight: 0.395},
	}
	high := []Criterion{
		{Name: "A", MaxScore: 5, Weight: 0.6},
		{Name: "B", MaxScore: 5, Weight: 0.405},
	}
	require.NoError(t, ValidateCriteria(low))
	require.NoError(t, ValidateCriteria(high))
}

func TestValidateCriteriaRejectsInvalidRubrics(t *testing.T) {
	cases := map[string][]Criterion{
		"empty":           nil,
		"zero max score":  {{Name: "A", MaxScore: 0, Weight: 1}},
		"negative max":    {{Name: "A", MaxScore: -5, Weight: 1}},
		"infinite max":    {{Name: "A", MaxScore: math.Inf(1), Weight: 1}},
		"zero weight":     {{Name: "A", MaxScore: 10, Weight: 0}, {Name: "B", MaxScore: 10, Weight: 1}},
		"weight above 1":  {{Name: "A", MaxScore: 10, Weight: 1.2}},
		"sum too low":     {{Name: "A", MaxScore: 10, Weight: 0.5}, {Name: "B", MaxScore: 10, Weight: 0.4}},
		"sum too high":    {{Name: "A", MaxScore: 10, Weight: 0.6}, {Name: "B", MaxScore: 10, Weight: 0.45}},
		"duplicate names": {{Name: "A", MaxScore: 10, Weight: 0.5}, {Name: "A", MaxScore: 10, Weight: 0.5}},
		"blank name":      {{Name: "  ", MaxScore: 10, Weight: 1}},
		"padded name":     {{Name: " A", MaxScore: 10, Weight: 1}},
	}

	for name, criteria := range cases {
		t.Run(name, func(t *testing.T) {
			err := ValidateCriteria(criteria)
			require.Error(t, err)
			require.Equal(t, KindInvalidRubric, KindOf(err))

			var rubricErr *InvalidRubricError
			require.ErrorAs(t, err, &rubricErr)
			require.NotEmpty(t, rubricErr.Reason)
		})
	}
}

func TestValidateCriteriaWeightSumProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		n := 1 + rng.Intn(6)
		raw := make([]float64, n)
		sum := 0.0
		for j := range raw {
			raw[j] = 0.05 + rng.Float64()
			sum += raw[j]
		}

		criteria := make([]Criterion, n)
		for j := range criteria {
			criteria[j] = Criterion{
				Name:     string(rune('A' + j)),
				MaxScore: float64(1 + rng.Intn(100)),
				Weight:   raw[j] / sum,
			}
		}
		require.NoError(t, ValidateCriteria(criteria))

		scale := 1.05 + rng.Float64()
		if rng.Intn(2) == 0 {
			scale = 0.95 - rng.Float64()*0.5
		}
		for j := range criteria {
			criteria[j].Weight *= scale
		}
		require.Equal(t, KindInvalidRubric, KindOf(ValidateCriteria(criteria)))
	}
}
