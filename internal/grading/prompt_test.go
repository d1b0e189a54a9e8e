package grading

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testRequest() Request {
	return Request{
		ReferenceAnswer: "Photosynthesis converts light energy into chemical energy.",
		StudentAnswer:   "Plants use sunlight to make sugar.",
		Criteria:        testCriteria(),
		MaxRetries:      2,
	}
}

func TestBuildPromptIsDeterministic(t *testing.T) {
	req := testRequest()
	require.Equal(t, BuildPrompt(req), BuildPrompt(req))
}

func TestBuildPromptEmbedsRubricAndAnswers(t *testing.T) {
	prompt := BuildPrompt(testRequest())

	require.Equal(t, SystemPrompt, prompt.System)
	for _, c := range testCriteria() {
		require.Contains(t, prompt.User, c.Name)
		require.Contains(t, prompt.User, c.Description)
	}
	require.Contains(t, prompt.User, "max score: 10, weight: 0.6")
	require.Contains(t, prompt.User, "The maximum total score is 10")
	require.Contains(t, prompt.User, "Photosynthesis converts light energy into chemical energy.")
	require.Contains(t, prompt.User, "Plants use sunlight to make sugar.")
	require.Contains(t, prompt.User, "exactly these keys: criteria_scores, total_score, feedback, confidence_score.")
	require.Contains(t, prompt.User, `"Content": <number>`)
	require.NotContains(t, prompt.User, "Feedback Language")
}

func TestBuildPromptAddsLanguage(t *testing.T) {
	req := testRequest()
	req.Language = "th"

	prompt := BuildPrompt(req)
	require.Contains(t, prompt.User, "Write the feedback in language: th")
}

func TestBuildPromptKeepsRubricOrder(t *testing.T) {
	user := BuildPrompt(testRequest()).User
	require.Less(t, strings.Index(user, "1. Content"), strings.Index(user, "2. Clarity"))
}
