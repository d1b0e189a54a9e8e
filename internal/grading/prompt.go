package grading

import (
	"strconv"
	"strings"
)

// SystemPrompt is sent alongside every grading prompt.
const SystemPrompt = "You are an expert grader who evaluates student answers fairly and precisely. " +
	"Compare the student answer with the reference answer using only the rubric provided. " +
	"Always answer with a single JSON object and nothing else."

// Prompt is the rendered instruction payload for one inference call.
type Prompt struct {
	System string
	User   string
}

// BuildPrompt renders the rubric and both answers into a prompt. Identical
// requests always produce identical prompts.
func BuildPrompt(req Request) Prompt {
	b := strings.Builder{}

	b.WriteString("# Rubric\n")
	for i, c := range req.Criteria {
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(c.Name)
		b.WriteString(" (max score: ")
		b.WriteString(formatNumber(c.MaxScore))
		b.WriteString(", weight: ")
		b.WriteString(formatNumber(c.Weight))
		b.WriteString(")\n   ")
		b.WriteString(c.Description)
		b.WriteString("\n")
	}
	b.WriteString("\nThe maximum total score is ")
	b.WriteString(formatNumber(MaxTotal(req.Criteria)))
	b.WriteString(" (sum of max score multiplied by weight).\n")

	b.WriteString("\n# Reference Answer\n")
	b.WriteString(req.ReferenceAnswer)
	b.WriteString("\n\n# Student Answer\n")
	b.WriteString(req.StudentAnswer)
	b.WriteString("\n")

	if lang := strings.TrimSpace(req.Language); lang != "" {
		b.WriteString("\n# Feedback Language\nWrite the feedback in language: ")
		b.WriteString(lang)
		b.WriteString("\n")
	}

	b.WriteString("\n# Output Format\n")
	b.WriteString("Respond with exactly one JSON object and nothing else: no markdown, no commentary.\n")
	b.WriteString("The object must have exactly these keys: ")
	b.WriteString(strings.Join(PayloadKeys, ", "))
	b.WriteString(".\n")
	b.WriteString("- " + KeyCriteriaScores + ": object mapping every criterion name above to a number between 0 and its max score\n")
	b.WriteString("- " + KeyTotalScore + ": number between 0 and the maximum total score\n")
	b.WriteString("- " + KeyFeedback + ": string with at least " + strconv.Itoa(MinFeedbackLength) + " characters explaining the scores\n")
	b.WriteString("- " + KeyConfidenceScore + ": number between 0 and 1 describing how reliable this grading is\n")
	b.WriteString("\nExample:\n")
	b.WriteString(exampleObject(req.Criteria))

	return Prompt{System: SystemPrompt, User: b.String()}
}

func exampleObject(criteria []Criterion) string {
	b := strings.Builder{}
	b.WriteString("{\"" + KeyCriteriaScores + "\": {")
	for i, c := range criteria {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Quote(c.Name))
		b.WriteString(": <number>")
	}
	b.WriteString("}, \"" + KeyTotalScore + "\": <number>, \"" + KeyFeedback + "\": \"<text>\", \"" + KeyConfidenceScore + "\": <number>}\n")
	return b.String()
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
