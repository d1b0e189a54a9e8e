package grading

import "unicode/utf8"

// TruncationMarker separates the kept head and tail of a shortened answer.
const TruncationMarker = "\n...[content truncated]...\n"

// PrepareContent shortens text to at most maxChars runes, keeping the start and
// the end of the answer. A non-positive maxChars disables truncation.
func PrepareContent(text string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}

	marker := []rune(TruncationMarker)
	budget := maxChars - len(marker)
	if budget <= 0 {
		return string([]rune(text)[:maxChars])
	}

	runes := []rune(text)
	head := (budget + 1) / 2
	tail := budget - head
	return string(runes[:head]) + TruncationMarker + string(runes[len(runes)-tail:])
}
