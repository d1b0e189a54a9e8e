package grading

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// ExtractPayload isolates the JSON object embedded in a free-form model response.
//
// The scan starts at the first '{' and tracks brace depth until it returns to
// zero; braces inside JSON string literals do not count. When the object found
// there cannot be decoded, or does not carry any payload key, the scan restarts
// at the next '{' so that prose with stray braces ahead of the payload is skipped.
func ExtractPayload(raw string) (map[string]any, error) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return nil, ErrNoPayloadFound
	}

	var (
		firstErr     error
		firstDecoded map[string]any
	)
	for start >= 0 {
		var candidateErr error
		end, ok := scanBalanced(raw, start)
		if !ok {
			candidateErr = ErrUnbalancedPayload
		} else {
			fragment := raw[start : end+1]
			payload, err := decodeObject(fragment)
			switch {
			case err != nil:
				candidateErr = &MalformedPayloadError{Fragment: fragment, Err: err}
			case hasAnyPayloadKey(payload):
				return payload, nil
			case firstDecoded == nil:
				firstDecoded = payload
			}
		}
		if firstErr == nil && candidateErr != nil && firstDecoded == nil {
			firstErr = candidateErr
		}

		next := strings.IndexByte(raw[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}

	if firstDecoded != nil {
		return firstDecoded, nil
	}
	return nil, firstErr
}

// scanBalanced returns the index of the brace closing the object opened at start.
func scanBalanced(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return -1, false
}

func decodeObject(fragment string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(fragment)))
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errors.New("payload is not an object")
	}
	return payload, nil
}

func hasAnyPayloadKey(payload map[string]any) bool {
	for _, key := range PayloadKeys {
		if _, ok := payload[key]; ok {
			return true
		}
	}
	return false
}
