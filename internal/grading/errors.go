package grading

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind tags every error the engine produces so callers can branch on it
// without string matching.
type ErrorKind string

const (
	KindInvalidRubric        ErrorKind = "invalid_rubric"
	KindInvalidRequest       ErrorKind = "invalid_request"
	KindUnknownBatch         ErrorKind = "unknown_batch"
	KindDuplicateItem        ErrorKind = "duplicate_item"
	KindNoPayloadFound       ErrorKind = "no_payload_found"
	KindUnbalancedPayload    ErrorKind = "unbalanced_payload"
	KindMalformedPayload     ErrorKind = "malformed_payload"
	KindMissingKeys          ErrorKind = "missing_keys"
	KindInvalidFieldType     ErrorKind = "invalid_field_type"
	KindKeySetMismatch       ErrorKind = "key_set_mismatch"
	KindScoreOutOfRange      ErrorKind = "score_out_of_range"
	KindTotalOutOfRange      ErrorKind = "total_out_of_range"
	KindConfidenceOutOfRange ErrorKind = "confidence_out_of_range"
	KindFeedbackTooShort     ErrorKind = "feedback_too_short"
	KindInferenceFailed      ErrorKind = "inference_failed"
	KindGradingFailed        ErrorKind = "grading_failed"
	KindCancelled            ErrorKind = "cancelled"
	KindInternal             ErrorKind = "internal"
)

// Kinded is implemented by every tagged engine error.
type Kinded interface {
	error
	Kind() ErrorKind
}

// KindOf walks the error chain and returns the first tag found.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// IsCallerError reports whether err stems from a malformed request rather than
// from inference variance. Caller errors are never retried.
func IsCallerError(err error) bool {
	switch KindOf(err) {
	case KindInvalidRubric, KindInvalidRequest, KindUnknownBatch, KindDuplicateItem:
		return true
	default:
		return false
	}
}

// InvalidRubricError reports why a criteria set was rejected.
type InvalidRubricError struct {
	Criterion string
	Reason    string
}

func (e *InvalidRubricError) Error() string {
	if e.Criterion == "" {
		return "invalid rubric: " + e.Reason
	}
	return fmt.Sprintf("invalid rubric: criterion %q: %s", e.Criterion, e.Reason)
}

func (e *InvalidRubricError) Kind() ErrorKind { return KindInvalidRubric }

// InvalidRequestError reports a malformed grading request.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string { return "invalid grading request: " + e.Reason }

func (e *InvalidRequestError) Kind() ErrorKind { return KindInvalidRequest }

// UnknownBatchError is returned for batch ids the store does not hold.
type UnknownBatchError struct {
	BatchID string
}

func (e *UnknownBatchError) Error() string { return fmt.Sprintf("unknown batch %q", e.BatchID) }

func (e *UnknownBatchError) Kind() ErrorKind { return KindUnknownBatch }

// DuplicateItemError is returned when an item id is already part of a batch.
type DuplicateItemError struct {
	BatchID string
	ItemID  string
}

func (e *DuplicateItemError) Error() string {
	return fmt.Sprintf("item %q already exists in batch %q", e.ItemID, e.BatchID)
}

func (e *DuplicateItemError) Kind() ErrorKind { return KindDuplicateItem }

// ErrNoPayloadFound means the response contained no opening brace.
var ErrNoPayloadFound = &payloadError{kind: KindNoPayloadFound, msg: "no structured payload found in response"}

// ErrUnbalancedPayload means the brace scan reached the end of input with open braces.
var ErrUnbalancedPayload = &payloadError{kind: KindUnbalancedPayload, msg: "structured payload is not balanced"}

type payloadError struct {
	kind ErrorKind
	msg  string
}

func (e *payloadError) Error() string   { return e.msg }
func (e *payloadError) Kind() ErrorKind { return e.kind }

// MalformedPayloadError carries the substring that failed to decode.
type MalformedPayloadError struct {
	Fragment string
	Err      error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload %q: %v", truncateFragment(e.Fragment, 120), e.Err)
}

func (e *MalformedPayloadError) Unwrap() error   { return e.Err }
func (e *MalformedPayloadError) Kind() ErrorKind { return KindMalformedPayload }

// MissingKeysError lists required payload keys that were absent.
type MissingKeysError struct {
	Keys []string
}

func (e *MissingKeysError) Error() string {
	return "payload missing keys: " + strings.Join(e.Keys, ", ")
}

func (e *MissingKeysError) Kind() ErrorKind { return KindMissingKeys }

// InvalidFieldTypeError names a payload field whose JSON type is wrong.
type InvalidFieldTypeError struct {
	Field    string
	Expected string
}

func (e *InvalidFieldTypeError) Error() string {
	return fmt.Sprintf("payload field %q must be %s", e.Field, e.Expected)
}

func (e *InvalidFieldTypeError) Kind() ErrorKind { return KindInvalidFieldType }

// KeySetMismatchError reports criteria_scores keys that differ from the rubric.
type KeySetMismatchError struct {
	Missing []string
	Extra   []string
}

func (e *KeySetMismatchError) Error() string {
	return fmt.Sprintf("criteria_scores keys mismatch: missing=%v extra=%v", e.Missing, e.Extra)
}

func (e *KeySetMismatchError) Kind() ErrorKind { return KindKeySetMismatch }

// ScoreOutOfRangeError reports a per-criterion score outside [0, max].
type ScoreOutOfRangeError struct {
	Criterion string
	Value     float64
	Max       float64
}

func (e *ScoreOutOfRangeError) Error() string {
	return fmt.Sprintf("score %.4g for %q outside [0, %.4g]", e.Value, e.Criterion, e.Max)
}

func (e *ScoreOutOfRangeError) Kind() ErrorKind { return KindScoreOutOfRange }

// TotalOutOfRangeError reports a total score outside [0, Σ max×weight].
type TotalOutOfRangeError struct {
	Value float64
	Max   float64
}

func (e *TotalOutOfRangeError) Error() string {
	return fmt.Sprintf("total score %.4g outside [0, %.4g]", e.Value, e.Max)
}

func (e *TotalOutOfRangeError) Kind() ErrorKind { return KindTotalOutOfRange }

// ConfidenceOutOfRangeError reports a confidence score outside [0, 1].
type ConfidenceOutOfRangeError struct {
	Value float64
}

func (e *ConfidenceOutOfRangeError) Error() string {
	return fmt.Sprintf("confidence score %.4g outside [0, 1]", e.Value)
}

func (e *ConfidenceOutOfRangeError) Kind() ErrorKind { return KindConfidenceOutOfRange }

// FeedbackTooShortError reports feedback under the minimum length.
type FeedbackTooShortError struct {
	Length int
	Min    int
}

func (e *FeedbackTooShortError) Error() string {
	return fmt.Sprintf("feedback has %d characters, need at least %d", e.Length, e.Min)
}

func (e *FeedbackTooShortError) Kind() ErrorKind { return KindFeedbackTooShort }

// InferenceError wraps a failure returned by the inference service.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string   { return "inference call failed: " + e.Err.Error() }
func (e *InferenceError) Unwrap() error   { return e.Err }
func (e *InferenceError) Kind() ErrorKind { return KindInferenceFailed }

// CancelledError is returned when grading stops because its context was cancelled
// before a new inference call could be issued.
type CancelledError struct {
	Err error
}

func (e *CancelledError) Error() string   { return "grading cancelled: " + e.Err.Error() }
func (e *CancelledError) Unwrap() error   { return e.Err }
func (e *CancelledError) Kind() ErrorKind { return KindCancelled }

// GradingFailedError is returned once every attempt has been consumed.
type GradingFailedError struct {
	Attempts  int
	LastError error
}

func (e *GradingFailedError) Error() string {
	return fmt.Sprintf("grading failed after %d attempt(s): %v", e.Attempts, e.LastError)
}

func (e *GradingFailedError) Unwrap() error   { return e.LastError }
func (e *GradingFailedError) Kind() ErrorKind { return KindGradingFailed }

// LastKind returns the tag of the error that ended the final attempt.
func (e *GradingFailedError) LastKind() ErrorKind { return KindOf(e.LastError) }

func truncateFragment(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
