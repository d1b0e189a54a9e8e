package ai

import "context"

//go:generate mockgen -destination=mock/inferer_mock.go -package=mock github.com/HumNoi1/Projects/pkg/ai Inferer

// InferRequest is a single text-generation call.
type InferRequest struct {
	Prompt       string
	SystemPrompt string

	// Temperature overrides the client default when set.
	Temperature *float32
}

// Inferer describes a text-generation service the grading engine can drive.
type Inferer interface {
	Infer(ctx context.Context, req InferRequest) (string, error)
	// Name identifies provider and model, e.g. "openai:gpt-4o-mini".
	Name() string
}

// Float32 returns a pointer to v.
func Float32(v float32) *float32 { return &v }
