// Package llm adapts generative backends to a single streaming contract.
package llm

import (
	"context"
	"errors"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrStreamInterrupted is reported when a stream ends without its end marker.
	ErrStreamInterrupted = errors.New("llm: stream ended without completion marker")
	// ErrNoMessages is returned when a request carries no conversation turns.
	ErrNoMessages = errors.New("llm: at least one message is required")
)

// Image is an inline image attached to a turn.
type Image struct {
	Format string `json:"format" validate:"required,oneof=png jpeg gif webp"`
	Data   []byte `json:"data" validate:"required"`
}

// ChatMessage is one conversation turn.
type ChatMessage struct {
	Role    string  `json:"role" validate:"required,oneof=user assistant system"`
	Content string  `json:"content"`
	Images  []Image `json:"images,omitempty" validate:"dive"`
}

type TokenUsage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

// Request is a generation request. Temperature 0 asks for deterministic
// output; a negative temperature leaves the provider default.
type Request struct {
	Model       string
	System      []string
	Messages    []ChatMessage
	MaxTokens   int32
	Temperature float32
	TopP        float32
}

// StreamChunk is one event of a generation stream. Exactly one chunk has
// Done set; it may carry Err when the stream failed.
type StreamChunk struct {
	Text  string
	Err   error
	Done  bool
	Usage TokenUsage
}

// StreamClient is the generative backend contract.
type StreamClient interface {
	CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}
