// Package release holds generated output until a verdict exists and then
// either replays it or substitutes a fixed message. Nothing leaves a Buffer
// while it is streaming.
package release

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/groundguard/internal/llm"
)

// State is the buffer lifecycle: Streaming → Accumulated → Released|Refused.
// Streaming may also go straight to Refused when generation fails.
type State int

const (
	StateStreaming State = iota
	StateAccumulated
	StateReleased
	StateRefused
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateAccumulated:
		return "accumulated"
	case StateReleased:
		return "released"
	case StateRefused:
		return "refused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidTransition is returned for any move the lifecycle does not allow.
var ErrInvalidTransition = errors.New("release: invalid state transition")

var transitions = map[State][]State{
	StateStreaming:   {StateAccumulated, StateRefused},
	StateAccumulated: {StateReleased, StateRefused},
}

// Buffer accumulates one response. It is owned by a single request and is not
// safe for concurrent use.
type Buffer struct {
	state     State
	fragments []string
	text      strings.Builder
	usage     llm.TokenUsage
}

func NewBuffer() *Buffer {
	return &Buffer{state: StateStreaming}
}

func (b *Buffer) State() State { return b.state }

// Append retains a fragment verbatim. Only legal while streaming.
func (b *Buffer) Append(fragment string) error {
	if b.state != StateStreaming {
		return fmt.Errorf("%w: append in %s", ErrInvalidTransition, b.state)
	}
	if fragment == "" {
		return nil
	}
	b.fragments = append(b.fragments, fragment)
	b.text.WriteString(fragment)
	return nil
}

// Complete marks the stream finished and returns the full text.
func (b *Buffer) Complete() (string, error) {
	if err := b.transition(StateAccumulated); err != nil {
		return "", err
	}
	return b.text.String(), nil
}

// Consume drains a generation stream into the buffer. It returns the full text
// once the end marker arrives. An error chunk, a stream that closes without
// its end marker, or ctx expiry is returned as an error and leaves the buffer
// streaming so the caller can refuse it.
func (b *Buffer) Consume(ctx context.Context, chunks <-chan llm.StreamChunk) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("release: consume stream: %w", ctx.Err())
		case chunk, ok := <-chunks:
			if !ok {
				return "", fmt.Errorf("release: consume stream: %w", llm.ErrStreamInterrupted)
			}
			if chunk.Err != nil {
				return "", fmt.Errorf("release: consume stream: %w", chunk.Err)
			}
			if err := b.Append(chunk.Text); err != nil {
				return "", err
			}
			if chunk.Done {
				b.usage = chunk.Usage
				return b.Complete()
			}
		}
	}
}

// Text is the accumulated text so far.
func (b *Buffer) Text() string { return b.text.String() }

// Fragments returns a copy of the retained fragments in arrival order.
func (b *Buffer) Fragments() []string {
	return append([]string(nil), b.fragments...)
}

// Usage is the token usage reported with the end marker, if any.
func (b *Buffer) Usage() llm.TokenUsage { return b.usage }

func (b *Buffer) transition(to State) error {
	for _, allowed := range transitions[b.state] {
		if allowed == to {
			b.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, b.state, to)
}
