package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

type bedrockConverseStreamAPI interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockClient streams completions through the Bedrock ConverseStream API.
type BedrockClient struct {
	api bedrockConverseStreamAPI
}

func NewBedrockClient(api bedrockConverseStreamAPI) *BedrockClient {
	if api == nil {
		panic("llm: bedrock converse client cannot be nil")
	}
	return &BedrockClient{api: api}
}

// CompleteStream opens a ConverseStream call and relays text deltas.
func (c *BedrockClient) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	input, err := buildConverseStreamInput(req)
	if err != nil {
		return nil, err
	}

	out, err := c.api.ConverseStream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("llm: bedrock converse stream: %w", err)
	}

	chunks := make(chan StreamChunk, 32)
	go func() {
		defer close(chunks)

		stream := out.GetStream()
		if stream == nil {
			chunks <- StreamChunk{Err: errors.New("llm: bedrock stream is nil"), Done: true}
			return
		}
		defer stream.Close()

		pumpConverseEvents(ctx, stream.Events(), stream.Err, chunks)
	}()

	return chunks, nil
}

// pumpConverseEvents translates Bedrock stream events into chunks and
// finishes with exactly one Done chunk unless the consumer has gone away.
func pumpConverseEvents(ctx context.Context, events <-chan brtypes.ConverseStreamOutput, errFn func() error, chunks chan<- StreamChunk) {
	var usage TokenUsage
	stopped := false
	for event := range events {
		switch v := event.(type) {
		case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
			if textDelta, ok := v.Value.Delta.(*brtypes.ContentBlockDeltaMemberText); ok && textDelta.Value != "" {
				if !emit(ctx, chunks, StreamChunk{Text: textDelta.Value}) {
					return
				}
			}
		case *brtypes.ConverseStreamOutputMemberMetadata:
			if v.Value.Usage != nil {
				usage = TokenUsage{
					InputTokens:  int32OrZero(v.Value.Usage.InputTokens),
					OutputTokens: int32OrZero(v.Value.Usage.OutputTokens),
					TotalTokens:  int32OrZero(v.Value.Usage.TotalTokens),
				}
			}
		case *brtypes.ConverseStreamOutputMemberMessageStop:
			stopped = true
		}
	}

	switch err := errFn(); {
	case err != nil:
		emit(ctx, chunks, StreamChunk{Err: fmt.Errorf("llm: bedrock stream: %w", err), Done: true})
	case !stopped:
		emit(ctx, chunks, StreamChunk{Err: ErrStreamInterrupted, Done: true})
	default:
		emit(ctx, chunks, StreamChunk{Done: true, Usage: usage})
	}
}

// emit sends a chunk unless ctx ends first.
func emit(ctx context.Context, chunks chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func buildConverseStreamInput(req Request) (*bedrockruntime.ConverseStreamInput, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.New("llm: bedrock model id is required")
	}

	systemBlocks := make([]brtypes.SystemContentBlock, 0, len(req.System))
	for _, block := range req.System {
		if strings.TrimSpace(block) == "" {
			continue
		}
		systemBlocks = append(systemBlocks, &brtypes.SystemContentBlockMemberText{Value: block})
	}

	messages := make([]brtypes.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" && len(msg.Images) == 0 {
			continue
		}

		var role brtypes.ConversationRole
		switch msg.Role {
		case RoleSystem:
			if content != "" {
				systemBlocks = append(systemBlocks, &brtypes.SystemContentBlockMemberText{Value: content})
			}
			continue
		case RoleUser:
			role = brtypes.ConversationRoleUser
		case RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, fmt.Errorf("llm: unsupported role %q", msg.Role)
		}

		blocks := make([]brtypes.ContentBlock, 0, 1+len(msg.Images))
		for _, img := range msg.Images {
			blocks = append(blocks, &brtypes.ContentBlockMemberImage{Value: brtypes.ImageBlock{
				Format: brtypes.ImageFormat(strings.ToLower(img.Format)),
				Source: &brtypes.ImageSourceMemberBytes{Value: img.Data},
			}})
		}
		if content != "" {
			blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: content})
		}
		messages = append(messages, brtypes.Message{Role: role, Content: blocks})
	}
	if len(messages) == 0 {
		return nil, ErrNoMessages
	}

	inference := &brtypes.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(req.MaxTokens)
	}
	// Callers omit temperature by passing a negative value.
	if req.Temperature >= 0 {
		inference.Temperature = aws.Float32(req.Temperature)
	}
	if req.TopP != 0 {
		inference.TopP = aws.Float32(req.TopP)
	}
	if inference.MaxTokens == nil && inference.Temperature == nil && inference.TopP == nil {
		inference = nil
	}

	return &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(req.Model),
		System:          systemBlocks,
		Messages:        messages,
		InferenceConfig: inference,
	}, nil
}

func int32OrZero(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}
