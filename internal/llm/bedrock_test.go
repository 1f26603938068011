package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConverseStream struct {
	input *bedrockruntime.ConverseStreamInput
	err   error
}

func (s *stubConverseStream) ConverseStream(_ context.Context, params *bedrockruntime.ConverseStreamInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	s.input = params
	if s.err != nil {
		return nil, s.err
	}
	return &bedrockruntime.ConverseStreamOutput{}, nil
}

func TestBuildConverseStreamInput(t *testing.T) {
	req := Request{
		Model:       "anthropic.claude-3-haiku",
		System:      []string{"policy", "  "},
		MaxTokens:   512,
		Temperature: 0,
		Messages: []ChatMessage{
			{Role: RoleSystem, Content: "job context"},
			{Role: RoleUser, Content: "What is the gas pressure?", Images: []Image{{Format: "PNG", Data: []byte{1, 2}}}},
			{Role: RoleAssistant, Content: "   "},
			{Role: RoleAssistant, Content: "Which unit?"},
			{Role: RoleUser, Content: "The 58STA"},
		},
	}

	input, err := buildConverseStreamInput(req)
	require.NoError(t, err)

	assert.Equal(t, "anthropic.claude-3-haiku", aws.ToString(input.ModelId))
	require.Len(t, input.System, 2)
	assert.Equal(t, "job context", input.System[1].(*brtypes.SystemContentBlockMemberText).Value)

	require.Len(t, input.Messages, 3)
	first := input.Messages[0]
	assert.Equal(t, brtypes.ConversationRoleUser, first.Role)
	require.Len(t, first.Content, 2)
	img, ok := first.Content[0].(*brtypes.ContentBlockMemberImage)
	require.True(t, ok)
	assert.Equal(t, brtypes.ImageFormatPng, img.Value.Format)
	assert.Equal(t, "What is the gas pressure?", first.Content[1].(*brtypes.ContentBlockMemberText).Value)
	assert.Equal(t, brtypes.ConversationRoleAssistant, input.Messages[1].Role)

	require.NotNil(t, input.InferenceConfig)
	assert.Equal(t, int32(512), aws.ToInt32(input.InferenceConfig.MaxTokens))
	require.NotNil(t, input.InferenceConfig.Temperature, "zero temperature must be sent for deterministic mode")
	assert.Equal(t, float32(0), aws.ToFloat32(input.InferenceConfig.Temperature))
}

func TestBuildConverseStreamInputErrors(t *testing.T) {
	_, err := buildConverseStreamInput(Request{Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}}})
	require.Error(t, err)

	_, err = buildConverseStreamInput(Request{Model: "m", Messages: []ChatMessage{{Role: "tool", Content: "hi"}}})
	require.ErrorContains(t, err, "unsupported role")

	_, err = buildConverseStreamInput(Request{Model: "m", Messages: []ChatMessage{{Role: RoleSystem, Content: "only system"}}})
	require.ErrorIs(t, err, ErrNoMessages)
}

func TestBedrockCompleteStreamOpenError(t *testing.T) {
	api := &stubConverseStream{err: errors.New("throttled")}
	client := NewBedrockClient(api)

	_, err := client.CompleteStream(context.Background(), Request{Model: "m", Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}}})
	require.ErrorContains(t, err, "throttled")
	require.NotNil(t, api.input)
}

func textDelta(s string) brtypes.ConverseStreamOutput {
	return &brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
		Delta: &brtypes.ContentBlockDeltaMemberText{Value: s},
	}}
}

func runPump(t *testing.T, events []brtypes.ConverseStreamOutput, streamErr error) []StreamChunk {
	t.Helper()
	in := make(chan brtypes.ConverseStreamOutput, len(events))
	for _, e := range events {
		in <- e
	}
	close(in)
	out := make(chan StreamChunk, len(events)+1)
	pumpConverseEvents(context.Background(), in, func() error { return streamErr }, out)
	close(out)

	var chunks []StreamChunk
	for c := range out {
		chunks = append(chunks, c)
	}
	return chunks
}

func TestPumpConverseEvents(t *testing.T) {
	chunks := runPump(t, []brtypes.ConverseStreamOutput{
		textDelta("Set the manifold "),
		textDelta("to 3.5 in. w.c."),
		&brtypes.ConverseStreamOutputMemberMessageStop{},
		&brtypes.ConverseStreamOutputMemberMetadata{Value: brtypes.ConverseStreamMetadataEvent{
			Usage: &brtypes.TokenUsage{InputTokens: aws.Int32(120), OutputTokens: aws.Int32(9), TotalTokens: aws.Int32(129)},
		}},
	}, nil)

	require.Len(t, chunks, 3)
	assert.Equal(t, "Set the manifold ", chunks[0].Text)
	assert.Equal(t, "to 3.5 in. w.c.", chunks[1].Text)
	assert.True(t, chunks[2].Done)
	assert.NoError(t, chunks[2].Err)
	assert.Equal(t, int32(129), chunks[2].Usage.TotalTokens)
}

func TestPumpConverseEventsStreamError(t *testing.T) {
	chunks := runPump(t, []brtypes.ConverseStreamOutput{textDelta("partial")}, errors.New("connection reset"))
	require.Len(t, chunks, 2)
	last := chunks[1]
	assert.True(t, last.Done)
	assert.ErrorContains(t, last.Err, "connection reset")
}

func TestPumpConverseEventsWithoutStop(t *testing.T) {
	chunks := runPump(t, []brtypes.ConverseStreamOutput{textDelta("partial")}, nil)
	require.Len(t, chunks, 2)
	assert.ErrorIs(t, chunks[1].Err, ErrStreamInterrupted)
}
