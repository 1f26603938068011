package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiClient streams completions from Google's Gemini API.
type GeminiClient struct {
	client  *genai.Client
	modelID string
}

// NewGeminiClient creates a Gemini client for modelID.
func NewGeminiClient(ctx context.Context, apiKey, modelID string) (*GeminiClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("llm: gemini api key is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "gemini-1.5-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("llm: failed to create gemini client: %w", err)
	}

	return &GeminiClient{client: client, modelID: modelID}, nil
}

// CompleteStream sends the conversation and relays streamed candidate text.
func (c *GeminiClient) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}
	model := c.client.GenerativeModel(c.modelID)
	if req.Temperature >= 0 {
		model.SetTemperature(req.Temperature)
	}
	if req.TopP > 0 {
		model.SetTopP(req.TopP)
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(req.MaxTokens)
	}

	history, last, system := geminiContents(req)
	if len(last) == 0 {
		return nil, errors.New("llm: gemini last message is empty")
	}
	if system != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(system))
	}

	cs := model.StartChat()
	cs.History = history
	iter := cs.SendMessageStream(ctx, last...)

	chunks := make(chan StreamChunk, 32)
	go func() {
		defer close(chunks)
		var usage TokenUsage
		for {
			resp, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				emit(ctx, chunks, StreamChunk{Done: true, Usage: usage})
				return
			}
			if err != nil {
				emit(ctx, chunks, StreamChunk{Err: fmt.Errorf("llm: gemini stream: %w", err), Done: true})
				return
			}
			if resp.UsageMetadata != nil {
				usage = TokenUsage{
					InputTokens:  resp.UsageMetadata.PromptTokenCount,
					OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
					TotalTokens:  resp.UsageMetadata.TotalTokenCount,
				}
			}
			if text := geminiText(resp); text != "" {
				if !emit(ctx, chunks, StreamChunk{Text: text}) {
					return
				}
			}
		}
	}()
	return chunks, nil
}

// Close releases resources held by the Gemini client.
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// geminiContents splits a request into chat history, the parts of the final
// turn and the joined system instruction.
func geminiContents(req Request) ([]*genai.Content, []genai.Part, string) {
	system := append([]string(nil), req.System...)
	var history []*genai.Content
	var last []genai.Part

	for i, msg := range req.Messages {
		if msg.Role == RoleSystem {
			if content := strings.TrimSpace(msg.Content); content != "" {
				system = append(system, content)
			}
			continue
		}
		parts := geminiParts(msg)
		if i == len(req.Messages)-1 {
			last = parts
			continue
		}
		if len(parts) == 0 {
			continue
		}
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: parts})
	}

	return history, last, strings.TrimSpace(strings.Join(system, "\n\n"))
}

func geminiParts(msg ChatMessage) []genai.Part {
	parts := make([]genai.Part, 0, 1+len(msg.Images))
	for _, img := range msg.Images {
		parts = append(parts, genai.ImageData(strings.ToLower(img.Format), img.Data))
	}
	if content := strings.TrimSpace(msg.Content); content != "" {
		parts = append(parts, genai.Text(content))
	}
	return parts
}

func geminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String()
}
