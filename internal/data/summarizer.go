package data

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/akoselev/keywatch/internal/biz/repo"
)

const digestSystemPrompt = `You summarize keyword-alert logs for a monitoring user.

Requirements:
1. Group related alerts: which chats, which keywords, roughly how often
2. Call out anything that looks urgent or repeated
3. Keep it under 150 words, plain text
4. Output the summary directly, no prefix like "Summary:" needed`

// openaiSummarizer implements repo.SummarizerRepo on an OpenAI-compatible
// chat completion API.
type openaiSummarizer struct {
	client *openai.Client
	model  string
}

// NewSummarizer creates the digest summarizer. Returns nil when no API key
// is configured, which disables the digest feature.
func NewSummarizer(apiKey, baseURL, model string) repo.SummarizerRepo {
	if apiKey == "" {
		return nil
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	return &openaiSummarizer{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

// Summarize condenses pre-formatted alert lines into a short digest.
func (s *openaiSummarizer) Summarize(ctx context.Context, records string) (string, error) {
	if records == "" {
		return "", nil
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: digestSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: records},
		},
		Temperature: 0.3,
		MaxTokens:   300,
	})
	if err != nil {
		return "", fmt.Errorf("summarize alerts: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}
	return resp.Choices[0].Message.Content, nil
}
