package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"ambient-scribe-be/pkg/llm"

	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to OpenAI or any OpenAI-compatible endpoint.
type OpenAIProvider struct {
	client             *goopenai.Client
	ModelName          string
	TranscriptionModel string
	Temperature        float64
}

var (
	_ llm.LLMProvider = &OpenAIProvider{}
	_ llm.Transcriber = &OpenAIProvider{}
)

// NewOpenAIProvider builds a provider. baseURL is optional.
func NewOpenAIProvider(apiKey, baseURL, modelName, transcriptionModel string, temperature float64) *OpenAIProvider {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return NewWithClient(goopenai.NewClientWithConfig(cfg), modelName, transcriptionModel, temperature)
}

func NewWithClient(client *goopenai.Client, modelName, transcriptionModel string, temperature float64) *OpenAIProvider {
	if transcriptionModel == "" {
		transcriptionModel = goopenai.Whisper1
	}
	return &OpenAIProvider{
		client:             client,
		ModelName:          modelName,
		TranscriptionModel: transcriptionModel,
		Temperature:        temperature,
	}
}

func (p *OpenAIProvider) Chat(ctx context.Context, history []llm.Message, opts ...llm.Option) (string, error) {
	if p.client == nil {
		return "", errors.New("openai client not initialized")
	}
	options := llm.Apply(llm.Options{Temperature: p.Temperature}, opts...)

	msgs := make([]goopenai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		role := m.Role
		switch role {
		case goopenai.ChatMessageRoleSystem, goopenai.ChatMessageRoleUser, goopenai.ChatMessageRoleAssistant:
		case "model":
			role = goopenai.ChatMessageRoleAssistant
		default:
			role = goopenai.ChatMessageRoleUser
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	req := goopenai.ChatCompletionRequest{
		Model:       p.ModelName,
		Messages:    msgs,
		Temperature: float32(options.Temperature),
	}
	if options.MaxTokens > 0 {
		req.MaxTokens = options.MaxTokens
	}
	if options.JSONMode {
		req.ResponseFormat = &goopenai.ChatCompletionResponseFormat{Type: goopenai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}
	resp, err := p.client.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:    p.TranscriptionModel,
		FilePath: filename,
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return resp.Text, nil
}
