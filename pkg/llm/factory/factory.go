package factory

import (
	"fmt"

	"ambient-scribe-be/internal/config"
	"ambient-scribe-be/pkg/llm"
	"ambient-scribe-be/pkg/llm/ollama"
	"ambient-scribe-be/pkg/llm/openai"
)

// NewLLMProvider returns the chat backend selected by LLM_PROVIDER.
func NewLLMProvider(cfg config.AIConfig, keys config.APIKeys) (llm.LLMProvider, error) {
	switch cfg.LLMProvider {
	case "openai":
		if keys.OpenAI == "" && cfg.LLMBaseURL == "" {
			return nil, fmt.Errorf("openai provider requires OPENAI_API_KEY or LLM_BASE_URL")
		}
		return openai.NewOpenAIProvider(keys.OpenAI, cfg.LLMBaseURL, cfg.LLMModel, cfg.TranscriptionModel, cfg.Temperature), nil
	case "ollama":
		baseURL := cfg.OllamaBaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434" // Default
		}
		return ollama.NewOllamaProvider(baseURL, cfg.LLMModel), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}
}

// NewTranscriber always uses the OpenAI audio endpoint; ollama has none.
func NewTranscriber(cfg config.AIConfig, keys config.APIKeys) llm.Transcriber {
	return openai.NewOpenAIProvider(keys.OpenAI, cfg.LLMBaseURL, cfg.LLMModel, cfg.TranscriptionModel, cfg.Temperature)
}
