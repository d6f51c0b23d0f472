package factory

import (
	"testing"

	"ambient-scribe-be/internal/config"
	"ambient-scribe-be/pkg/llm/ollama"
	"ambient-scribe-be/pkg/llm/openai"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLLMProvider(t *testing.T) {
	p, err := NewLLMProvider(config.AIConfig{LLMProvider: "openai", LLMModel: "gpt-4o"}, config.APIKeys{OpenAI: "k"})
	require.NoError(t, err)
	assert.IsType(t, &openai.OpenAIProvider{}, p)

	p, err = NewLLMProvider(config.AIConfig{LLMProvider: "ollama", LLMModel: "llama3"}, config.APIKeys{})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434", p.(*ollama.OllamaProvider).BaseURL)

	_, err = NewLLMProvider(config.AIConfig{LLMProvider: "openai"}, config.APIKeys{})
	assert.Error(t, err)

	_, err = NewLLMProvider(config.AIConfig{LLMProvider: "gemini"}, config.APIKeys{})
	assert.Error(t, err)
}
