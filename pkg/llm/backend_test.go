package llm_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms/huggingface"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/xhad/documind/pkg/config"
	"github.com/xhad/documind/pkg/llm"
)

func TestNewModel(t *testing.T) {
	tests := []struct {
		name   string
		config llm.BackendConfig
		check  func(t *testing.T, model interface{})
	}{
		{
			name:   "huggingface conversational goes through the router",
			config: llm.BackendConfig{Provider: "huggingface", Task: config.TaskConversational, Model: "meta-llama/Meta-Llama-3.1-8B-Instruct", APIKey: "hf_test"},
			check: func(t *testing.T, model interface{}) {
				assert.IsType(t, &openai.LLM{}, model)
			},
		},
		{
			name:   "huggingface text generation",
			config: llm.BackendConfig{Provider: "huggingface", Task: config.TaskTextGeneration, Model: "gpt2", APIKey: "hf_test"},
			check: func(t *testing.T, model interface{}) {
				assert.IsType(t, &huggingface.LLM{}, model)
			},
		},
		{
			name:   "ollama",
			config: llm.BackendConfig{Provider: "ollama", Model: "llama3.1", Timeout: time.Second},
			check: func(t *testing.T, model interface{}) {
				assert.IsType(t, &ollama.LLM{}, model)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model, err := llm.NewModel(tt.config)
			require.NoError(t, err)
			tt.check(t, model)
		})
	}
}

func TestNewModelErrors(t *testing.T) {
	_, err := llm.NewModel(llm.BackendConfig{Provider: "openai", Model: "gpt-4o-mini"})
	assert.Error(t, err, "missing token")

	_, err = llm.NewModel(llm.BackendConfig{Provider: "cohere"})
	assert.Error(t, err)
}
