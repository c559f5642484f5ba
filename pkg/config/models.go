package config

import (
	"time"

	"github.com/agentmesh/agentmesh/pkg/models"
)

// ModelConfig selects and tunes the language model behind one agent role.
type ModelConfig struct {
	// Model is the model name sent to the LLM service.
	Model string `yaml:"model"`
	// Temperature is passed through chat options.
	Temperature float64 `yaml:"temperature"`
	// MaxTokens maps to the chat num_predict option. 0 means provider default.
	MaxTokens int `yaml:"max_tokens"`
	// Timeout bounds a single LLM call. Capped at MaxLLMTimeout.
	Timeout time.Duration `yaml:"timeout"`
	// Embeddings marks a role that calls the embeddings API instead of chat.
	Embeddings bool `yaml:"embeddings"`
}

// MaxLLMTimeout is the hard upper bound on a single model call.
const MaxLLMTimeout = 300 * time.Second

// builtinModels returns the default model configuration per role. The model
// name falls back to the legacy LLM_MODEL variable so single-model
// deployments need no YAML at all.
func builtinModels(defaultModel string) map[models.AgentType]*ModelConfig {
	chat := func(temperature float64) *ModelConfig {
		return &ModelConfig{
			Model:       defaultModel,
			Temperature: temperature,
			MaxTokens:   2048,
			Timeout:     MaxLLMTimeout,
		}
	}
	return map[models.AgentType]*ModelConfig{
		models.AgentTypePlanner:    chat(0.2),
		models.AgentTypeScout:      chat(0.3),
		models.AgentTypeRetrieve:   chat(0.2),
		models.AgentTypeCoder:      chat(0.1),
		models.AgentTypeReason:     chat(0.7),
		models.AgentTypeSynthesize: chat(0.3),
		models.AgentTypeSpeaker:    chat(0.7),
		models.AgentTypeSemantics: {
			Model:      defaultModel,
			Timeout:    MaxLLMTimeout,
			Embeddings: true,
		},
	}
}
