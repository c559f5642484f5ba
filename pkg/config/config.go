// Package config loads service configuration: endpoint environment
// variables, plus an optional agents.yaml with per-role model configs,
// prompt overrides, a fixed fallback plan, and crawler tuning. Built-in
// defaults are merged underneath user values before validation.
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/agentmesh/agentmesh/pkg/models"
)

// Endpoints collects every external collaborator address, resolved from the
// environment.
type Endpoints struct {
	// LLMBaseURL is the chat/embeddings service base URL
	// (OLLAMA_BASE_URL, falling back to the legacy LLM_URL).
	LLMBaseURL string
	// ChromaURL is the vector store base URL.
	ChromaURL string
	// ChromaBatchSize bounds upsert batch sizes.
	ChromaBatchSize int
	// PerceptorURL is the headless renderer base URL.
	PerceptorURL string
	// GatewayAddress is the bus address of the gateway agent.
	GatewayAddress string
	// ChatServerURL receives result callbacks.
	ChatServerURL string
}

// EndpointsFromEnv resolves collaborator addresses with local-dev defaults.
func EndpointsFromEnv() *Endpoints {
	batch := 64
	if v := Getenv("CHROMA_BATCH_SIZE", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			batch = n
		}
	}
	return &Endpoints{
		LLMBaseURL:      Getenv("OLLAMA_BASE_URL", Getenv("LLM_URL", "http://localhost:11434")),
		ChromaURL:       Getenv("CHROMA_URL", "http://localhost:8000"),
		ChromaBatchSize: batch,
		PerceptorURL:    Getenv("WEB_PERCEPTOR_URL", "http://localhost:8060"),
		GatewayAddress:  Getenv("GATEWAY_ADDRESS", "gateway"),
		ChatServerURL:   Getenv("CHAT_SERVER_URL", "http://localhost:8080"),
	}
}

// ComputeConfig tunes the program-of-thought worker.
type ComputeConfig struct {
	// Interpreter is the binary that runs generated programs.
	Interpreter string `yaml:"interpreter"`
	// Timeout bounds one program execution.
	Timeout time.Duration `yaml:"timeout"`
	// MaxOutputBytes caps captured stdout/stderr.
	MaxOutputBytes int `yaml:"max_output_bytes"`
}

// DefaultComputeConfig returns the built-in compute tuning.
func DefaultComputeConfig() *ComputeConfig {
	return &ComputeConfig{
		Interpreter:    "python3",
		Timeout:        5 * time.Second,
		MaxOutputBytes: 64 * 1024,
	}
}

// SynthesisConfig tunes the architect's map-reduce condensation.
type SynthesisConfig struct {
	// ChunkSize and ChunkOverlap shape the overlapping windows each input
	// document is split into before mapping.
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	// CondenseThreshold is the combined-context character bound under which
	// reduction stops.
	CondenseThreshold int `yaml:"condense_threshold"`
	// MaxCondenseRounds bounds recursion; past it the context is truncated.
	MaxCondenseRounds int `yaml:"max_condense_rounds"`
	// MapConcurrency bounds parallel map-phase LLM calls.
	MapConcurrency int `yaml:"map_concurrency"`
}

// DefaultSynthesisConfig returns the built-in synthesis tuning.
func DefaultSynthesisConfig() *SynthesisConfig {
	return &SynthesisConfig{
		ChunkSize:         2000,
		ChunkOverlap:      200,
		CondenseThreshold: 6000,
		MaxCondenseRounds: 3,
		MapConcurrency:    4,
	}
}

// Config is the resolved, validated configuration of one process.
type Config struct {
	Endpoints *Endpoints

	// Tenant and NamespaceVersion feed the vector-store namespace builder.
	Tenant           string
	NamespaceVersion string

	Models    map[models.AgentType]*ModelConfig
	Prompts   map[string]string
	FixedPlan string
	Crawler   *CrawlerConfig
	Compute   *ComputeConfig
	Synthesis *SynthesisConfig
}

// Model returns the model configuration for a role.
func (c *Config) Model(role models.AgentType) (*ModelConfig, error) {
	m, ok := c.Models[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, role)
	}
	return m, nil
}

// Prompt returns a prompt template by key. The second return is false for
// optional prompts that are absent (pass-through behavior).
func (c *Config) Prompt(key string) (string, bool) {
	p, ok := c.Prompts[key]
	return p, ok && p != ""
}
