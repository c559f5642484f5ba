package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/agentmesh/agentmesh/pkg/models"
)

// agentsYAML is the on-disk shape of agents.yaml. Every section is optional;
// built-ins fill the gaps.
type agentsYAML struct {
	Models    map[string]*ModelConfig `yaml:"models"`
	Prompts   map[string]string       `yaml:"prompts"`
	FixedPlan string                  `yaml:"fixed_plan"`
	Crawler   *CrawlerConfig          `yaml:"crawler"`
	Compute   *ComputeConfig          `yaml:"compute"`
	Synthesis *SynthesisConfig        `yaml:"synthesis"`
}

// Initialize loads, merges, validates, and returns ready-to-use
// configuration. This is the primary entry point.
//
// Steps performed:
//  1. Resolve endpoint environment variables
//  2. Load agents.yaml from configDir (absent file is fine)
//  3. Expand environment variables in the YAML
//  4. Merge user values over built-in defaults
//  5. Validate everything
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	userCfg, err := loadAgentsYAML(configDir)
	if err != nil {
		return nil, NewLoadError("agents.yaml", err)
	}

	cfg, err := resolve(userCfg)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"models", len(cfg.Models),
		"prompts", len(cfg.Prompts),
		"crawler_workers", cfg.Crawler.Workers)
	return cfg, nil
}

func loadAgentsYAML(configDir string) (*agentsYAML, error) {
	cfg := &agentsYAML{
		Models:  make(map[string]*ModelConfig),
		Prompts: make(map[string]string),
	}
	if configDir == "" {
		return cfg, nil
	}

	path := filepath.Join(configDir, "agents.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Built-ins only.
			return cfg, nil
		}
		return nil, err
	}

	data = ExpandEnv(data)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return cfg, nil
}

// resolve merges user configuration over built-in defaults.
func resolve(user *agentsYAML) (*Config, error) {
	defaultModel := Getenv("LLM_MODEL", "llama3")

	modelCfgs := builtinModels(defaultModel)
	for role, mc := range user.Models {
		agentType, err := models.ParseAgentType(role)
		if err != nil {
			return nil, NewValidationError("model", role, "", err)
		}
		base, ok := modelCfgs[agentType]
		if !ok {
			modelCfgs[agentType] = mc
			continue
		}
		// Non-zero user values override the built-in.
		if err := mergo.Merge(base, mc, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge model config %s: %w", role, err)
		}
	}

	prompts := builtinPrompts()
	for key, text := range user.Prompts {
		prompts[key] = text
	}

	fixedPlan := user.FixedPlan
	if fixedPlan == "" {
		fixedPlan = builtinFixedPlan
	}

	crawlerCfg := DefaultCrawlerConfig()
	if user.Crawler != nil {
		if err := mergo.Merge(crawlerCfg, user.Crawler, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge crawler config: %w", err)
		}
	}

	computeCfg := DefaultComputeConfig()
	if user.Compute != nil {
		if err := mergo.Merge(computeCfg, user.Compute, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge compute config: %w", err)
		}
	}

	synthesisCfg := DefaultSynthesisConfig()
	if user.Synthesis != nil {
		if err := mergo.Merge(synthesisCfg, user.Synthesis, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge synthesis config: %w", err)
		}
	}

	return &Config{
		Endpoints:        EndpointsFromEnv(),
		Tenant:           Getenv("DEFAULT_TENANT", "com"),
		NamespaceVersion: Getenv("NAMESPACE_VERSION", "v1"),
		Models:           modelCfgs,
		Prompts:          prompts,
		FixedPlan:        fixedPlan,
		Crawler:          crawlerCfg,
		Compute:          computeCfg,
		Synthesis:        synthesisCfg,
	}, nil
}
