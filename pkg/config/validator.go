package config

import (
	"fmt"

	"github.com/agentmesh/agentmesh/pkg/graph"
)

// validate performs comprehensive validation on resolved configuration.
func validate(cfg *Config) error {
	for role, mc := range cfg.Models {
		if mc.Model == "" {
			return NewValidationError("model", string(role), "model", ErrMissingRequiredField)
		}
		if mc.Temperature < 0 || mc.Temperature > 2 {
			return NewValidationError("model", string(role), "temperature",
				fmt.Errorf("%w: %v", ErrInvalidValue, mc.Temperature))
		}
		if mc.Timeout <= 0 || mc.Timeout > MaxLLMTimeout {
			return NewValidationError("model", string(role), "timeout",
				fmt.Errorf("%w: %v (must be in (0, %v])", ErrInvalidValue, mc.Timeout, MaxLLMTimeout))
		}
	}

	// The fallback plan is what the planner leans on when the model's plan
	// is rejected, so it must itself be a valid DAG.
	if _, err := graph.Parse(cfg.FixedPlan); err != nil {
		return NewValidationError("plan", "fixed_plan", "", err)
	}

	cw := cfg.Crawler
	if cw.Workers <= 0 {
		return NewValidationError("crawler", "crawler", "workers",
			fmt.Errorf("%w: %d", ErrInvalidValue, cw.Workers))
	}
	if cw.MaxQueueSize <= 0 {
		return NewValidationError("crawler", "crawler", "max_queue_size",
			fmt.Errorf("%w: %d", ErrInvalidValue, cw.MaxQueueSize))
	}
	if cw.ChunkOverlap < 0 || cw.ChunkOverlap >= cw.ChunkSize {
		return NewValidationError("crawler", "crawler", "chunk_overlap",
			fmt.Errorf("%w: overlap %d vs size %d", ErrInvalidValue, cw.ChunkOverlap, cw.ChunkSize))
	}
	if cw.FetchAttempts <= 0 {
		return NewValidationError("crawler", "crawler", "fetch_attempts",
			fmt.Errorf("%w: %d", ErrInvalidValue, cw.FetchAttempts))
	}

	if cfg.Compute.Interpreter == "" {
		return NewValidationError("compute", "compute", "interpreter", ErrMissingRequiredField)
	}
	if cfg.Compute.Timeout <= 0 {
		return NewValidationError("compute", "compute", "timeout",
			fmt.Errorf("%w: %v", ErrInvalidValue, cfg.Compute.Timeout))
	}

	sy := cfg.Synthesis
	if sy.ChunkOverlap < 0 || sy.ChunkOverlap >= sy.ChunkSize {
		return NewValidationError("synthesis", "synthesis", "chunk_overlap",
			fmt.Errorf("%w: overlap %d vs size %d", ErrInvalidValue, sy.ChunkOverlap, sy.ChunkSize))
	}
	if sy.MaxCondenseRounds <= 0 {
		return NewValidationError("synthesis", "synthesis", "max_condense_rounds",
			fmt.Errorf("%w: %d", ErrInvalidValue, sy.MaxCondenseRounds))
	}
	if sy.MapConcurrency <= 0 {
		return NewValidationError("synthesis", "synthesis", "map_concurrency",
			fmt.Errorf("%w: %d", ErrInvalidValue, sy.MapConcurrency))
	}
	return nil
}
