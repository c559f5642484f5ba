package agents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/memory"
	"github.com/agentmesh/agentmesh/pkg/models"
)

// Compute solves a goal by program-of-thought: the coder model writes a
// short program for the task, and the worker executes it in a child process
// under a wall-clock timeout, capturing stdout as the result. Non-zero exit
// or timeout fails the goal with stderr and the exit code in metadata.
type Compute struct {
	llm    LLM
	memory *memory.SharedMemory
	cfg    *config.Config
	logger *slog.Logger
}

func NewCompute(client LLM, mem *memory.SharedMemory, cfg *config.Config) *Compute {
	return &Compute{
		llm:    client,
		memory: mem,
		cfg:    cfg,
		logger: slog.Default().With("component", "compute"),
	}
}

func (c *Compute) AgentType() models.AgentType { return models.AgentTypeCompute }

func (c *Compute) Handle(ctx context.Context, goal models.AgentGoal) models.Thought {
	task := readFirstInput(c.memory, goal)
	if task == "" {
		return failed(goal, "compute: no task in shared memory")
	}

	program, err := c.generateProgram(ctx, task)
	if err != nil {
		return failed(goal, fmt.Sprintf("program generation failed: %v", err))
	}

	stdout, stderr, exitCode, err := c.execute(ctx, goal.RequestID, program, c.timeoutFor(goal))
	if err != nil {
		thought := failed(goal, fmt.Sprintf("program execution failed: %s", firstNonEmpty(stderr, err.Error())))
		thought.Metadata[models.MetaExitCode] = strconv.Itoa(exitCode)
		return thought
	}

	key := models.ImpressionKey(goal.RequestID, stepID(goal), "computed_result")
	c.memory.Set(key, stdout)
	c.logger.Info("Compute resolved", "request_id", goal.RequestID, "output_bytes", len(stdout))
	thought := resolved(goal, []string{key})
	thought.Metadata[models.MetaExitCode] = "0"
	return thought
}

func (c *Compute) generateProgram(ctx context.Context, task string) (string, error) {
	tmpl, _ := c.cfg.Prompt(config.PromptCoder)
	out, err := c.llm.Complete(ctx, models.AgentTypeCoder, fmt.Sprintf(tmpl, task))
	if err != nil {
		return "", err
	}
	program := stripCodeFences(out)
	if program == "" {
		return "", errors.New("model produced an empty program")
	}
	return program, nil
}

// timeoutFor reads the execution timeout from goal metadata (whole seconds),
// falling back to the configured default.
func (c *Compute) timeoutFor(goal models.AgentGoal) time.Duration {
	if v := goal.Metadata[models.MetaTimeout]; v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return c.cfg.Compute.Timeout
}

// execute runs the program through the configured interpreter from a temp
// file. Exit code is -1 for timeout and system-level failures.
func (c *Compute) execute(ctx context.Context, requestID, program string, timeout time.Duration) (stdout, stderr string, exitCode int, err error) {
	dir, err := os.MkdirTemp("", "compute-")
	if err != nil {
		return "", "", -1, fmt.Errorf("create workdir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "program.py")
	if err := os.WriteFile(path, []byte(program), 0o600); err != nil {
		return "", "", -1, fmt.Errorf("write program: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var outBuf, errBuf bytes.Buffer
	cmd := exec.CommandContext(runCtx, c.cfg.Compute.Interpreter, path)
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout = capBytes(outBuf.String(), c.cfg.Compute.MaxOutputBytes)
	stderr = capBytes(errBuf.String(), c.cfg.Compute.MaxOutputBytes)

	if runCtx.Err() == context.DeadlineExceeded {
		c.logger.Warn("Program timed out", "request_id", requestID, "timeout", timeout)
		return stdout, stderr, -1, fmt.Errorf("timed out after %v", timeout)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return stdout, stderr, exitErr.ExitCode(), fmt.Errorf("exit code %d", exitErr.ExitCode())
		}
		return stdout, stderr, -1, runErr
	}
	return stdout, stderr, 0, nil
}

func capBytes(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
