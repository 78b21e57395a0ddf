// Package executor runs a single task attempt against a sandbox,
// building a deterministic prompt, invoking the Compute Client's inline-env
// execute variant, and retrying with exponential backoff on a retryable
// failure.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/basket/swarmd/internal/swarm/compute"
	"github.com/basket/swarmd/internal/swarm/types"
)

// RetryConfig governs the inter-attempt backoff schedule.
type RetryConfig struct {
	MaxRetries        int
	BaseDelayMS       int64
	BackoffMultiplier float64
}

// DefaultRetryConfig matches the Config defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelayMS: 5000, BackoffMultiplier: 2.0}
}

// Delay returns the sleep before the next attempt:
// `base_delay_ms * backoff_multiplier^(attempt-1)`.
func (c RetryConfig) Delay(attempt int) time.Duration {
	ms := float64(c.BaseDelayMS) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	return time.Duration(int64(ms)) * time.Millisecond
}

// Result is the outcome of Execute.
type Result struct {
	Success    bool
	Output     string
	Error      string
	DurationMS int64
	Attempts   int
}

// Executor runs task attempts against the remote compute provider.
type Executor struct {
	compute    *compute.Client
	retry      RetryConfig
	skillsPath string
	logger     *slog.Logger
}

// New constructs an Executor. logger defaults to slog.Default() when nil.
func New(client *compute.Client, skillsPath string, retry RetryConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{compute: client, retry: retry, skillsPath: skillsPath, logger: logger}
}

// Input bundles one task-attempt's parameters.
type Input struct {
	SwarmID          string
	Task             types.Task
	SandboxProviderID string
	InitialAttempt   int
	MaxRetries       int
	TimeoutMinutes   int
	AnthropicAPIKey  string
}

// Execute runs task to completion or exhaustion of retries.
func (e *Executor) Execute(ctx context.Context, in Input) (Result, error) {
	start := time.Now()
	attempt := in.InitialAttempt
	if attempt < 1 {
		attempt = 1
	}

	var env map[string]string
	if in.AnthropicAPIKey != "" {
		env = map[string]string{
			"ANTHROPIC_API_KEY":   in.AnthropicAPIKey,
			"CLAUDE_CODE_API_KEY": in.AnthropicAPIKey,
		}
	}

	prompt := e.buildTaskPrompt(in.Task, "/workspace")
	timeout := time.Duration(in.TimeoutMinutes) * time.Minute

	for {
		e.logger.Info("starting task execution",
			"swarm_id", in.SwarmID, "task_id", in.Task.ID,
			"sandbox_id", in.SandboxProviderID, "attempt", attempt)

		execResult, _, err := e.runClaudeCode(ctx, in.SandboxProviderID, prompt, "/workspace", timeout, env)
		durationMS := time.Since(start).Milliseconds()

		if err != nil {
			var cerr *compute.Error
			retryable := false
			if asComputeError(err, &cerr) {
				retryable = cerr.Retryable()
			}
			e.logger.Error("task execution error", "task_id", in.Task.ID, "attempt", attempt, "error", err)
			if retryable && attempt < in.MaxRetries {
				if !e.sleep(ctx, attempt) {
					return Result{}, ctx.Err()
				}
				attempt++
				continue
			}
			return Result{Success: false, Error: err.Error(), DurationMS: durationMS, Attempts: attempt}, err
		}

		if execResult.Success {
			e.logger.Info("task completed successfully", "task_id", in.Task.ID, "duration_ms", durationMS)
			return Result{Success: true, Output: execResult.Output, DurationMS: durationMS, Attempts: attempt}, nil
		}

		errMsg := "unknown error"
		if execResult.Output != "" {
			errMsg = execResult.Output
		}
		e.logger.Warn("task execution returned error", "task_id", in.Task.ID, "attempt", attempt, "error", errMsg)

		if attempt < in.MaxRetries {
			if !e.sleep(ctx, attempt) {
				return Result{}, ctx.Err()
			}
			attempt++
			continue
		}

		e.logger.Error("task failed after max retries", "task_id", in.Task.ID, "attempts", attempt)
		return Result{Success: false, Output: execResult.Output, Error: errMsg, DurationMS: durationMS, Attempts: attempt}, nil
	}
}

func asComputeError(err error, target **compute.Error) bool {
	return errors.As(err, target)
}

func (e *Executor) sleep(ctx context.Context, attempt int) bool {
	delay := e.retry.Delay(attempt)
	e.logger.Info("will retry task", "next_attempt", attempt+1, "delay_ms", delay.Milliseconds())
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

const promptPath = "/tmp/claude_prompt.md"

// runClaudeCode writes the prompt to the sandbox (no secrets in the file)
// then invokes the inline-env execute variant, so secrets travel only as
// inline environment assignments, never written to disk.
func (e *Executor) runClaudeCode(ctx context.Context, sandboxID, prompt, cwd string, timeout time.Duration, env map[string]string) (compute.ExecuteResult, string, error) {
	if err := e.compute.WriteFile(ctx, sandboxID, promptPath, prompt); err != nil {
		return compute.ExecuteResult{}, "", fmt.Errorf("write prompt: %w", err)
	}
	cmd := fmt.Sprintf(`claude --yes --print "$(cat %s)"`, promptPath)
	return e.compute.ExecuteWithEnv(ctx, sandboxID, env, cmd, cwd, timeout)
}

var (
	skillRegex      = regexp.MustCompile(`(?im)^SKILL:\s*([^\n]+)`)
	cliRegex        = regexp.MustCompile(`(?im)^CLI:\s*([^\n]+)`)
	skillCleanRegex = regexp.MustCompile(`(?im)^SKILL:\s*[^\n]+\n*`)
	cliCleanRegex   = regexp.MustCompile(`(?im)^CLI:\s*[^\n]+\n*`)
)

func extractSkillName(description string) string {
	m := skillRegex.FindStringSubmatch(description)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func extractCLINames(description string) []string {
	m := cliRegex.FindStringSubmatch(description)
	if m == nil {
		return nil
	}
	var out []string
	for _, c := range strings.Split(m[1], ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func cleanDescription(description string) string {
	cleaned := skillCleanRegex.ReplaceAllString(description, "")
	cleaned = cliCleanRegex.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}

// buildTaskPrompt assembles the deterministic attempt prompt in a fixed
// block order: identity line, Task header, optional Details, Setup,
// optional Load Skill, optional Available CLIs, Think First, Execute,
// Output Rules.
func (e *Executor) buildTaskPrompt(task types.Task, workspacePath string) string {
	skillName := extractSkillName(task.Description)
	requiredCLIs := extractCLINames(task.Description)
	description := cleanDescription(task.Description)

	var b strings.Builder

	b.WriteString("# Agent: Worker\n\n")

	fmt.Fprintf(&b, "## Task: %s\nPriority: %s | Tags: %s\nWorkspace: %s\nMode: TASK EXECUTION - Complete autonomously\n\n",
		task.Title, task.Priority, strings.Join(task.Tags, ", "), workspacePath)

	if description != "" {
		fmt.Fprintf(&b, "### Details\n%s\n\n", description)
	}

	fmt.Fprintf(&b, "## Setup\n**Tools:** Node.js 22, Python 3, Git, curl, jq. Standard dev environment.\n**Skills:** `ls %s/` | **CLIs:** `ls /data/.claude/cli/`\n**Note:** API credentials are automatically available in environment.\n\n",
		e.skillsPath)

	if skillName != "" {
		fmt.Fprintf(&b, "### Load Skill: %s\n```bash\ncat %s/%s/SKILL.md\n```\nFollow the skill instructions carefully.\n\n",
			skillName, e.skillsPath, skillName)
	}

	if len(requiredCLIs) > 0 {
		fmt.Fprintf(&b, "### Available CLIs: %s\nCheck CLI documentation at `/data/.claude/cli/<cli-name>/` for usage.\n\n",
			strings.Join(requiredCLIs, ", "))
	}

	b.WriteString("## Think First\n1. **SUCCESS**: What defines \"done\" for this task?\n2. **STEPS**: What sequence achieves this?\n3. **RISKS**: What could fail? How to handle?\n\n")

	b.WriteString("## Execute\n- Complete autonomously - proceed with reasonable assumptions\n- Make reasonable assumptions, note them in output\n- If blocked, try alternative approach before reporting failure\n\n")

	b.WriteString("## Output Rules\n**ALWAYS filter outputs to save context:**\n- `command | head -20` or `| tail -20` for long outputs\n- `curl ... | jq '.field'` to extract specific data\n- **Max 50 lines** per command output\n- Summarize all results concisely\n\n**Response format:**\n- SUMMARY: 1-2 sentences of what was done\n- FILES: Created/modified paths (if any)\n- ISSUES: Problems encountered (if any)\n- NEXT: Suggested follow-up (if applicable)\n")

	return b.String()
}
