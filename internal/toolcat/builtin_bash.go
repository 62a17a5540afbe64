package toolcat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"wireloop/engine/internal/llm"
)

const (
	defaultBashTimeoutSecs = 120
	maxBashTimeoutSecs     = 600
)

// BashTool returns the built-in "bash" tool, grounded on the
// exec.CommandContext + combined-output pattern the pack's shell tool
// uses, generalized with an explicit per-call timeout capped at 600s
// (spec §4.1).
func BashTool(allowedCommandPatterns []string) Tool {
	return Tool{
		Schema: llm.ToolSchema{
			Name:        "bash",
			Description: "Run a shell command and return its combined stdout/stderr. timeout_secs is capped at 600.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"command": {"type": "string"},
					"timeout_secs": {"type": "integer"}
				},
				"required": ["command"]
			}`),
		},
		Metadata: Metadata{Destructive: true, RequiresApprovalByDefault: true, CPUBound: true},
		Handler:  handlerForBash(allowedCommandPatterns),
	}
}

type bashArgs struct {
	Command     string `json:"command"`
	TimeoutSecs int    `json:"timeout_secs"`
}

// ErrToolTimeout is returned when a bash invocation is killed for
// exceeding its budget (spec §7 error kind Timeout).
var ErrToolTimeout = errors.New("toolcat: tool exceeded its time budget")

func handlerForBash(allowedCommandPatterns []string) Handler {
	return func(ctx context.Context, tc *ToolContext, args json.RawMessage) (string, error) {
		var a bashArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return "", fmt.Errorf("toolcat: bash: %w", err)
		}
		if len(allowedCommandPatterns) > 0 && !matchesAnyCommandPattern(a.Command, allowedCommandPatterns) {
			return "", fmt.Errorf("toolcat: bash: command %q is not in the allowlist", a.Command)
		}

		timeout := a.TimeoutSecs
		if timeout <= 0 {
			timeout = defaultBashTimeoutSecs
		}
		if timeout > maxBashTimeoutSecs {
			timeout = maxBashTimeoutSecs
		}

		runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()

		cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", a.Command)
		if tc != nil && tc.WorkingDirectory != "" {
			cmd.Dir = tc.WorkingDirectory
		}
		output, err := cmd.CombinedOutput()
		if runCtx.Err() != nil {
			return string(output), fmt.Errorf("%w: %s", ErrToolTimeout, a.Command)
		}
		if err != nil {
			return string(output), fmt.Errorf("toolcat: bash: command failed: %w", err)
		}
		return string(output), nil
	}
}
