package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/stellarlinkco/clawgate/internal/dispatch"
)

const maxShellTimeout = 10 * time.Minute

type shell struct {
	fs      *files
	timeout time.Duration
}

func newShell(fs *files, timeout time.Duration) *shell {
	return &shell{fs: fs, timeout: timeout}
}

func (t *shell) Spec() dispatch.Spec {
	return dispatch.Spec{
		Name:        "bash",
		Description: "Run a bash command in the workspace. Risky commands ask for approval; network access follows the sandbox policy.",
		Access:      dispatch.AccessExec,
		PathArgs:    []string{"cwd"},
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"command"},
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "minLength": 1},
				"cwd":     map[string]any{"type": "string", "description": "Working directory; defaults to the workspace root"},
				"timeout": map[string]any{"type": "integer", "minimum": 1, "description": "Timeout in seconds"},
			},
		},
	}
}

func (t *shell) Run(ctx context.Context, args map[string]any) (dispatch.Result, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return dispatch.Result{}, err
	}
	if strings.TrimSpace(command) == "" {
		return dispatch.Result{}, errors.New("command must not be empty")
	}
	dir := t.fs.policy.Base()
	if cwd, ok := args["cwd"].(string); ok && strings.TrimSpace(cwd) != "" {
		if dir, err = t.fs.policy.Resolve(cwd); err != nil {
			return dispatch.Result{}, err
		}
	}
	timeout := t.timeout
	secs, err := optionalInt(args, "timeout")
	if err != nil {
		return dispatch.Result{}, err
	}
	if secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	if timeout > maxShellTimeout {
		timeout = maxShellTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(execCtx, "bash", "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = 2 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	runErr := cmd.Run()
	output := capOutput(out.String(), t.fs.maxOutput)
	meta := map[string]any{
		"cwd":         t.fs.display(dir),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if runErr == nil {
		meta["exit_code"] = 0
		if output == "" {
			output = "(no output)"
		}
		return dispatch.Result{Output: output, Metadata: meta}, nil
	}

	if err := ctx.Err(); err != nil {
		return dispatch.Result{Output: output, IsError: true, Metadata: meta}, err
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return dispatch.Result{Output: output, IsError: true, Metadata: meta}, fmt.Errorf("command timed out after %s", timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		meta["exit_code"] = exitErr.ExitCode()
		if output != "" {
			output += "\n"
		}
		output += fmt.Sprintf("exit status %d", exitErr.ExitCode())
		return dispatch.Result{Output: output, IsError: true, Metadata: meta}, nil
	}
	return dispatch.Result{Output: output, IsError: true, Metadata: meta}, runErr
}
