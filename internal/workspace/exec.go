package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/RedClaus/codepilot/internal/tools"
)

// blockedCommandPatterns are refused outright, before approval is even
// consulted. These have no legitimate use inside a coding session.
var blockedCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-rf?\s+/(\s|\*|$)`), // rm -rf /
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}`), // fork bomb
	regexp.MustCompile(`mkfs\b`),
	regexp.MustCompile(`>\s*/dev/(sd|hd|nvme)`),
	regexp.MustCompile(`dd\s+if=/dev/zero\s+of=/dev/`),
}

// ExecTool runs shell commands with a timeout. Every invocation is high
// risk and goes through approval.
type ExecTool struct {
	root          string
	shell         string
	timeout       time.Duration
	maxOutputSize int
	env           []string
}

// ExecOption configures the ExecTool.
type ExecOption func(*ExecTool)

// WithShell sets the shell executable.
func WithShell(shell string) ExecOption {
	return func(e *ExecTool) { e.shell = shell }
}

// WithEnvironment adds environment variables.
func WithEnvironment(env []string) ExecOption {
	return func(e *ExecTool) { e.env = append(e.env, env...) }
}

// NewExecTool creates an exec tool running commands in root with the given
// default timeout.
func NewExecTool(root string, timeout time.Duration, opts ...ExecOption) *ExecTool {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	e := &ExecTool{
		root:          root,
		shell:         findShell(),
		timeout:       timeout,
		maxOutputSize: 1 * 1024 * 1024, // 1MB
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// findShell locates an available shell.
func findShell() string {
	shells := []string{"/bin/bash", "/bin/sh", "/usr/bin/bash", "/usr/bin/sh"}
	for _, shell := range shells {
		if _, err := os.Stat(shell); err == nil {
			return shell
		}
	}
	return "/bin/sh"
}

func (e *ExecTool) Name() string { return "exec" }

func (e *ExecTool) Description() string {
	return "Run a shell command in the workspace"
}

func (e *ExecTool) Operations() []tools.OperationSpec {
	return []tools.OperationSpec{
		{
			Name:        "run",
			Description: "Execute a shell command and capture its output",
			Params: []tools.ParamSpec{
				{Name: "command", Type: "string", Description: "Command to run", Required: true},
				{Name: "timeout_seconds", Type: "number", Description: "Override the default timeout"},
			},
			RiskHint: tools.RiskHigh,
		},
	}
}

func (e *ExecTool) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	if inv.Operation != "run" {
		return &tools.Result{
			Status: tools.StatusError,
			Error:  fmt.Sprintf("unknown exec operation: %s", inv.Operation),
		}, nil
	}

	command := inv.StringParam("command")
	if strings.TrimSpace(command) == "" {
		return errResult(fmt.Errorf("command parameter required")), nil
	}

	for _, pattern := range blockedCommandPatterns {
		if pattern.MatchString(command) {
			return errResult(fmt.Errorf("command refused: matches blocked pattern %s", pattern)), nil
		}
	}

	timeout := e.timeout
	if v, ok := inv.Params["timeout_seconds"].(float64); ok && v > 0 {
		timeout = time.Duration(v * float64(time.Second))
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.shell, "-c", command)
	cmd.Dir = e.root
	cmd.Env = append(os.Environ(), e.env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	result := &tools.Result{
		Metadata: map[string]interface{}{
			"command": command,
		},
	}

	// stderr first for visibility
	var output strings.Builder
	if stderr.Len() > 0 {
		output.WriteString(stderr.String())
	}
	if stdout.Len() > 0 {
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString(stdout.String())
	}
	result.Output = strings.TrimRight(output.String(), "\n")
	if len(result.Output) > e.maxOutputSize {
		result.Output = result.Output[:e.maxOutputSize] + "\n... [output truncated]"
	}

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
		result.Metadata["exit_code"] = exitCode
	}

	switch {
	case ctx.Err() != nil:
		result.Status = tools.StatusCancelled
		result.Error = "command cancelled"
	case execCtx.Err() == context.DeadlineExceeded:
		result.Status = tools.StatusError
		result.Error = fmt.Sprintf("command timed out after %s", timeout)
	case runErr != nil && exitCode == 0:
		result.Status = tools.StatusError
		result.Error = runErr.Error()
	case exitCode != 0:
		result.Status = tools.StatusError
		result.Error = fmt.Sprintf("command exited with code %d", exitCode)
	default:
		result.Status = tools.StatusSuccess
	}

	return result, nil
}
