package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/lucasnoah/buildforge/internal/gate"
)

// Executor runs a process with stdin and captures its output.
type Executor interface {
	Exec(ctx context.Context, dir, name string, args []string, stdin string) (stdout, stderr string, exitCode int, err error)
}

// ExecExecutor implements Executor with os/exec.
type ExecExecutor struct{}

func (ExecExecutor) Exec(ctx context.Context, dir, name string, args []string, stdin string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(stdin)

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// CLI invokes the claude command in print mode with JSON output.
type CLI struct {
	Command string
	Flags   string
	Dir     string
	Timeout time.Duration
	exec    Executor
}

// NewCLI returns a CLI adapter running command in dir.
func NewCLI(command, flags, dir string, timeout time.Duration) *CLI {
	return &CLI{Command: command, Flags: flags, Dir: dir, Timeout: timeout, exec: ExecExecutor{}}
}

// SetExecutor swaps the process runner, for tests.
func (c *CLI) SetExecutor(e Executor) {
	c.exec = e
}

func (c *CLI) args(req Request) []string {
	args := []string{"-p", "--output-format", "json"}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	return append(args, strings.Fields(c.Flags)...)
}

// Invoke writes the stage input to the command's stdin and decodes its output.
func (c *CLI) Invoke(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := withDeadline(ctx, c.Timeout)
	defer cancel()

	stdout, stderr, code, err := c.exec.Exec(ctx, c.Dir, c.Command, c.args(req), req.Input)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, &TransportError{Stage: req.Stage, Detail: "call did not complete", Err: ctxErr}
	}
	if err != nil {
		return Result{}, &TransportError{Stage: req.Stage, Err: err}
	}
	if strings.TrimSpace(stdout) == "" {
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = "no output"
		}
		return Result{}, &TransportError{Stage: req.Stage, Detail: fmt.Sprintf("exit %d: %s", code, truncate(detail, 500))}
	}
	return ParseCLIOutput(stdout), nil
}

// cliEnvelope covers the shapes the CLI reports usage in.
type cliEnvelope struct {
	Result       *string `json:"result"`
	InputTokens  *int    `json:"input_tokens"`
	OutputTokens *int    `json:"output_tokens"`
	TokensIn     *int    `json:"tokens_in"`
	TokensOut    *int    `json:"tokens_out"`
	Usage        *struct {
		InputTokens  *int `json:"input_tokens"`
		OutputTokens *int `json:"output_tokens"`
	} `json:"usage"`
}

func (e cliEnvelope) useful() bool {
	return e.Result != nil || e.Usage != nil
}

func (e cliEnvelope) result(raw string) Result {
	r := Result{Text: raw}
	if e.Result != nil {
		r.Text = *e.Result
	}
	r.TokensIn = firstInt(e.InputTokens, e.TokensIn)
	r.TokensOut = firstInt(e.OutputTokens, e.TokensOut)
	if e.Usage != nil {
		if r.TokensIn == nil {
			r.TokensIn = e.Usage.InputTokens
		}
		if r.TokensOut == nil {
			r.TokensOut = e.Usage.OutputTokens
		}
	}
	return r
}

// ParseCLIOutput decodes the CLI's stdout: one JSON document, else the last
// JSON line carrying a result or usage, else an embedded object, else the
// raw text with no usage.
func ParseCLIOutput(stdout string) Result {
	trimmed := strings.TrimSpace(stdout)

	var env cliEnvelope
	if json.Unmarshal([]byte(trimmed), &env) == nil && env.useful() {
		return env.result(trimmed)
	}

	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		var line cliEnvelope
		if json.Unmarshal([]byte(strings.TrimSpace(lines[i])), &line) == nil && line.useful() {
			return line.result(trimmed)
		}
	}

	if emb, tier := gate.Decode[cliEnvelope](trimmed); tier != gate.TierFallback && emb.useful() {
		return emb.result(trimmed)
	}
	return Result{Text: trimmed}
}

func firstInt(vals ...*int) *int {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
