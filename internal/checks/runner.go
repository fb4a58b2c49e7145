// Package checks runs the bounded auxiliary probes the pipeline consults:
// test coverage measurement and exported-interface extraction. Probes never
// fail the pipeline; a missing tool or a timeout degrades to a default.
package checks

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds every probe shell-out.
const DefaultTimeout = 60 * time.Second

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = 2 * time.Second

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

// Coverage is the outcome of a coverage probe.
type Coverage struct {
	Percent    float64 `json:"percent"`
	Command    string  `json:"command,omitempty"`
	Parser     string  `json:"parser,omitempty"`
	DurationMs int     `json:"duration_ms"`
	Summary    string  `json:"summary"`
}

// Options configures a Prober.
type Options struct {
	Dir               string
	CoverageCommands  []string
	Timeout           time.Duration
	SourceExtensions  []string
	MaxInterfaceFiles int
	MaxInterfaceLines int
}

// Prober runs probes against a project directory.
type Prober struct {
	cmd     CommandRunner
	opts    Options
	parsers []namedParser
	logger  *zap.Logger
}

type namedParser struct {
	name string
	p    Parser
}

// NewProber creates a Prober. A nil logger discards probe diagnostics.
func NewProber(cmd CommandRunner, opts Options, logger *zap.Logger) *Prober {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if len(opts.SourceExtensions) == 0 {
		opts.SourceExtensions = []string{".ts", ".tsx", ".js", ".jsx"}
	}
	if opts.MaxInterfaceFiles <= 0 {
		opts.MaxInterfaceFiles = 20
	}
	if opts.MaxInterfaceLines <= 0 {
		opts.MaxInterfaceLines = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		cmd:  cmd,
		opts: opts,
		parsers: []namedParser{
			{"jest", &JestSummaryParser{}},
			{"vitest", &VitestTableParser{}},
		},
		logger: logger,
	}
}

// Timeout returns the per-probe bound.
func (p *Prober) Timeout() time.Duration {
	return p.opts.Timeout
}

// Coverage runs the configured coverage commands in order and returns the
// first statement coverage figure any of them prints. Each command is bounded
// by the probe timeout. With no figure found the coverage is zero.
func (p *Prober) Coverage(ctx context.Context) Coverage {
	for _, command := range p.opts.CoverageCommands {
		if ctx.Err() != nil {
			break
		}
		res, ok := p.runCoverage(ctx, command)
		if ok {
			return res
		}
	}
	return Coverage{Summary: "no coverage figure found"}
}

func (p *Prober) runCoverage(ctx context.Context, command string) (Coverage, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := p.cmd.Run(ctx, p.opts.Dir, command)
	durationMs := int(time.Since(start).Milliseconds())

	if ctx.Err() == context.DeadlineExceeded {
		p.logger.Warn("coverage probe timed out", zap.String("command", command), zap.Duration("timeout", p.opts.Timeout))
		return Coverage{}, false
	}
	if err != nil {
		p.logger.Warn("coverage probe failed", zap.String("command", command), zap.Error(err))
		return Coverage{}, false
	}

	// failing suites still print a summary, so the exit code is not consulted
	combined := stdout + "\n" + stderr
	for _, np := range p.parsers {
		r := np.p.Parse(combined)
		if !r.Found {
			continue
		}
		return Coverage{
			Percent:    r.Percent,
			Command:    command,
			Parser:     np.name,
			DurationMs: durationMs,
			Summary:    r.Summary,
		}, true
	}
	p.logger.Debug("coverage output had no summary", zap.String("command", command), zap.Int("exit_code", exitCode))
	return Coverage{}, false
}
