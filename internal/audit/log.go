// Package audit keeps the append-only JSONL record of every stage invocation.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/buildforge/internal/pipeline"
)

// Entry is one line of the audit log.
type Entry struct {
	ID              string  `json:"id"`
	RunID           string  `json:"run_id,omitempty"`
	Timestamp       string  `json:"timestamp"`
	Agent           string  `json:"agent"`
	Phase           string  `json:"phase"`
	Iteration       *int    `json:"iteration"`
	TokensIn        *int    `json:"tokens_in"`
	TokensOut       *int    `json:"tokens_out"`
	Context         Context `json:"context"`
	Decision        string  `json:"decision"`
	ArtifactWritten *string `json:"artifact_written"`
	Commit          *string `json:"commit"`
	GateResult      *bool   `json:"gate_result"`
}

// Context records what a stage consulted.
type Context struct {
	ArtifactsRead  []string `json:"artifacts_read"`
	SkillsInjected []string `json:"skills_injected"`
	TokenWarning   bool     `json:"token_warning"`
}

// Mirror receives a copy of every appended entry and every purge.
type Mirror interface {
	Record(ctx context.Context, e Entry) error
	Purge(ctx context.Context, ids []string) error
}

// Log is the append-only audit log file.
type Log struct {
	path   string
	mu     sync.Mutex
	mirror Mirror
	logger *zap.Logger
}

// New returns a Log writing to logs/agent_actions.jsonl under the control directory.
func New(controlDir string, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		path:   filepath.Join(controlDir, "logs", "agent_actions.jsonl"),
		logger: logger,
	}
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// SetMirror attaches a secondary sink. Mirror failures are logged, never returned.
func (l *Log) SetMirror(m Mirror) {
	l.mirror = m
}

// Append writes e as a new line, filling ID and Timestamp when empty.
func (l *Log) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.Context.ArtifactsRead == nil {
		e.Context.ArtifactsRead = []string{}
	}
	if e.Context.SkillsInjected == nil {
		e.Context.SkillsInjected = []string{}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return e, fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	err = l.appendLine(data)
	l.mu.Unlock()
	if err != nil {
		return e, err
	}

	if l.mirror != nil {
		// the mirror must not stall an interrupted run's final write
		if err := l.mirror.Record(context.WithoutCancel(ctx), e); err != nil {
			l.logger.Warn("audit mirror record failed", zap.String("agent", e.Agent), zap.Error(err))
		}
	}
	return e, nil
}

func (l *Log) appendLine(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(l.path), err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("append audit log: %w", err)
	}
	return f.Close()
}

// Entries returns every well-formed entry in file order. A missing file is an empty log.
func (l *Log) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read()
}

// line is one non-blank line of the log file. entry is nil when the line
// does not decode.
type line struct {
	raw   []byte
	entry *Entry
}

func (l *Log) lines() ([]line, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	var out []line
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		ln := line{raw: append([]byte(nil), raw...)}
		var e Entry
		if err := json.Unmarshal(raw, &e); err == nil {
			ln.entry = &e
		}
		out = append(out, ln)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return out, nil
}

func (l *Log) read() ([]Entry, error) {
	lines, err := l.lines()
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, ln := range lines {
		if ln.entry == nil {
			continue // torn or hand-edited line
		}
		entries = append(entries, *ln.entry)
	}
	return entries, nil
}

// ForStage returns the entries written by one stage.
func (l *Log) ForStage(stage string) ([]Entry, error) {
	all, err := l.Entries()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.Agent == stage {
			out = append(out, e)
		}
	}
	return out, nil
}

// Purge removes every entry written by one of stages and returns how many
// were dropped. Kept lines, including ones that do not decode, are copied
// through byte for byte.
func (l *Log) Purge(ctx context.Context, stages []string) (int, error) {
	drop := make(map[string]bool, len(stages))
	for _, s := range stages {
		drop[s] = true
	}

	l.mu.Lock()
	lines, err := l.lines()
	if err != nil {
		l.mu.Unlock()
		return 0, err
	}
	var buf bytes.Buffer
	var removed []string
	for _, ln := range lines {
		if ln.entry != nil && drop[ln.entry.Agent] {
			removed = append(removed, ln.entry.ID)
			continue
		}
		buf.Write(ln.raw)
		buf.WriteByte('\n')
	}
	if len(removed) > 0 {
		err = pipeline.WriteAtomic(l.path, buf.Bytes())
	}
	l.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("rewrite audit log: %w", err)
	}

	if l.mirror != nil && len(removed) > 0 {
		if err := l.mirror.Purge(ctx, removed); err != nil {
			l.logger.Warn("audit mirror purge failed", zap.Int("entries", len(removed)), zap.Error(err))
		}
	}
	return len(removed), nil
}
