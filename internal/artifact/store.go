// Package artifact stores named stage outputs and the recorded input context
// of every stage under the control directory.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lucasnoah/buildforge/internal/pipeline"
)

// Artifact names.
const (
	Research            = "research.md"
	PRD                 = "prd.md"
	Architecture        = "architecture.md"
	ThreatModel         = "threat_model.md"
	UXSpec              = "ux_spec.md"
	ReviewFindings      = "review_findings.md"
	SecurityFindings    = "security_findings.md"
	PerformanceFindings = "performance_findings.md"
	DoneReport          = "done_report.md"
	DeployOptions       = "deploy_options.md"
)

// ErrNotFound is returned for artifacts or contexts that were never written.
var ErrNotFound = errors.New("not found")

// Store reads and writes artifacts and stage input contexts.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at the control directory.
func NewStore(controlDir string) *Store {
	return &Store{dir: controlDir}
}

func (s *Store) artifactPath(name string) string {
	return filepath.Join(s.dir, "artifacts", name)
}

func (s *Store) contextPath(stage string) string {
	return filepath.Join(s.dir, "context", stage+"_input.md")
}

// ValidName rejects names that could escape the artifacts directory.
func ValidName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	return nil
}

// Write replaces the named artifact.
func (s *Store) Write(name, content string) error {
	if err := ValidName(name); err != nil {
		return err
	}
	if err := pipeline.WriteAtomic(s.artifactPath(name), []byte(content)); err != nil {
		return fmt.Errorf("write artifact %s: %w", name, err)
	}
	return nil
}

// Read returns the named artifact.
func (s *Store) Read(name string) (string, error) {
	if err := ValidName(name); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.artifactPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("artifact %s: %w", name, ErrNotFound)
		}
		return "", fmt.Errorf("read artifact %s: %w", name, err)
	}
	return string(data), nil
}

// ReadOr returns the artifact, or fallback when it is missing or unreadable.
func (s *Store) ReadOr(name, fallback string) string {
	v, err := s.Read(name)
	if err != nil {
		return fallback
	}
	return v
}

// List returns the names of every written artifact.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "artifacts"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// SaveContext records the input a stage was invoked with.
func (s *Store) SaveContext(stage, input string) error {
	if err := ValidName(stage); err != nil {
		return err
	}
	if err := pipeline.WriteAtomic(s.contextPath(stage), []byte(input)); err != nil {
		return fmt.Errorf("write context %s: %w", stage, err)
	}
	return nil
}

// Context returns the recorded input of a stage.
func (s *Store) Context(stage string) (string, error) {
	if err := ValidName(stage); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.contextPath(stage))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("context %s: %w", stage, ErrNotFound)
		}
		return "", fmt.Errorf("read context %s: %w", stage, err)
	}
	return string(data), nil
}
