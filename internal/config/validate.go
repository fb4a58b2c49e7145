package config

import (
	"fmt"
	"time"

	"github.com/lucasnoah/buildforge/internal/pipeline"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var recognizedBackends = map[string]bool{
	"cli": true,
	"api": true,
}

var recognizedLogFormats = map[string]bool{
	"console": true,
	"json":    true,
}

// Validate checks a Config for semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if !recognizedBackends[cfg.Agent.Backend] {
		add("agent.backend", "unrecognized backend %q", cfg.Agent.Backend)
	}
	if cfg.Agent.Backend == "cli" && cfg.Agent.Command == "" {
		add("agent.command", "is required for the cli backend")
	}
	if cfg.Agent.Timeout != "" {
		if _, err := time.ParseDuration(cfg.Agent.Timeout); err != nil {
			add("agent.timeout", "invalid duration %q", cfg.Agent.Timeout)
		}
	}
	if cfg.Agent.MaxRetries < 0 {
		add("agent.max_retries", "must not be negative")
	}
	for stage := range cfg.Agent.StageModels {
		if !pipeline.IsStage(stage) {
			add("agent.stage_models."+stage, "references undefined stage %q", stage)
		}
	}

	if cfg.Pipeline.MaxCriticFixer < 1 {
		add("pipeline.max_critic_fixer", "must be at least 1")
	}
	if cfg.Pipeline.TokenWarningThreshold < 0 {
		add("pipeline.token_warning_threshold", "must not be negative")
	}

	for _, th := range []struct {
		field string
		value float64
	}{
		{"thresholds.test_coverage", cfg.Thresholds.TestCoverage},
		{"thresholds.critic_score", cfg.Thresholds.CriticScore},
		{"thresholds.prd_required_coverage", cfg.Thresholds.PRDRequiredCoverage},
		{"thresholds.prd_nicetohave_coverage", cfg.Thresholds.PRDNiceToHaveCoverage},
	} {
		if th.value < 0 || th.value > 100 {
			add(th.field, "must be between 0 and 100, got %g", th.value)
		}
	}

	if cfg.Probes.Timeout != "" {
		if _, err := time.ParseDuration(cfg.Probes.Timeout); err != nil {
			add("probes.timeout", "invalid duration %q", cfg.Probes.Timeout)
		}
	}

	if cfg.Monitor.Port < 0 || cfg.Monitor.Port > 65535 {
		add("monitor.port", "out of range: %d", cfg.Monitor.Port)
	}
	if !recognizedLogFormats[cfg.Log.Format] {
		add("log.format", "unrecognized format %q", cfg.Log.Format)
	}

	return errs
}
