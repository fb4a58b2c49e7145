package config

// Config is the project configuration parsed from forge.yaml and FORGE_* variables.
type Config struct {
	Agent      Agent      `yaml:"agent"`
	Pipeline   Pipeline   `yaml:"pipeline"`
	Thresholds Thresholds `yaml:"thresholds"`
	Probes     Probes     `yaml:"probes"`
	Monitor    Monitor    `yaml:"monitor"`
	Database   Database   `yaml:"database"`
	Log        Log        `yaml:"log"`
}

// Agent configures how stages reach the external worker.
type Agent struct {
	Backend     string            `yaml:"backend"` // "cli" or "api"
	Command     string            `yaml:"command"`
	Model       string            `yaml:"model"`
	Flags       string            `yaml:"flags"`
	Timeout     string            `yaml:"timeout"`
	MaxRetries  int               `yaml:"max_retries"`
	MaxTokens   int               `yaml:"max_tokens"`
	StageModels map[string]string `yaml:"stage_models"`
}

// Pipeline holds loop bounds and context shaping.
type Pipeline struct {
	MaxCriticFixer        int      `yaml:"max_critic_fixer"`
	TokenWarningThreshold int      `yaml:"token_warning_threshold"`
	DiffExcludes          []string `yaml:"diff_excludes"`
	SkillDirs             []string `yaml:"skill_dirs"`
	SkillCharLimit        int      `yaml:"skill_char_limit"`
}

// Thresholds are the gate pass bars written into new state documents.
type Thresholds struct {
	TestCoverage          float64 `yaml:"test_coverage"`
	CriticScore           float64 `yaml:"critic_score"`
	PRDRequiredCoverage   float64 `yaml:"prd_required_coverage"`
	PRDNiceToHaveCoverage float64 `yaml:"prd_nicetohave_coverage"`
}

// Probes configures the bounded auxiliary shell-outs.
type Probes struct {
	CoverageCommands  []string `yaml:"coverage_commands"`
	Timeout           string   `yaml:"timeout"`
	SourceExtensions  []string `yaml:"source_extensions"`
	MaxInterfaceFiles int      `yaml:"max_interface_files"`
	MaxInterfaceLines int      `yaml:"max_interface_lines"`
}

// Monitor configures the live monitoring server.
type Monitor struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Database configures the optional Postgres audit mirror.
type Database struct {
	URL string `yaml:"url"`
}

// Log configures structured logging.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}
