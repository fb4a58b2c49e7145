package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// FileName is the project configuration file looked up in the working directory.
const FileName = "forge.yaml"

// EnvPrefix marks environment overrides, e.g. FORGE_AGENT_MODEL -> agent.model.
const EnvPrefix = "FORGE_"

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Agent: Agent{
			Backend:    "cli",
			Command:    "claude",
			Model:      "sonnet",
			Flags:      "--dangerously-skip-permissions",
			Timeout:    "30m",
			MaxRetries: 3,
			MaxTokens:  16000,
		},
		Pipeline: Pipeline{
			MaxCriticFixer:        3,
			TokenWarningThreshold: 8000,
			SkillDirs:             []string{".forge/skills", "/mnt/skills/public"},
			SkillCharLimit:        2000,
		},
		Thresholds: Thresholds{
			TestCoverage:          70,
			CriticScore:           80,
			PRDRequiredCoverage:   100,
			PRDNiceToHaveCoverage: 80,
		},
		Probes: Probes{
			CoverageCommands: []string{
				"npx jest --coverage --coverageReporters=text-summary",
				"npx vitest run --coverage",
			},
			Timeout:           "60s",
			SourceExtensions:  []string{".ts", ".tsx", ".js", ".jsx"},
			MaxInterfaceFiles: 20,
			MaxInterfaceLines: 10,
		},
		Monitor: Monitor{Enabled: true, Host: "127.0.0.1", Port: 4242},
		Log:     Log{Level: "info", Format: "console"},
	}
}

// Load reads path over the defaults and then applies FORGE_* overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config YAML %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads forge.yaml from dir.
func LoadDefault(dir string) (*Config, error) {
	return Load(filepath.Join(dir, FileName))
}

// envKey maps FORGE_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + field
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// AgentTimeout parses agent.timeout; zero disables the deadline.
func (c *Config) AgentTimeout() time.Duration {
	return parseDuration(c.Agent.Timeout)
}

// ProbeTimeout parses probes.timeout.
func (c *Config) ProbeTimeout() time.Duration {
	if d := parseDuration(c.Probes.Timeout); d > 0 {
		return d
	}
	return 60 * time.Second
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// ModelFor returns the model configured for a stage.
func (c *Config) ModelFor(stage string) string {
	if m, ok := c.Agent.StageModels[stage]; ok && m != "" {
		return m
	}
	return c.Agent.Model
}

// MonitorAddr is the host:port the monitor listens on.
func (c *Config) MonitorAddr() string {
	return fmt.Sprintf("%s:%d", c.Monitor.Host, c.Monitor.Port)
}
