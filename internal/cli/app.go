package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/lucasnoah/buildforge/internal/agent"
	"github.com/lucasnoah/buildforge/internal/artifact"
	"github.com/lucasnoah/buildforge/internal/audit"
	"github.com/lucasnoah/buildforge/internal/checks"
	"github.com/lucasnoah/buildforge/internal/config"
	appctx "github.com/lucasnoah/buildforge/internal/context"
	"github.com/lucasnoah/buildforge/internal/db"
	"github.com/lucasnoah/buildforge/internal/logging"
	"github.com/lucasnoah/buildforge/internal/metrics"
	"github.com/lucasnoah/buildforge/internal/orchestrator"
	"github.com/lucasnoah/buildforge/internal/pipeline"
	"github.com/lucasnoah/buildforge/internal/stage"
	"github.com/lucasnoah/buildforge/internal/vcs"
)

// ControlDirName is the control directory inside the project.
const ControlDirName = ".forge"

// project is the configuration and file-backed stores of one project.
type project struct {
	dir        string
	controlDir string
	cfg        *config.Config
	logger     *zap.Logger

	store     *pipeline.Store
	log       *audit.Log
	artifacts *artifact.Store
	database  *db.DB
}

// openProject loads configuration and opens the stores. With logToFile the
// structured log also goes to .forge/logs/forge.log.
func openProject(logToFile bool) (*project, func(), error) {
	dir, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve project dir: %w", err)
	}
	cfg, err := config.LoadDefault(dir)
	if err != nil {
		return nil, nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, nil, fmt.Errorf("invalid configuration: %w", errs[0])
	}

	controlDir := filepath.Join(dir, ControlDirName)
	opts := logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}
	if logToFile {
		opts.File = filepath.Join(controlDir, "logs", "forge.log")
	}
	logger, err := logging.New(opts)
	if err != nil {
		return nil, nil, err
	}

	p := &project{
		dir:        dir,
		controlDir: controlDir,
		cfg:        cfg,
		logger:     logger,
		store:      pipeline.NewStore(controlDir),
		log:        audit.New(controlDir, logger),
		artifacts:  artifact.NewStore(controlDir),
	}
	cleanup := func() {
		if p.database != nil {
			p.database.Close()
		}
		_ = logger.Sync()
	}
	return p, cleanup, nil
}

// openDatabase connects the Postgres mirror when database.url is set and
// attaches it to the audit log. It returns nil without a URL.
func (p *project) openDatabase(ctx context.Context) (*db.DB, error) {
	if p.cfg.Database.URL == "" {
		return nil, nil
	}
	if p.database != nil {
		return p.database, nil
	}
	d, err := db.Open(ctx, p.cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(ctx); err != nil {
		d.Close()
		return nil, err
	}
	p.database = d
	p.log.SetMirror(d)
	return d, nil
}

// seed converts the configuration into new-state defaults.
func (p *project) seed() pipeline.Defaults {
	c := p.cfg
	return pipeline.Defaults{
		MaxCriticFixer: c.Pipeline.MaxCriticFixer,
		Thresholds: pipeline.Thresholds{
			TestCoverage:          c.Thresholds.TestCoverage,
			CriticScore:           c.Thresholds.CriticScore,
			PRDRequiredCoverage:   c.Thresholds.PRDRequiredCoverage,
			PRDNiceToHaveCoverage: c.Thresholds.PRDNiceToHaveCoverage,
		},
		TokenWarningThreshold: c.Pipeline.TokenWarningThreshold,
	}
}

func (p *project) invoker() (agent.Invoker, error) {
	c := p.cfg
	switch c.Agent.Backend {
	case "api":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("agent.backend is api but ANTHROPIC_API_KEY is not set")
		}
		return agent.NewAPI(agent.APIOptions{
			APIKey:     key,
			MaxTokens:  c.Agent.MaxTokens,
			MaxRetries: c.Agent.MaxRetries,
			Timeout:    c.AgentTimeout(),
			Logger:     p.logger.Named("agent"),
		}), nil
	default:
		return agent.NewCLI(c.Agent.Command, c.Agent.Flags, p.dir, c.AgentTimeout()), nil
	}
}

// pipelineDeps is everything a run needs beyond the project stores.
type pipelineDeps struct {
	ctrl    *orchestrator.Controller
	git     *vcs.Git
	metrics *metrics.Metrics
}

// controller wires the stage runner, context builder and probes into a
// Controller. Progress lines go to progress, reports to out.
func (p *project) controller(ctx context.Context, out, progress io.Writer) (*pipelineDeps, error) {
	git, err := vcs.Open(p.dir, p.cfg.Pipeline.DiffExcludes)
	if err != nil {
		return nil, err
	}
	inv, err := p.invoker()
	if err != nil {
		return nil, err
	}
	m := metrics.New()

	prober := checks.NewProber(&checks.ExecRunner{}, checks.Options{
		Dir:               p.dir,
		CoverageCommands:  p.cfg.Probes.CoverageCommands,
		Timeout:           p.cfg.ProbeTimeout(),
		SourceExtensions:  p.cfg.Probes.SourceExtensions,
		MaxInterfaceFiles: p.cfg.Probes.MaxInterfaceFiles,
		MaxInterfaceLines: p.cfg.Probes.MaxInterfaceLines,
	}, p.logger.Named("probes"))

	skills := appctx.NewSkillLoader(p.dir, p.cfg.Pipeline.SkillDirs, p.cfg.Pipeline.SkillCharLimit)
	builder := appctx.NewBuilder(p.dir, p.controlDir, p.artifacts, git, prober, skills, p.logger.Named("context"))

	runner := stage.NewRunner(stage.Deps{
		Store:      p.store,
		Log:        p.log,
		Artifacts:  p.artifacts,
		VCS:        git,
		Invoker:    inv,
		ControlDir: p.controlDir,
		ModelFor:   p.cfg.ModelFor,
		Observer:   m,
		Logger:     p.logger.Named("stage"),
	})
	runner.SetProgress(progress)

	deps := orchestrator.Deps{
		ControlDir: p.controlDir,
		Store:      p.store,
		Log:        p.log,
		Artifacts:  p.artifacts,
		VCS:        git,
		Stages:     runner,
		Inputs:     builder,
		Probes:     prober,
		Metrics:    m,
		Logger:     p.logger.Named("orchestrator"),
		Out:        out,
	}
	d, err := p.openDatabase(ctx)
	if err != nil {
		// the mirror is optional; the JSONL log stays authoritative
		p.logger.Warn("database mirror disabled", zap.Error(err))
	}
	if d != nil {
		deps.Events = d
	}

	return &pipelineDeps{ctrl: orchestrator.New(deps), git: git, metrics: m}, nil
}
