package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/buildforge/internal/orchestrator"
	"github.com/lucasnoah/buildforge/internal/pipeline"
	"github.com/lucasnoah/buildforge/internal/web"
)

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Start a fresh pipeline for a goal",
	Long: `Start a fresh pipeline for the given goal, e.g.

  forge run "a todo app with offline sync"

The project directory is initialised as a git repository if needed and
.forge/ is created. A pipeline that is still marked running is refused
unless --force is given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		noMonitor, _ := cmd.Flags().GetBool("no-monitor")
		goal := strings.TrimSpace(strings.Join(args, " "))
		if goal == "" {
			return fmt.Errorf("goal must not be empty")
		}
		return runPipeline(cmd, !noMonitor, func(ctx context.Context, p *project, ctrl *orchestrator.Controller) (*orchestrator.Result, error) {
			return ctrl.Run(ctx, goal, orchestrator.StartOpts{Force: force, Seed: p.seed()})
		})
	},
}

var continueCmd = &cobra.Command{
	Use:   "continue",
	Short: "Resume the pipeline at the first unfinished phase",
	Long: `Resume the pipeline. Stages left running by a crash or interrupt are reset
to pending and the run re-enters at the first phase that has not passed.
A complete pipeline re-enters the critic/fixer loop.

If .forge/continue.md exists, its text is passed to the first resumed stage
and the file is archived under .forge/logs/.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		noMonitor, _ := cmd.Flags().GetBool("no-monitor")
		return runPipeline(cmd, !noMonitor, func(ctx context.Context, _ *project, ctrl *orchestrator.Controller) (*orchestrator.Result, error) {
			return ctrl.Resume(ctx)
		})
	},
}

type runFunc func(ctx context.Context, p *project, ctrl *orchestrator.Controller) (*orchestrator.Result, error)

func runPipeline(cmd *cobra.Command, monitor bool, fn runFunc) error {
	p, cleanup, err := openProject(true)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := withInterrupt(cmd.Context(), cmd.ErrOrStderr())
	defer stop()

	deps, err := p.controller(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	if monitor && p.cfg.Monitor.Enabled {
		shutdown := startMonitor(p, deps, cmd.ErrOrStderr())
		defer shutdown()
	}

	res, err := fn(ctx, p, deps.ctrl)
	switch {
	case errors.Is(err, orchestrator.ErrTerminal):
		return fmt.Errorf("%w; inspect it with `forge status`, then `forge reset <stage>` to retry", err)
	case errors.Is(err, pipeline.ErrNoState):
		return fmt.Errorf("no pipeline in %s; start one with `forge run <goal>`", p.dir)
	case err != nil:
		return err
	}
	return reportResult(cmd.OutOrStdout(), res)
}

// reportResult maps a run result to the exit status. Only failures are errors.
func reportResult(w io.Writer, res *orchestrator.Result) error {
	switch res.Status {
	case pipeline.StatusFailed:
		if res.Err != nil {
			return fmt.Errorf("pipeline failed at %s: %w", res.Stage, res.Err)
		}
		return fmt.Errorf("pipeline failed at %s: %s", res.Stage, res.Reason)
	case pipeline.StatusInterrupted:
		fmt.Fprintf(w, "Interrupted at %s. Run `forge continue` to resume.\n", res.Stage)
	}
	return nil
}

// withInterrupt cancels the returned context on the first SIGINT or SIGTERM
// so the current stage records an interruption. A second signal exits at once.
func withInterrupt(parent context.Context, w io.Writer) (context.Context, func()) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case <-sigs:
			fmt.Fprintln(w, "\nInterrupt received, stopping after the current write. Press Ctrl+C again to exit now.")
			cancel()
		case <-done:
			return
		}
		select {
		case <-sigs:
			os.Exit(130)
		case <-done:
		}
	}()

	return ctx, func() {
		signal.Stop(sigs)
		close(done)
		cancel()
	}
}

// startMonitor serves the live feed for the duration of a run.
func startMonitor(p *project, deps *pipelineDeps, w io.Writer) func() {
	logger := p.logger.Named("web")
	feed, err := web.NewBroadcaster(p.controlDir, logger)
	if err != nil {
		logger.Warn("monitor disabled", zap.Error(err))
		return func() {}
	}
	feedCtx, cancelFeed := context.WithCancel(context.Background())
	go feed.Run(feedCtx)

	srv := web.NewServer(web.Deps{
		Store:     p.store,
		Log:       p.log,
		Artifacts: p.artifacts,
		Commits:   deps.git,
		Metrics:   deps.metrics,
		History:   historySource(p),
		Feed:      feed,
		Logger:    logger,
	}, p.cfg.MonitorAddr())
	go func() {
		if err := srv.Start(); err != nil {
			logger.Warn("monitor stopped", zap.Error(err))
		}
	}()
	fmt.Fprintf(w, "Monitor: http://%s\n", p.cfg.MonitorAddr())

	return func() {
		cancelFeed()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// historySource avoids handing the server a typed nil.
func historySource(p *project) web.HistorySource {
	if p.database == nil {
		return nil
	}
	return p.database
}

func init() {
	runCmd.Flags().Bool("force", false, "start even if a pipeline is marked running")
	runCmd.Flags().Bool("no-monitor", false, "do not start the monitoring server")
	continueCmd.Flags().Bool("no-monitor", false, "do not start the monitoring server")
}
