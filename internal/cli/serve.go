package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/buildforge/internal/metrics"
	"github.com/lucasnoah/buildforge/internal/vcs"
	"github.com/lucasnoah/buildforge/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the monitoring server without running the pipeline",
	Long: `Serve the live monitoring feed for the project: a browser view of the
pipeline state and audit log that updates on every change, artifact and stage
input inspection, snapshot diffs and the reset/skip/unskip actions.

Use this to watch a run started elsewhere or to inspect a finished one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := openProject(false)
		if err != nil {
			return err
		}
		defer cleanup()

		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			p.cfg.Monitor.Port = port
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if _, err := p.openDatabase(ctx); err != nil {
			p.logger.Warn("history disabled", zap.Error(err))
		}

		deps := web.Deps{
			Store:     p.store,
			Log:       p.log,
			Artifacts: p.artifacts,
			Metrics:   metrics.New(),
			History:   historySource(p),
			Logger:    p.logger.Named("web"),
		}
		if git, err := vcs.Open(p.dir, p.cfg.Pipeline.DiffExcludes); err == nil {
			deps.Commits = git
		} else {
			p.logger.Warn("snapshot diffs disabled", zap.Error(err))
		}
		feed, err := web.NewBroadcaster(p.controlDir, deps.Logger)
		if err != nil {
			return err
		}
		deps.Feed = feed
		go feed.Run(ctx)

		srv := web.NewServer(deps, p.cfg.MonitorAddr())
		errc := make(chan error, 1)
		go func() { errc <- srv.Start() }()
		fmt.Fprintf(cmd.OutOrStdout(), "Monitor: http://%s\n", p.cfg.MonitorAddr())

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "port to listen on (default monitor.port)")
}
