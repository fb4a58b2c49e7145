package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/buildforge/internal/orchestrator"
	"github.com/lucasnoah/buildforge/internal/pipeline"
)

var stageList = strings.Join(pipeline.StageOrder, ", ")

var resetCmd = &cobra.Command{
	Use:   "reset <stage>",
	Short: "Reset a stage and every later stage to pending",
	Long: `Reset the named stage and every stage after it to pending, clear the gates
those stages own, zero the critic/fixer counter when the critic is included and
remove their audit log entries. A complete, escalated or failed pipeline becomes
interrupted so that ` + "`forge continue`" + ` picks it up again.

Stages: ` + stageList,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := openProject(false)
		if err != nil {
			return err
		}
		defer cleanup()
		if err := refuseWhileRunning(p, cmd); err != nil {
			return err
		}
		if _, err := p.openDatabase(cmd.Context()); err != nil {
			return err
		}

		res, err := orchestrator.ResetFrom(cmd.Context(), p.store, p.log, args[0])
		if err != nil {
			return stageError(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %s (%d log entries removed). Status: %s\n",
			strings.Join(res.Stages, ", "), res.Purged, res.State.Status)
		return nil
	},
}

var skipCmd = &cobra.Command{
	Use:   "skip <stage>",
	Short: "Mark a stage skipped so the next resume bypasses it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := openProject(false)
		if err != nil {
			return err
		}
		defer cleanup()
		if err := refuseWhileRunning(p, cmd); err != nil {
			return err
		}
		if _, err := orchestrator.Skip(p.store, args[0]); err != nil {
			return stageError(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Skipped %s.\n", args[0])
		return nil
	},
}

var unskipCmd = &cobra.Command{
	Use:   "unskip <stage>",
	Short: "Return a skipped stage to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := openProject(false)
		if err != nil {
			return err
		}
		defer cleanup()
		if err := refuseWhileRunning(p, cmd); err != nil {
			return err
		}
		st, err := orchestrator.Unskip(p.store, args[0])
		if err != nil {
			return stageError(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is %s.\n", args[0], st.Agent(args[0]).Status)
		return nil
	},
}

// refuseWhileRunning rejects mutations against a live run unless --force.
func refuseWhileRunning(p *project, cmd *cobra.Command) error {
	st, err := p.store.Get()
	if err != nil {
		if errors.Is(err, pipeline.ErrNoState) {
			return fmt.Errorf("no pipeline in %s", p.dir)
		}
		return err
	}
	if force, _ := cmd.Flags().GetBool("force"); force {
		return nil
	}
	if st.Status == pipeline.StatusRunning {
		return fmt.Errorf("pipeline is running; stop it first or pass --force if the process is gone")
	}
	return nil
}

func stageError(err error) error {
	if errors.Is(err, orchestrator.ErrUnknownStage) {
		return fmt.Errorf("%w (stages: %s)", err, stageList)
	}
	return err
}

func init() {
	for _, c := range []*cobra.Command{resetCmd, skipCmd, unskipCmd} {
		c.Flags().Bool("force", false, "mutate even if the pipeline is marked running")
	}
}
