package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/buildforge/internal/analytics"
	"github.com/lucasnoah/buildforge/internal/artifact"
	"github.com/lucasnoah/buildforge/internal/audit"
	"github.com/lucasnoah/buildforge/internal/pipeline"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := openProject(false)
		if err != nil {
			return err
		}
		defer cleanup()

		var entries []audit.Entry
		if stage, _ := cmd.Flags().GetString("stage"); stage != "" {
			if !pipeline.IsStage(stage) {
				return fmt.Errorf("unknown stage %q (stages: %s)", stage, stageList)
			}
			entries, err = p.log.ForStage(stage)
		} else {
			entries, err = p.log.Entries()
		}
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			if entries == nil {
				entries = []audit.Entry{}
			}
			return writeJSON(cmd, entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No log entries.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tPHASE\tAGENT\tTOKENS\tCOMMIT\tDECISION")
		for _, e := range entries {
			commit := "-"
			if e.Commit != nil {
				commit = shortID(*e.Commit)
			}
			decision := e.Decision
			if len(decision) > 70 {
				decision = decision[:67] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\t%s\t%s\n",
				e.Timestamp, e.Phase, e.Agent, intOrDash(e.TokensIn), intOrDash(e.TokensOut), commit, decision)
		}
		return w.Flush()
	},
}

var artifactCmd = &cobra.Command{
	Use:   "artifact [name]",
	Short: "Print an artifact, or list them without a name",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := openProject(false)
		if err != nil {
			return err
		}
		defer cleanup()

		if len(args) == 0 {
			names, err := p.artifacts.List()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No artifacts yet.")
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		}

		text, err := p.artifacts.Read(args[0])
		if errors.Is(err, artifact.ErrNotFound) {
			return fmt.Errorf("artifact %s has not been written", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), text)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show pipeline lifecycle events from the database mirror",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := openProject(false)
		if err != nil {
			return err
		}
		defer cleanup()

		d, err := p.openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		if d == nil {
			return errors.New("history needs database.url in forge.yaml or FORGE_DATABASE_URL")
		}

		runID, _ := cmd.Flags().GetString("run")
		if runID == "" {
			st, err := p.store.Get()
			if err != nil {
				return err
			}
			runID = st.RunID
		}
		limit, _ := cmd.Flags().GetInt("limit")

		events, err := d.PipelineHistory(cmd.Context(), runID, limit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No events recorded.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tEVENT\tSTAGE\tDETAIL")
		for _, e := range events {
			stage, detail := "-", ""
			if e.Stage != nil {
				stage = *e.Stage
			}
			if e.Detail != nil {
				detail = *e.Detail
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Event, stage, detail)
		}
		return w.Flush()
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Summarise token usage, stage timing and review outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := openProject(false)
		if err != nil {
			return err
		}
		defer cleanup()

		entries, err := p.log.Entries()
		if err != nil {
			return err
		}
		sum := analytics.Summarize(entries)

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, sum)
		}
		if len(sum.Stages) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No log entries.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tRUNS\tIN\tOUT\tAVG IN\tP95 IN\tWARN\tAVG MIN\tP95 MIN")
		for _, s := range sum.Stages {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.0f\t%.0f\t%d\t%.1f\t%.1f\n",
				s.Stage, s.Runs, s.TokensIn, s.TokensOut, s.AvgIn, s.P95In, s.TokenWarnings, s.AvgMinutes, s.P95Minutes)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d in / %d out\n", sum.Totals.In, sum.Totals.Out)
		fmt.Fprintf(cmd.OutOrStdout(), "Critic: %d iterations, %.1f%% passing, %d fixer runs\n",
			sum.Review.Iterations, sum.Review.PassRate, sum.Review.FixerRuns)
		return nil
	},
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	logCmd.Flags().String("stage", "", "only entries for this stage")
	logCmd.Flags().String("format", "text", "Output format: text or json")
	usageCmd.Flags().String("format", "text", "Output format: text or json")
	historyCmd.Flags().String("run", "", "run id (default: the current run)")
	historyCmd.Flags().Int("limit", 50, "maximum number of events")
}
