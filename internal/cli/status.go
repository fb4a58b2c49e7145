package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	appctx "github.com/lucasnoah/buildforge/internal/context"
	"github.com/lucasnoah/buildforge/internal/pipeline"
)

var (
	colorPass   = lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"}
	colorWarn   = lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}
	colorFail   = lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}
	colorAccent = lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"}

	passStyle   = lipgloss.NewStyle().Foreground(colorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(colorFail)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stage statuses, gates and token usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := openProject(false)
		if err != nil {
			return err
		}
		defer cleanup()

		st, err := p.store.Get()
		if errors.Is(err, pipeline.ErrNoState) {
			fmt.Fprintln(cmd.OutOrStdout(), "No pipeline found. Start one with `forge run <goal>`.")
			return nil
		}
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal json: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		renderStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

func statusStyle(s string) lipgloss.Style {
	switch s {
	case string(pipeline.AgentPassed), string(pipeline.StatusComplete):
		return passStyle
	case string(pipeline.AgentRunning), string(pipeline.StatusInterrupted):
		return warnStyle
	case string(pipeline.StatusEscalated), string(pipeline.StatusFailed):
		return failStyle
	default:
		return mutedStyle
	}
}

// renderStatus prints the state document as a table.
func renderStatus(w io.Writer, st *pipeline.State) {
	fmt.Fprintf(w, "%s %s\n", headerStyle.Render("Goal:"), st.Goal)
	fmt.Fprintf(w, "%s %s  (phase %s, run %s)\n",
		headerStyle.Render("Status:"), statusStyle(string(st.Status)).Render(string(st.Status)), st.Phase, shortID(st.RunID))
	fmt.Fprintf(w, "%s %d in / %d out\n", headerStyle.Render("Tokens:"), st.TokenTotals.In, st.TokenTotals.Out)
	fmt.Fprintf(w, "%s %d/%d\n\n", headerStyle.Render("Critic/fixer:"), st.Iterations.CriticFixer, st.Iterations.MaxCriticFixer)

	fmt.Fprintf(w, "%-20s %-10s %-16s %s\n", "STAGE", "STATUS", "TOKENS", "ACTIVITY")
	fmt.Fprintf(w, "%-20s %-10s %-16s %s\n",
		strings.Repeat("-", 20), strings.Repeat("-", 10), strings.Repeat("-", 16), strings.Repeat("-", 8))
	for _, name := range pipeline.StageOrder {
		a := st.Agent(name)
		status := fmt.Sprintf("%-10s", a.Status)
		tokens := "-"
		if a.TokensIn != nil || a.TokensOut != nil {
			tokens = fmt.Sprintf("%s/%s", intOrDash(a.TokensIn), intOrDash(a.TokensOut))
		}
		activity := ""
		if a.Activity != nil {
			activity = *a.Activity
			if len(activity) > 60 {
				activity = activity[:57] + "..."
			}
		}
		fmt.Fprintf(w, "%-20s %s %-16s %s\n", name, statusStyle(string(a.Status)).Render(status), tokens, activity)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, headerStyle.Render("Gates:"))
	for _, g := range pipeline.GateNames {
		v := st.Gate(g)
		var label string
		switch {
		case v == nil:
			label = mutedStyle.Render("-")
		case *v:
			label = passStyle.Render("passed")
		default:
			label = failStyle.Render("failed")
		}
		fmt.Fprintf(w, "  %-16s %s\n", g, label)
	}

	if len(st.DetectedFeatures) > 0 {
		var on []string
		for _, f := range []string{
			appctx.FeatureUI, appctx.FeatureDocumentExport, appctx.FeatureSpreadsheetExport,
			appctx.FeaturePDFGeneration, appctx.FeaturePresentations,
		} {
			if st.DetectedFeatures[f] {
				on = append(on, f)
			}
		}
		if len(on) > 0 {
			fmt.Fprintf(w, "\n%s %s\n", headerStyle.Render("Features:"), strings.Join(on, ", "))
		}
	}
}

func intOrDash(n *int) string {
	if n == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *n)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}
