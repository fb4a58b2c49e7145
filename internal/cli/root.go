package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

// projectDir is the project the command operates on.
var projectDir string

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "forge: a staged build pipeline driven by coding agents",
	Long: `forge turns a one-line goal into a working project by running a fixed
sequence of agent stages: research, requirements, architecture, security
planning, UX design, implementation and tests, a bounded critic/fixer loop,
concurrent security and performance audits, a completeness judgement,
documentation and deployment preparation.

All state is stored in .forge/ in the project directory (state.json for the
pipeline, logs/agent_actions.jsonl for the audit trail, artifacts/ for stage
outputs). Every stage snapshots the working tree into git.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "dir", "C", ".", "project directory")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(continueCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(artifactCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(skipCmd)
	rootCmd.AddCommand(unskipCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(promptsCmd)
	rootCmd.AddCommand(dbCmd)
}
