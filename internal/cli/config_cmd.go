package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/buildforge/internal/config"
	"github.com/lucasnoah/buildforge/internal/pipeline"
	"github.com/lucasnoah/buildforge/internal/prompt"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and inspect the forge configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate forge.yaml with environment overrides applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		errs := config.Validate(cfg)
		if len(errs) == 0 {
			cmd.Println("Configuration is valid.")
			return nil
		}

		cmd.Println("Validation errors:")
		for _, e := range errs {
			cmd.Printf("  - %s\n", e)
		}
		return fmt.Errorf("config has %d validation error(s)", len(errs))
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration with defaults merged",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}

		cmd.Print(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a forge.yaml with the default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(projectDir, config.FileName)
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		data, err := config.Marshal(config.Default())
		if err != nil {
			return err
		}
		if err := pipeline.WriteAtomic(path, data); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		cmd.Printf("Wrote %s\n", path)
		return nil
	},
}

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Manage stage system prompts",
}

var promptsInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Copy the builtin system prompts into .forge/prompts for editing",
	Long: `Copy the builtin system prompts into .forge/prompts/<NN>_<stage>.md.
Existing files are kept, so local edits survive a reinstall. Stages read
their system prompt from this directory before falling back to the builtin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		controlDir := filepath.Join(projectDir, ControlDirName)
		if err := prompt.Install(controlDir); err != nil {
			return err
		}
		cmd.Printf("Prompts installed in %s\n", prompt.PromptsDir(controlDir))
		return nil
	},
}

func loadConfig() (*config.Config, error) {
	return config.LoadDefault(projectDir)
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing forge.yaml")
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	promptsCmd.AddCommand(promptsInstallCmd)
}
