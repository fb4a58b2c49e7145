package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Postgres audit mirror management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the mirror schema to database.url",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := openProject(false)
		if err != nil {
			return err
		}
		defer cleanup()

		// openDatabase migrates on connect
		d, err := p.openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		if d == nil {
			return errors.New("database.url is not configured")
		}
		cmd.Println("Database schema is up to date.")
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbMigrateCmd)
}
