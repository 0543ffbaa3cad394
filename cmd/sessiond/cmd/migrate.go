package cmd

import (
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/jmcleod/sessionguard/config"
	"github.com/jmcleod/sessionguard/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|version]",
	Short:     "Manage the postgres audit schema",
	Long:      `Applies, rolls back or reports the embedded postgres migrations for the audit store.`,
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "version"},
	RunE:      runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("database-url", "", "Postgres DSN (default from config)")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, map[string]string{"database-url": "audit.database_url"})
	if err != nil {
		return err
	}
	if cfg.Audit.DatabaseURL == "" {
		return fmt.Errorf("%w: audit.database_url is required", config.ErrInvalidConfig)
	}
	connector, err := pq.NewConnector(cfg.Audit.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parsing database url: %w", err)
	}
	db := sql.OpenDB(connector)
	defer db.Close()

	action := "up"
	if len(args) == 1 {
		action = args[0]
	}
	out := cmd.OutOrStdout()
	switch action {
	case "up":
		if err := postgres.Migrate(db); err != nil {
			return err
		}
		fmt.Fprintln(out, "migrations applied")
	case "down":
		if err := postgres.MigrateDown(db); err != nil {
			return err
		}
		fmt.Fprintln(out, "migrations rolled back")
	case "version":
		v, dirty, err := postgres.MigrationVersion(db)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "version %d (dirty: %t)\n", v, dirty)
	}
	return nil
}
