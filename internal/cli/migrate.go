package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clauderon/clauderon/internal/config"
	"github.com/clauderon/clauderon/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply outstanding database migrations",
	Long: `migrate opens the configured database and applies any outstanding
schema migrations. Rerunning it against an already-migrated database is a
no-op, per spec.md's migration idempotence requirement.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithPath(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// store.Open runs every outstanding migration before returning.
	st, err := store.Open(cfg.Database.Path, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("migrate %s: %w", cfg.Database.Path, err)
	}
	defer st.Close()

	fmt.Printf("database at %s is up to date\n", cfg.Database.Path)
	return nil
}
