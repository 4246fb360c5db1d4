package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/factorywatch/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management",
}

// openDB connects to database.url without the rest of the pipeline.
func openDB(cmd *cobra.Command) (*db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database.url is not set; the file store needs no migrations")
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return db.Open(ctx, cfg.Database.URL, cfg.Database.MaxConns)
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.Migrate(cmd.Context()); err != nil {
			return err
		}
		cmd.Println("Schema is up to date.")
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate every table (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("reset drops all sessions and records; pass --yes to confirm")
		}
		d, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.Reset(cmd.Context()); err != nil {
			return err
		}
		cmd.Println("Database reset.")
		return nil
	},
}

var dbSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load machines, thresholds, technicians, parts and employees",
	Long: `Load the built-in catalog into the configured store. Existing rows are
kept unless --force is given, in which case they are overwritten.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer func() { _ = closeStore() }()
		if err := seedCatalog(cmd.Context(), cfg, store, force); err != nil {
			return err
		}
		cmd.Println("Catalog seeded.")
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "Confirm the reset")
	dbSeedCmd.Flags().Bool("force", false, "Overwrite existing catalog rows")

	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
	dbCmd.AddCommand(dbSeedCmd)
}
