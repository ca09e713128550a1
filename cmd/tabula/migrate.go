package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tabulahq/tabula/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := storage.Open(cfg.Database.URL, dbLogger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	slog.Default().Info("schema up to date", "dialect", store.Dialect().Name)
	return nil
}
