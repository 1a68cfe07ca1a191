package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Vovarama1992/convo-guard/internal/db"
	"github.com/Vovarama1992/convo-guard/internal/flow"
	"github.com/Vovarama1992/convo-guard/internal/guard"
	"github.com/Vovarama1992/convo-guard/internal/messages"
	"github.com/Vovarama1992/convo-guard/internal/respond"
)

func migrateCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "migrate [up|down]",
		Short: "Apply or roll back the database schema",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DevMode() {
				return errors.New("DATABASE_URL is not set")
			}

			dir := "up"
			if len(args) == 1 {
				dir = args[0]
			}
			switch dir {
			case "up":
				return db.Up(cfg.DatabaseURL)
			case "down":
				return db.Down(cfg.DatabaseURL, steps)
			default:
				return fmt.Errorf("unknown direction %q", dir)
			}
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "migrations to roll back with down")
	return cmd
}

// checkCmd loads every embedded catalog and the configuration, so a bad
// edit fails before deploy.
func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and embedded catalogs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			msgs, err := messages.Load()
			if err != nil {
				return err
			}
			if _, err := flow.LoadCatalog(); err != nil {
				return err
			}
			if _, err := guard.LoadLexicon(); err != nil {
				return err
			}
			if _, err := respond.New(msgs); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "--- convo-guard check ---")
			fmt.Fprintf(out, "dev mode: %v\n", cfg.DevMode())
			fmt.Fprintf(out, "gating thresholds: %.2f / %.2f\n", cfg.GatingMinConfidence, cfg.GatingMinConfidenceMutating)
			fmt.Fprintln(out, "catalogs: ok")
			return nil
		},
	}
}
