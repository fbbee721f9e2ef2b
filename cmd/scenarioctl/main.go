// Command scenarioctl manages the DuetPipe scenario pool in the application database.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/BTreeMap/DuetPipe/internal/models"
	"github.com/BTreeMap/DuetPipe/internal/scenarios"
	"github.com/BTreeMap/DuetPipe/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dsn string

	rootCmd := &cobra.Command{
		Use:           "scenarioctl",
		Short:         "Manage the DuetPipe scenario pool",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&dsn, "db-dsn", os.Getenv("DATABASE_URL"), "application database DSN, Postgres URL or SQLite path (default $DATABASE_URL)")

	open := func() (store.Store, error) {
		if dsn == "" {
			return nil, fmt.Errorf("no database given: set --db-dsn or $DATABASE_URL")
		}
		return store.Open(dsn)
	}

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Insert or replace scenarios from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open()
			if err != nil {
				return err
			}
			defer st.Close()
			n, err := scenarios.SeedFile(st, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d scenarios from %s\n", n, args[0])
			return nil
		},
	}

	var all bool
	listCmd := &cobra.Command{
		Use:     "list",
		Short:   "List scenarios",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open()
			if err != nil {
				return err
			}
			defer st.Close()
			list, err := st.ListScenarios(!all)
			if err != nil {
				return err
			}
			printScenarios(cmd, list)
			return nil
		},
	}
	listCmd.Flags().BoolVarP(&all, "all", "a", false, "include inactive scenarios")

	setActive := func(active bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			st, err := open()
			if err != nil {
				return err
			}
			defer st.Close()
			for _, id := range args {
				if err := st.SetScenarioActive(id, active); err != nil {
					return err
				}
			}
			state := "deactivated"
			if active {
				state = "activated"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d scenarios\n", state, len(args))
			return nil
		}
	}

	activateCmd := &cobra.Command{
		Use:   "activate <id>...",
		Short: "Return scenarios to the sampling pool",
		Args:  cobra.MinimumNArgs(1),
		RunE:  setActive(true),
	}
	deactivateCmd := &cobra.Command{
		Use:   "deactivate <id>...",
		Short: "Withdraw scenarios from the sampling pool",
		Args:  cobra.MinimumNArgs(1),
		RunE:  setActive(false),
	}

	rootCmd.AddCommand(importCmd, listCmd, activateCmd, deactivateCmd)
	return rootCmd
}

func printScenarios(cmd *cobra.Command, list []models.Scenario) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCATEGORY\tACTIVE\tOPTIONS\tTEXT")
	for _, s := range list {
		category := s.Category
		if category == "" {
			category = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\n", s.ID, category, s.Active, len(s.EmotionOptions), s.Text)
	}
	w.Flush()
}
