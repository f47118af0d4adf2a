package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sweepAt string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Apply timeout actions to overdue instances once",
	Long: `sweep runs a single timeout pass and exits. Each node activation is
handled at most once, so running it from cron next to a serving replica is
safe.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().StringVar(&sweepAt, "at", "", "evaluate timeouts as of this RFC3339 time (default now)")
}

func runSweep(cmd *cobra.Command, args []string) error {
	now := time.Now()
	if sweepAt != "" {
		t, err := time.Parse(time.RFC3339, sweepAt)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		now = t
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	affected, err := a.engine.RunTimeouts(cmd.Context(), now)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "timeouts applied: %d\n", len(affected))
	for _, id := range affected {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}
