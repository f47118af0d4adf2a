package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and deliver queued notifications and status callbacks",
}

var outboxDispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Deliver one batch of due outbox messages",
	RunE:  runOutboxDispatch,
}

var outboxListCmd = &cobra.Command{
	Use:   "list INSTANCE_ID",
	Short: "List the outbox messages of an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutboxList,
}

func init() {
	rootCmd.AddCommand(outboxCmd)
	outboxCmd.AddCommand(outboxDispatchCmd)
	outboxCmd.AddCommand(outboxListCmd)
}

func runOutboxDispatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	delivered, err := a.engine.Dispatcher().DispatchPending(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "delivered: %d\n", delivered)
	return nil
}

func runOutboxList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	msgs, err := a.store.ListOutbox(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tATTEMPTS\tNEXT ATTEMPT\tLAST ERROR")
	for _, m := range msgs {
		lastErr := ""
		if m.LastError != nil {
			lastErr = *m.LastError
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			m.ID, m.Kind, m.Status, m.Attempts, m.NextAttemptAt.Format(time.RFC3339), lastErr)
	}
	return w.Flush()
}
