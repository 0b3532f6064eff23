package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:     "logs",
	Short:   "Inspect the token issuance audit log",
	Aliases: []string{"log"},
}

var logsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent audit entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := auditStore.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list audit entries: %w", err)
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No audit entries found.")
			return nil
		}

		return printValue(cmd.OutOrStdout(), entries)
	},
}

var logsGetCmd = &cobra.Command{
	Use:   "get <log-id>",
	Short: "Show one audit entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entry, err := auditStore.Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get audit entry %s: %w", args[0], err)
		}

		return printValue(cmd.OutOrStdout(), entry)
	},
}

var logsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every indexed audit entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		cleared, err := auditStore.Clear(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to clear audit entries: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d audit entries.\n", cleared)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.AddCommand(logsListCmd, logsGetCmd, logsClearCmd)
	addOutputFlag(logsListCmd)
	addOutputFlag(logsGetCmd)
}
