package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionRenameCmd, sessionDeleteCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the sessions of the user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		list, err := store.Sessions(cmd.Context(), userID)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tUPDATED")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\n",
				s.ID,
				s.Title,
				s.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionRenameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Rename a session",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		title := strings.TrimSpace(strings.Join(args[1:], " "))
		if title == "" {
			return fmt.Errorf("title is required")
		}

		cfg, _, err := setup()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.RenameSession(cmd.Context(), userID, args[0], title); err != nil {
			return fmt.Errorf("rename session %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s renamed.\n", args[0])
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.DeleteSession(cmd.Context(), userID, args[0]); err != nil {
			return fmt.Errorf("delete session %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s deleted.\n", args[0])
		return nil
	},
}
