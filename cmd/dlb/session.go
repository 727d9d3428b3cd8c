package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect stored dialogue sessions",
	Long:  `List the sessions of a user and print their logged dialogues.`,
}

var sessionLsCmd = &cobra.Command{
	Use:   "ls <user>",
	Short: "List the sessions of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		sessions, err := app.Service.ListSessions(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(sessions) == 0 {
			fmt.Fprintln(out, "No sessions found.")
			return nil
		}
		for _, s := range sessions {
			started := time.UnixMilli(s.SessionStartTime).UTC().Format(time.RFC3339)
			fmt.Fprintf(out, "%s\t%s\n", started, s.SessionID)
		}
		return nil
	},
}

var sessionLogCmd = &cobra.Command{
	Use:   "log <user> <session-id>",
	Short: "Print the logged dialogues of a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		records, err := app.Service.GetSessionLog(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal session log: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionLsCmd)
	sessionCmd.AddCommand(sessionLogCmd)
}
