package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dialoguesCmd = &cobra.Command{
	Use:   "dialogues",
	Short: "List the dialogues the engine can start",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		names, err := app.Service.ListDialogues(cmd.Context())
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dialoguesCmd)
}
