package main

import (
	"fmt"

	dlb "github.com/dialoguebranch/dlb-web-sub000"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of dlb",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "dlb version %s\n", dlb.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
