package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var variablesCmd = &cobra.Command{
	Use:   "variables",
	Short: "Read and write user variables",
}

var variablesGetCmd = &cobra.Command{
	Use:   "get <user> [name...]",
	Short: "Print variables of a user, all of them when no name is given",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		vars, err := app.Service.GetVariables(cmd.Context(), args[0], args[1:])
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(vars, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal variables: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var variablesSetCmd = &cobra.Command{
	Use:   "set <user> <name=value>...",
	Short: "Set variables of a user",
	Long: `Set variables of a user. Values are parsed as JSON and fall back to a
plain string. "name=" with no value removes the variable.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := parseAssignments(args[1:])
		if err != nil {
			return err
		}
		timeZone, _ := cmd.Flags().GetString("time-zone")

		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		return app.Service.SetVariables(cmd.Context(), args[0], values, timeZone)
	},
}

// parseAssignments turns name=value arguments into a variables map.
func parseAssignments(args []string) (map[string]any, error) {
	values := make(map[string]any, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid assignment %q, want name=value", arg)
		}
		if raw == "" {
			values[name] = nil
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		values[name] = v
	}
	return values, nil
}

func init() {
	rootCmd.AddCommand(variablesCmd)
	variablesCmd.AddCommand(variablesGetCmd)
	variablesCmd.AddCommand(variablesSetCmd)
	variablesSetCmd.Flags().String("time-zone", "", "Time zone recorded with the change")
}
