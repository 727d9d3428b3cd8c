package main

import (
	"fmt"
	"log/slog"
	"os"

	dlb "github.com/dialoguebranch/dlb-web-sub000"
	"github.com/dialoguebranch/dlb-web-sub000/internal/config"
	"github.com/dialoguebranch/dlb-web-sub000/internal/logging"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dlb",
	Short: "dlb runs and inspects dialogue sessions",
	Long: `dlb serves the dialogue session API and gives direct access to the
stored session logs and user variables.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("env-file", ".env", "Optional dotenv file loaded before the environment")
	rootCmd.PersistentFlags().String("log-level", "", "Override DLB_LOG_LEVEL (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Override DLB_LOG_FORMAT (text, json)")
}

// loadConfig reads the configuration and builds the logger the flags ask for.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, err
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.LogFormat = v
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	format, err := logging.ParseFormat(cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.New(level, format), nil
}

// openApp builds an App for the one-shot inspection commands.
func openApp(cmd *cobra.Command) (*dlb.App, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return dlb.New(cfg, dlb.WithLogger(logger))
}
