// xconnect-adapter is the process entry point: it loads a config file,
// builds one Facade per enabled venue, and keeps them connected until a
// shutdown signal arrives.
//
// Grounded on a config-load/slog-setup/SIGINT-SIGTERM-wait entry point
// shape, generalized from a single-exchange engine to N independent
// venue Facades, with cobra added for the run/validate-config
// subcommand split a single-purpose binary never needed.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"xconnect/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "xconnect-adapter",
		Short: "Run the multi-venue exchange connectivity core",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "path to config.yaml")

	root.AddCommand(newRunCmd(&cfgPath))
	root.AddCommand(newValidateConfigCmd(&cfgPath))
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("XCONNECT_CONFIG"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

func newValidateConfigCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the config file without connecting to any venue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config is valid")
			return nil
		},
	}
}

func newRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect every enabled venue and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			logger := newLogger(cfg.Logging)
			return runAdapters(cmd.Context(), cfg, logger)
		},
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
