// Package main provides the agosync binary entry point.
// Agosync moves attribute data between the local analyst database and
// the hosted feature-service platform: classification, per-key
// sensitivity aggregation, and feature-layer publishing.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/geobcdata/agosync/config"
)

const (
	Version   = "0.3.0"
	BuildTime = "dev"
	appName   = "agosync"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Sync analyst datasets to hosted feature layers",
		Long: `Agosync runs declarative sync jobs against a hosted feature-service
platform: full-dataset publishes with overwrite semantics, and keyed
batched patches of already-published layers. Jobs can derive
classification columns and aggregate per-key sensitivity flags before
publishing.

Credentials come from the environment (AGO_HOST, AGO_USERNAME,
AGO_TOKEN, DATABASE_URL), optionally via a .env file.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
			configureLogging(logLevel)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "agosync.yaml", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Publish to an in-memory store instead of the portal")

	cmd.AddCommand(
		runCmd(&configPath, &dryRun),
		modeCmd(&configPath, &dryRun, "publish", config.ModeFull, "Force a full-dataset publish for one job"),
		modeCmd(&configPath, &dryRun, "patch", config.ModePatch, "Force a keyed patch for one job"),
		watchCmd(&configPath, &dryRun),
		versionCmd(),
	)
	return cmd
}

func configureLogging(logLevel string) {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func runCmd(configPath *string, dryRun *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "run [job...]",
		Short: "Run all configured jobs, or only the named ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(*configPath, *dryRun)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Run(cmd.Context(), args)
		},
	}
}

// modeCmd builds the publish/patch commands, which run one job with its
// mode forced.
func modeCmd(configPath *string, dryRun *bool, use, mode, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(*configPath, *dryRun)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.RunWithMode(cmd.Context(), args[0], mode)
		},
	}
}

func watchCmd(configPath *string, dryRun *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the export directory and re-run jobs on change",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(*configPath, *dryRun)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Watch(ctx)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}
