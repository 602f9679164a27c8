// Package main provides the CLI entry point for Niffler, an interactive
// terminal AI coding assistant.
//
// Niffler runs three cooperating threads per spec: a UI thread (this
// process's REPL), an API Worker that streams completions from an
// OpenAI-compatible endpoint, and a Tool Worker that executes the model's
// tool calls against the local workspace. The Conversation Engine
// (internal/engine) bridges all three and persists every message through
// internal/persistence.
//
// # Basic usage
//
//	niffler --config niffler.yaml
//
// Start with a specific model and workspace:
//
//	niffler --config niffler.yaml --model claude-main --workspace ./project
//
// # Environment variables
//
//   - NIFFLER_LOG_LEVEL overrides the configured log level.
//   - Each model catalog entry's api_env_var names the environment
//     variable holding that model's API key.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/niffler-ai/niffler/internal/observability"
)

// Build information, populated by ldflags during release builds.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// configError marks a startup failure in the Config error class (spec §7),
// which exits 2 rather than the generic init-failure exit code of 1.
type configError struct{ err error }

func (c *configError) Error() string { return c.err.Error() }
func (c *configError) Unwrap() error { return c.err }

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		var cfgErr *configError
		if errors.As(err, &cfgErr) {
			fmt.Fprintln(os.Stderr, "niffler:", err)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "niffler:", err)
		os.Exit(1)
	}
}

// buildRootCmd assembles the root command. Separated from main for testability.
func buildRootCmd() *cobra.Command {
	opts := &startOptions{}

	root := &cobra.Command{
		Use:   "niffler",
		Short: "Niffler - an interactive terminal AI coding assistant",
		Long: `Niffler is a terminal-based agentic coding assistant. It streams
completions from an OpenAI-compatible model endpoint, executes the model's
requested tool calls against your workspace, and persists every
conversation to a local SQLite database.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runREPL(ctx, opts, cmd)
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to the model catalog config file (YAML or JSON5)")
	root.PersistentFlags().StringVar(&opts.workspace, "workspace", ".", "Workspace root that file and shell tools are scoped to")
	root.PersistentFlags().StringVar(&opts.modelNickname, "model", "", "Model nickname for the first turn (defaults to the catalog's default_model)")
	root.PersistentFlags().StringVar(&opts.conversationID, "conversation", "", "Resume an existing conversation by id instead of starting a new one")

	root.AddCommand(buildMigrateCmd(opts))

	return root
}

// buildMigrateCmd exposes schema setup as a standalone operation, useful in
// deployment scripts that want to provision the database ahead of first
// interactive use. Open() already applies pending migrations, so this is a
// thin, explicit wrapper around the same path.
func buildMigrateCmd(opts *startOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return &configError{err}
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied:", cfg.DatabasePath)
			return nil
		},
	}
}

func newLogger(level string) *observability.Logger {
	if env := os.Getenv("NIFFLER_LOG_LEVEL"); env != "" {
		level = env
	}
	return observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: "json",
		Output: os.Stderr,
	})
}
