// Package cli holds the custody-store cobra commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/app"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/config"
)

// NewRootCommand returns the command tree root. Every subcommand reads its
// configuration from the environment after the env files are loaded.
func NewRootCommand() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:           "custody-store",
		Short:         "Evidentiary custody store",
		Long:          "Content-addressed evidence storage with a hash-chained custody ledger and fail-closed retrieval.",
		SilenceErrors: true,
		SilenceUsage:  true,

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadEnvFiles(envFile)
		},
	}

	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "extra env file loaded after .env and .env.local")
	cmd.Version = config.Version

	return cmd
}

// openLocal assembles the app for a one-shot command. Logs go to stderr so
// stdout stays machine-readable.
func openLocal(ctx context.Context, cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	return app.New(ctx, cfg, logger)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
