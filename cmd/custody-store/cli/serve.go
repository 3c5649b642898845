package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/app"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/config"
)

// NewServeCommand runs the HTTP server until SIGINT or SIGTERM.
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the custody store HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("configuration: %w", err)
			}
			logger := config.SetupLogger(cfg)
			logger.Info("Custody store starting",
				slog.String("instance_id", cfg.InstanceID),
				slog.String("version", config.Version),
				slog.String("store", cfg.Store),
				slog.String("backend", cfg.Backend),
				slog.Int("port", cfg.Port),
			)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				logger.Error("Startup failed", slog.String("error", err.Error()))
				return err
			}
			defer a.Close()

			if err := a.Serve(ctx); err != nil {
				logger.Error("Server stopped with error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("Custody store stopped")
			return nil
		},
	}
}
