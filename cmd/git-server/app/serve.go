package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	gitapp "github.com/tinyflake/git-server/internal/app"
)

// defaultGracefulTimeout lets in-flight clones and pushes finish on shutdown
const defaultGracefulTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the git HTTP server",
		Long: `Start the git smart HTTP server.

The configuration file names the repository list, the users file and where
operation records are stored. Repositories are served under /git/<name>.git.`,
		RunE: runServe,
	}
	cmd.Flags().String("address", "", "Address to listen on (overrides server.address)")
	cmd.Flags().Duration("shutdown-timeout", defaultGracefulTimeout, "How long in-flight requests may take to finish on shutdown")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := []gitapp.GitServerAppOptions{gitapp.WithConfig(cfg)}
	if address, _ := cmd.Flags().GetString("address"); address != "" {
		opts = append(opts, gitapp.WithAddress(address))
	}
	timeout, err := cmd.Flags().GetDuration("shutdown-timeout")
	if err != nil {
		return err
	}

	// the server lifetime is bounded by Stop, not by the signal context
	server, err := gitapp.NewGitServerApp(context.WithoutCancel(ctx), opts...)
	if err != nil {
		return fmt.Errorf("failed to create git server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if stopErr := server.Stop(timeout); stopErr != nil {
			slog.Error("Failed to stop server", "error", stopErr)
		}
		return err
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	}

	if err := server.Stop(timeout); err != nil {
		return err
	}
	return <-errCh
}
