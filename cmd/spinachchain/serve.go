package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background workers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		srv, cfg, logger := newServer(ctx, cmd)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		}()

		logger.Info("starting spinachchain",
			"listen", cfg.Server.Listen,
			"database", cfg.Database.Type,
			"publisher", cfg.Publisher.Backend,
			"lifecycle", cfg.Lifecycle.Mode)

		if err := srv.Migrate(ctx); err != nil {
			glog.Fatalf("Failed to migrate database: %v", err)
		}
		return srv.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "Address to listen on (default :8080)")
	serveCmd.Flags().String("auth-mode", "", "Identity source: jwt or header")
}
