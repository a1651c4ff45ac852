package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arcaio/core/internal/config"
)

func newRootCmd(factory *Factory) *cobra.Command {
	cfg := &config.StagingConfig{}

	cmd := &cobra.Command{
		Use:   "staging",
		Short: "run the staging service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.OverlayEnv(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStaging(cmd.Context(), factory, *cfg)
		},
	}
	config.Bind(cmd, cfg)
	return cmd
}

func runStaging(ctx context.Context, factory *Factory, cfg config.StagingConfig) error {
	log, err := zap.NewProduction()
	if err != nil {
		return Err.Wrap(err)
	}
	defer func() { _ = log.Sync() }()

	peer, err := factory.newPeer(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{Addr: cfg.ListenAddr, Handler: peer.Routes()}
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return server.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
