package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arcaio/core/internal/config"
)

// newRootCmd builds the core service's single "run" command, following
// the teacher storagenode cmd package's factory-indirection shape
// (newForgetSatelliteCmd(factory) and its siblings in
// cmd/storagenode) so the command can be constructed and executed
// against a fake Factory in tests without opening a real database.
func newRootCmd(factory *Factory) *cobra.Command {
	cfg := &config.CoreConfig{}

	cmd := &cobra.Command{
		Use:   "core",
		Short: "run the core service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.OverlayEnv(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCore(cmd.Context(), factory, *cfg)
		},
	}
	config.Bind(cmd, cfg)
	return cmd
}

// runCore builds a Peer and runs its HTTP server and background
// workers until ctx is canceled, stopping either cleanly together or
// reporting whichever failed first.
func runCore(ctx context.Context, factory *Factory, cfg config.CoreConfig) error {
	log, err := zap.NewProduction()
	if err != nil {
		return Err.Wrap(err)
	}
	defer func() { _ = log.Sync() }()

	peer, err := factory.newPeer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := peer.Close(); err != nil {
			log.Error("failed to close peer", zap.Error(err))
		}
	}()

	if err := peer.seedRecurringTasks(ctx); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{Addr: cfg.ListenAddr, Handler: peer.Routes()}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return server.Shutdown(context.Background())
	})
	group.Go(func() error {
		return peer.defaultWorker().Run(groupCtx)
	})
	group.Go(func() error {
		return peer.archivalWorker().Run(groupCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
