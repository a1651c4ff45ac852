package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/arcaio/core/internal/config"
)

// Factory builds the collaborators a cobra command needs, indirected
// behind an interface-free struct so tests can construct a command
// against a Factory stub instead of a live Peer — the same shape the
// teacher's storagenode cmd package uses to keep its cobra command
// constructors (newForgetSatelliteCmd(factory) and siblings) testable
// without a running node.
type Factory struct{}

// newPeer is overridden in tests that need a command to run against a
// fake or in-memory Peer instead of opening a real database.
func (f *Factory) newPeer(ctx context.Context, cfg config.CoreConfig, log *zap.Logger) (*Peer, error) {
	return NewPeer(ctx, cfg, log)
}
