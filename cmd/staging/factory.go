package main

import (
	"go.uber.org/zap"

	"github.com/arcaio/core/internal/config"
)

// Factory builds staging's collaborators, the same test-seam shape
// cmd/core's Factory and the teacher storagenode cmd package use.
type Factory struct{}

func (f *Factory) newPeer(cfg config.StagingConfig, log *zap.Logger) (*Peer, error) {
	return NewPeer(cfg, log)
}
