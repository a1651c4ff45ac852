package main

import (
	"go.uber.org/zap"

	"github.com/arcaio/core/internal/config"
)

// Factory builds a storage provider's collaborators, the same
// test-seam shape cmd/core and cmd/staging use.
type Factory struct{}

func (f *Factory) newPeer(cfg config.StorageProviderConfig, log *zap.Logger) (*Peer, error) {
	return NewPeer(cfg, log)
}
