// Package main is the staging service entrypoint: the ingestion
// buffer that core pushes newly-uploaded blocks through during
// redistribution (spec.md §4.7) — it holds a block only until it has
// been copied onto its permanent storage host.
package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"os"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/arcaio/core/internal/clock"
	"github.com/arcaio/core/internal/config"
	"github.com/arcaio/core/pkg/auth"
	"github.com/arcaio/core/pkg/objectstore"
)

// Err is the class for staging service startup/wiring failures.
var Err = errs.Class("staging")

// Peer holds every collaborator the staging service's hooks need,
// mirroring cmd/core's Peer aggregation shape scoped down to what a
// pure forwarding service requires: no relational store of its own,
// since staging's only durable state is the blobs it's holding.
type Peer struct {
	Config config.StagingConfig
	Log    *zap.Logger

	Objects    objectstore.Store
	Signer     *auth.Signer
	Verifier   *auth.Verifier
	HTTPClient *http.Client
}

// NewPeer wires a staging Peer from cfg.
func NewPeer(cfg config.StagingConfig, log *zap.Logger) (*Peer, error) {
	priv, err := loadOrGenerateSigningKey(cfg.SigningKeyPath)
	if err != nil {
		return nil, err
	}
	wall := clock.Wall{}
	signer, err := auth.NewSigner(priv, wall)
	if err != nil {
		return nil, Err.Wrap(err)
	}

	directory := auth.NewStaticKeyDirectory()
	var keyDirectory auth.KeyDirectory = directory
	if cfg.TrustedKeyDir != "" {
		peerKeys, err := auth.LoadKeyDirectoryFromDir(cfg.TrustedKeyDir)
		if err != nil {
			return nil, Err.Wrap(err)
		}
		keyDirectory = peerKeys
	}
	verifier := auth.NewVerifier(keyDirectory, wall)

	objects, err := newObjectStore()
	if err != nil {
		return nil, err
	}

	return &Peer{
		Config:     cfg,
		Log:        log,
		Objects:    objects,
		Signer:     signer,
		Verifier:   verifier,
		HTTPClient: &http.Client{Timeout: cfg.HookTimeout},
	}, nil
}

// newObjectStore opens staging's blob backend. Staging and core are
// configured against the same physical object-store root (a shared
// local directory: ARCA_STAGING_DATA_DIR, else ARCA_CORE_DATA_DIR, else
// ./data/core) so that blocks core's upload handler
// wrote under ARCA_CORE_DATA_DIR are readable here without a second
// copy — spec.md §4.6.4 names this as "the destination object store
// (staging)"; this module realizes that as a shared store rather than
// an extra network hop for every uploaded byte.
func newObjectStore() (objectstore.Store, error) {
	dir := os.Getenv("ARCA_STAGING_DATA_DIR")
	if dir == "" {
		dir = os.Getenv("ARCA_CORE_DATA_DIR")
	}
	if dir == "" {
		dir = "./data/core"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, Err.Wrap(err)
	}
	return objectstore.NewLocalStore(dir), nil
}

func loadOrGenerateSigningKey(path string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, Err.Wrap(err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, Err.New("signing key %q is not PEM-encoded", path)
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, Err.Wrap(err)
	}
	return key, nil
}
