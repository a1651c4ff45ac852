// Package main is the storage provider service entrypoint: one
// durable block store peer (spec.md §3's storage_hosts row), accepting
// pushed blocks from staging during redistribution and, for uploads
// large enough that core hands the client a direct storage_authorization,
// the client's CARv2 body itself.
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

// Err is the class for storage provider startup/wiring failures.
var Err = errs.Class("storageprovider")

// Peer holds every collaborator this storage host's handlers need.
type Peer struct {
	Config config.StorageProviderConfig
	Log    *zap.Logger

	Objects    objectstore.Store
	Signer     *auth.Signer
	Verifier   *auth.Verifier
	HTTPClient *http.Client
}

// NewPeer wires a storage provider Peer from cfg.
func NewPeer(cfg config.StorageProviderConfig, log *zap.Logger) (*Peer, error) {
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

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, Err.Wrap(err)
	}

	return &Peer{
		Config:     cfg,
		Log:        log,
		Objects:    objectstore.NewLocalStore(cfg.DataDir),
		Signer:     signer,
		Verifier:   verifier,
		HTTPClient: &http.Client{},
	}, nil
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
