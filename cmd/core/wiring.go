// Package main is the core service entrypoint: the primary API
// surface for client uploads, metadata pushes, and the orchestration
// of grants, hosts, redistribution, the task queue, and archival.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"os"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/arcaio/core/core/archival"
	"github.com/arcaio/core/core/blocks"
	"github.com/arcaio/core/core/db"
	"github.com/arcaio/core/core/grants"
	"github.com/arcaio/core/core/hosts"
	"github.com/arcaio/core/core/metadata"
	"github.com/arcaio/core/core/redistribute"
	"github.com/arcaio/core/core/taskq"
	"github.com/arcaio/core/core/upload"
	"github.com/arcaio/core/internal/clock"
	"github.com/arcaio/core/internal/config"
	"github.com/arcaio/core/pkg/auth"
	"github.com/arcaio/core/pkg/objectstore"
)

// Err is the class for core service startup/wiring failures.
var Err = errs.Class("core")

// Peer holds every collaborator the core service's HTTP handlers and
// background workers need, built once at startup from Config —
// mirroring the teacher's satellite.Peer aggregation, scoped down to
// this service's actual dependency set (see package doc of each
// core/* package for the collaborator's own responsibilities).
type Peer struct {
	Config config.CoreConfig
	Log    *zap.Logger

	DB *db.Conn

	Blocks   *blocks.Store
	Grants   *grants.Store
	Hosts    *hosts.Store
	Metadata *metadata.Engine
	Archival *archival.Store
	Tasks    *taskq.Store

	Signer       *auth.Signer
	Verifier     *auth.Verifier
	Redistribute *redistribute.Service

	Upload  *upload.Handler
	Objects objectstore.Store

	stagingCleanup *stagingCleanupEnqueuer
}

// NewPeer opens the configured database, runs its schema, and wires
// every collaborator together. The caller owns Peer.DB's lifetime —
// call Peer.Close when finished.
func NewPeer(ctx context.Context, cfg config.CoreConfig, log *zap.Logger) (*Peer, error) {
	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, Err.Wrap(err)
	}
	if err := db.Schema(conn).Run(ctx, log); err != nil {
		conn.Close()
		return nil, Err.Wrap(err)
	}

	priv, err := loadOrGenerateSigningKey(cfg.SigningKeyPath)
	if err != nil {
		conn.Close()
		return nil, err
	}

	wall := clock.Wall{}
	signer, err := auth.NewSigner(priv, wall)
	if err != nil {
		conn.Close()
		return nil, Err.Wrap(err)
	}
	directory := auth.CompositeKeyDirectory{&userKeyDirectory{conn: conn}}
	if cfg.TrustedKeyDir != "" {
		peerKeys, err := auth.LoadKeyDirectoryFromDir(cfg.TrustedKeyDir)
		if err != nil {
			conn.Close()
			return nil, Err.Wrap(err)
		}
		directory = append(directory, peerKeys)
	}
	verifier := auth.NewVerifier(directory, wall)

	blockStore := blocks.NewStore(conn, wall)
	grantStore := grants.NewStore(conn, signer, wall)
	hostStore := hosts.NewStore(conn, wall)
	engine := metadata.NewEngine(conn, blockStore, grantStore, hostStore, wall)
	archivalStore := archival.NewStore(conn, blockStore, hostStore, wall)
	taskStore := taskq.NewStore(conn, wall)
	engine.SetPruneEnqueuer(&pruneBlocksEnqueuer{tasks: taskStore})

	objects, err := newObjectStore(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	uploadHandler := upload.NewHandler(verifier, engine, blockStore, objects, wall)

	redistributeService := redistribute.NewService(conn, blockStore, hostStore, grantStore,
		signer, &http.Client{Timeout: cfg.HookTimeout}, cfg.StagingURL, wall, log)

	return &Peer{
		Config:         cfg,
		Log:            log,
		DB:             conn,
		Blocks:         blockStore,
		Grants:         grantStore,
		Hosts:          hostStore,
		Metadata:       engine,
		Archival:       archivalStore,
		Tasks:          taskStore,
		Signer:         signer,
		Verifier:       verifier,
		Redistribute:   redistributeService,
		Upload:         uploadHandler,
		Objects:        objects,
		stagingCleanup: &stagingCleanupEnqueuer{tasks: taskStore},
	}, nil
}

// Close releases the Peer's database connection.
func (p *Peer) Close() error {
	return p.DB.Close()
}

// newObjectStore opens the local-filesystem object store rooted at
// ARCA_CORE_DATA_DIR (default ./data/core), creating that directory if
// needed. cfg is not consulted and no S3 backend is ever chosen here;
// core's own config doesn't expose a storage backend knob.
func newObjectStore(cfg config.CoreConfig) (objectstore.Store, error) {
	dir := os.Getenv("ARCA_CORE_DATA_DIR")
	if dir == "" {
		dir = "./data/core"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, Err.Wrap(err)
	}
	return objectstore.NewLocalStore(dir), nil
}

// loadOrGenerateSigningKey reads an ECDSA P-384 PEM private key from
// path, or mints a fresh one in-memory when path is empty — fine for
// local/dev runs, but a restart then invalidates every previously
// issued token, so production deployments always set
// --signing-key-path.
func loadOrGenerateSigningKey(path string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return generateSigningKey()
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

func generateSigningKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, Err.Wrap(err)
	}
	return key, nil
}
