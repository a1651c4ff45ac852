package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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
	"github.com/arcaio/core/pkg/auth"
	"github.com/arcaio/core/pkg/objectstore"
)

// handlerHarness builds a Peer by hand, the same ad hoc sqlite schema
// subset core/upload and core/redistribute's own tests use, rather
// than going through NewPeer (which reads a signing key from disk and
// opens a dial-string database).
func handlerHarness(t *testing.T, now time.Time) (*Peer, *auth.Signer) {
	t.Helper()
	conn, err := db.Open("sqlite3://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ctx := context.Background()
	for _, stmt := range []string{
		`CREATE TABLE drives (id INTEGER PRIMARY KEY, user_id INTEGER, storage_class TEXT)`,
		`CREATE TABLE metadata_versions (
			id INTEGER PRIMARY KEY, drive_id INTEGER, root_cid TEXT, metadata_cid TEXT,
			expected_data_size INTEGER, data_size INTEGER, metadata_size INTEGER,
			metadata_hash TEXT, state TEXT, storage_host_id INTEGER, grant_id TEXT,
			failure_reason TEXT, created_at TIMESTAMP, updated_at TIMESTAMP)`,
		`CREATE TABLE blocks (id INTEGER PRIMARY KEY, cid TEXT UNIQUE, length INTEGER)`,
		`CREATE TABLE block_locations (
			block_id INTEGER, metadata_id INTEGER, storage_host_id INTEGER,
			state TEXT, expired_at TIMESTAMP)`,
		`CREATE TABLE storage_hosts (
			id INTEGER PRIMARY KEY, name TEXT, url TEXT, key_fingerprint TEXT, region TEXT,
			available_storage INTEGER, used_storage INTEGER, reserved_storage INTEGER,
			pricing_bytes_per_month INTEGER, last_seen_at TIMESTAMP)`,
		`CREATE TABLE grants (
			grant_id TEXT PRIMARY KEY, user_id INTEGER, host_id INTEGER,
			amount INTEGER, redeemed_at TIMESTAMP, superseded_at TIMESTAMP, created_at TIMESTAMP)`,
		`CREATE TABLE tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			next_id INTEGER,
			previous_id INTEGER,
			task_name TEXT,
			queue_name TEXT,
			unique_key TEXT,
			state TEXT,
			current_attempt INTEGER,
			maximum_attempts INTEGER,
			payload TEXT,
			error TEXT,
			scheduled_at TIMESTAMP,
			scheduled_to_run_at TIMESTAMP,
			started_at TIMESTAMP,
			finished_at TIMESTAMP)`,
		`CREATE TABLE snapshots (
			id TEXT PRIMARY KEY, metadata_id INTEGER, archival_host_id INTEGER, cids TEXT,
			state TEXT, seal_attempts INTEGER, created_at TIMESTAMP, completed_at TIMESTAMP)`,
		`CREATE TABLE deals (
			id TEXT PRIMARY KEY, host_id INTEGER, state TEXT, total_bytes INTEGER, created_at TIMESTAMP)`,
		`CREATE TABLE deal_segments (deal_id TEXT, snapshot_id TEXT, bytes INTEGER)`,
	} {
		_, err := conn.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	_, err = conn.ExecContext(ctx, `INSERT INTO drives (id, user_id, storage_class) VALUES (1, 42, 'hot')`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `
		INSERT INTO metadata_versions (id, drive_id, state, data_size, metadata_size, created_at, updated_at)
		VALUES (900, 1, 'uploading', 0, 0, ?, ?)`, now, now)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `
		INSERT INTO storage_hosts (id, name, url, key_fingerprint, region, available_storage,
			used_storage, reserved_storage, pricing_bytes_per_month, last_seen_at)
		VALUES (100, 'host-a', 'https://host-a.example', 'hh:aa', 'us', ?, 0, 0, 0, ?)`,
		10<<30, now)
	require.NoError(t, err)

	c := clock.Fixed(now)
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	signer, err := auth.NewSigner(priv, c)
	require.NoError(t, err)

	dir := auth.NewStaticKeyDirectory()
	_, err = auth.Fingerprint(&priv.PublicKey)
	require.NoError(t, err)
	require.NoError(t, dir.Add(&priv.PublicKey, "storageprovider"))
	verifier := auth.NewVerifier(dir, c)

	b := blocks.NewStore(conn, c)
	g := grants.NewStore(conn, signer, c)
	h := hosts.NewStore(conn, c)
	engine := metadata.NewEngine(conn, b, g, h, c)
	archivalStore := archival.NewStore(conn, b, h, c)
	taskStore := taskq.NewStore(conn, c)

	objects := objectstore.NewLocalStore(t.TempDir())
	uploadHandler := upload.NewHandler(verifier, engine, b, objects, c)
	redistributeService := redistribute.NewService(conn, b, h, g, signer, http.DefaultClient, "", c, nil)

	peer := &Peer{
		DB:             conn,
		Blocks:         b,
		Grants:         g,
		Hosts:          h,
		Metadata:       engine,
		Archival:       archivalStore,
		Tasks:          taskStore,
		Signer:         signer,
		Verifier:       verifier,
		Redistribute:   redistributeService,
		Upload:         uploadHandler,
		Objects:        objects,
		stagingCleanup: &stagingCleanupEnqueuer{tasks: taskStore},
	}
	return peer, signer
}

func signHookToken(t *testing.T, signer *auth.Signer, audience string) string {
	t.Helper()
	token, err := signer.Sign(auth.SignParams{
		Subject:  "storageprovider",
		Audience: audience,
		ValidFor: 15 * time.Minute,
	})
	require.NoError(t, err)
	return token
}

func TestHandleUploadReportRejectsMissingBearerToken(t *testing.T) {
	peer, _ := handlerHarness(t, time.Now())

	req := httptest.NewRequest(http.MethodPost, "/hooks/report/900", strings.NewReader(`{}`))
	req.SetPathValue("metadata_id", "900")
	rec := httptest.NewRecorder()

	peer.handleUploadReport(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleUploadReportRejectsWrongAudience(t *testing.T) {
	peer, signer := handlerHarness(t, time.Now())
	token := signHookToken(t, signer, "staging")

	req := httptest.NewRequest(http.MethodPost, "/hooks/report/900", strings.NewReader(`{}`))
	req.SetPathValue("metadata_id", "900")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	peer.handleUploadReport(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleUploadReportFinalizesUploadOnValidToken(t *testing.T) {
	peer, signer := handlerHarness(t, time.Now())
	token := signHookToken(t, signer, "core")

	body, err := json.Marshal(uploadReport{DataSize: 1024, NormalizedCIDs: []string{"ucid1"}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/hooks/report/900", strings.NewReader(string(body)))
	req.SetPathValue("metadata_id", "900")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	peer.handleUploadReport(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)

	var state string
	row := peer.DB.QueryRowContext(context.Background(), `SELECT state FROM metadata_versions WHERE id = 900`)
	require.NoError(t, row.Scan(&state))
	require.Equal(t, "pending", state)
}

func TestHandleRedistributionCompletionRejectsMissingBearerToken(t *testing.T) {
	peer, _ := handlerHarness(t, time.Now())

	req := httptest.NewRequest(http.MethodPost, "/hooks/redistribution/900", strings.NewReader(`{}`))
	req.SetPathValue("metadata_id", "900")
	rec := httptest.NewRecorder()

	peer.handleRedistributionCompletion(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleRedistributionCompletionRejectsWrongAudience(t *testing.T) {
	peer, signer := handlerHarness(t, time.Now())
	token := signHookToken(t, signer, "storage-host")

	req := httptest.NewRequest(http.MethodPost, "/hooks/redistribution/900", strings.NewReader(`{}`))
	req.SetPathValue("metadata_id", "900")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	peer.handleRedistributionCompletion(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleListDealsReturnsEmptyList(t *testing.T) {
	peer, _ := handlerHarness(t, time.Now())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/deals", nil)
	rec := httptest.NewRecorder()

	peer.handleListDeals(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var deals []interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deals))
	require.Empty(t, deals)
}

func TestUserIDForMetadataReturnsOwningUser(t *testing.T) {
	peer, _ := handlerHarness(t, time.Now())

	userID, err := peer.userIDForMetadata(context.Background(), 900)
	require.NoError(t, err)
	require.Equal(t, int64(42), userID)
}

func TestUserIDForMetadataRejectsUnknownVersion(t *testing.T) {
	peer, _ := handlerHarness(t, time.Now())

	_, err := peer.userIDForMetadata(context.Background(), 999)
	require.Error(t, err)
}
