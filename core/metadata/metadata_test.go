package metadata_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcaio/core/core/blocks"
	"github.com/arcaio/core/core/db"
	"github.com/arcaio/core/core/grants"
	"github.com/arcaio/core/core/hosts"
	"github.com/arcaio/core/core/metadata"
	"github.com/arcaio/core/internal/clock"
	"github.com/arcaio/core/pkg/auth"
)

func setup(t *testing.T, now time.Time) (*db.Conn, *metadata.Engine) {
	t.Helper()
	conn, err := db.Open("sqlite3://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ctx := context.Background()
	stmts := []string{
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
	}
	for _, stmt := range stmts {
		_, err := conn.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	signer, err := auth.NewSigner(priv, clock.Fixed(now))
	require.NoError(t, err)

	c := clock.Fixed(now)
	b := blocks.NewStore(conn, c)
	g := grants.NewStore(conn, signer, c)
	h := hosts.NewStore(conn, c)
	return conn, metadata.NewEngine(conn, b, g, h, c)
}

func insertDrive(t *testing.T, conn *db.Conn, id, userID int64) {
	t.Helper()
	_, err := conn.ExecContext(context.Background(), `INSERT INTO drives (id, user_id, storage_class) VALUES (?, ?, 'hot')`, id, userID)
	require.NoError(t, err)
}

func insertHost(t *testing.T, conn *db.Conn, id int64, available int64, now time.Time) {
	t.Helper()
	_, err := conn.ExecContext(context.Background(), `
		INSERT INTO storage_hosts (id, name, url, key_fingerprint, region, available_storage,
			used_storage, reserved_storage, pricing_bytes_per_month, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, ?)`,
		id, "host-a", "https://host-a.example", "aa:bb", "us", available, now)
	require.NoError(t, err)
}

func TestPushMetadataZeroSizeFastPath(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	conn, engine := setup(t, now)
	insertDrive(t, conn, 1, 10)

	res, err := engine.PushMetadata(context.Background(), 1, 10, "aa:bb", metadata.PushRequest{
		RootCID: "uroot", MetadataCID: "umeta", ExpectedDataSize: 0,
	})
	require.NoError(t, err)
	require.Equal(t, metadata.StateCurrent, res.State)
	require.Empty(t, res.StorageHostURL)
	require.Empty(t, res.StorageAuthorization)

	v, err := engine.CurrentOnly(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, res.MetadataID, v.ID)
}

func TestPushMetadataNormalPathSelectsHostAndIssuesGrant(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	conn, engine := setup(t, now)
	insertDrive(t, conn, 1, 10)
	insertHost(t, conn, 100, 10<<30, now)

	res, err := engine.PushMetadata(context.Background(), 1, 10, "aa:bb", metadata.PushRequest{
		RootCID: "uroot", MetadataCID: "umeta", ExpectedDataSize: 150 << 20,
	})
	require.NoError(t, err)
	require.Equal(t, metadata.StateUploading, res.State)
	require.Equal(t, "https://host-a.example", res.StorageHostURL)
	require.NotEmpty(t, res.StorageAuthorization)
}

func TestWriteLockRejectsConcurrentPushFromElsewhere(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	conn, engine := setup(t, now)
	insertDrive(t, conn, 1, 10)
	insertHost(t, conn, 100, 10<<30, now)

	_, err := engine.PushMetadata(context.Background(), 1, 10, "aa:bb", metadata.PushRequest{
		RootCID: "uroot1", MetadataCID: "umeta1", ExpectedDataSize: 150 << 20,
	})
	require.NoError(t, err)

	_, err = engine.PushMetadata(context.Background(), 1, 10, "aa:bb", metadata.PushRequest{
		RootCID: "uroot2", MetadataCID: "umeta2", ExpectedDataSize: 150 << 20,
	})
	require.ErrorIs(t, err, metadata.ErrWriteLocked)
}

func TestWriteLockAllowsReplacingNamedPendingVersion(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	conn, engine := setup(t, now)
	insertDrive(t, conn, 1, 10)
	insertHost(t, conn, 100, 10<<30, now)
	ctx := context.Background()

	first, err := engine.PushMetadata(ctx, 1, 10, "aa:bb", metadata.PushRequest{
		RootCID: "uroot1", MetadataCID: "umeta1", ExpectedDataSize: 150 << 20,
	})
	require.NoError(t, err)
	require.NoError(t, engine.FinalizeUpload(ctx, first.MetadataID, 10, 150<<20, 1024, "hhh"))

	replaces := first.MetadataID
	_, err = engine.PushMetadata(ctx, 1, 10, "aa:bb", metadata.PushRequest{
		RootCID: "uroot2", MetadataCID: "umeta2", ExpectedDataSize: 150 << 20, ReplacesID: &replaces,
	})
	require.NoError(t, err)
}

func TestFinalizeUploadEnforcesHotStorageQuota(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	conn, engine := setup(t, now)
	insertDrive(t, conn, 1, 10)
	insertHost(t, conn, 100, 10<<40, now)
	ctx := context.Background()

	res, err := engine.PushMetadata(ctx, 1, 10, "aa:bb", metadata.PushRequest{
		RootCID: "uroot", MetadataCID: "umeta", ExpectedDataSize: 6 << 40,
	})
	require.NoError(t, err)

	err = engine.FinalizeUpload(ctx, res.MetadataID, 10, 6<<40, 1024, "hhh")
	require.ErrorIs(t, err, metadata.ErrLimitReached)

	var state string
	row := conn.QueryRowContext(ctx, `SELECT state FROM metadata_versions WHERE id = ?`, res.MetadataID)
	require.NoError(t, row.Scan(&state))
	require.Equal(t, string(metadata.StateUploadFailed), state)
}

func TestMarkCurrentPromotesPendingAndDemotesPrior(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	conn, engine := setup(t, now)
	insertDrive(t, conn, 1, 10)
	insertHost(t, conn, 100, 10<<30, now)
	ctx := context.Background()

	first, err := engine.PushMetadata(ctx, 1, 10, "aa:bb", metadata.PushRequest{
		RootCID: "uroot0", MetadataCID: "umeta0", ExpectedDataSize: 0,
	})
	require.NoError(t, err)
	require.Equal(t, metadata.StateCurrent, first.State)

	second, err := engine.PushMetadata(ctx, 1, 10, "aa:bb", metadata.PushRequest{
		RootCID: "uroot1", MetadataCID: "umeta1", ExpectedDataSize: 10 << 20,
	})
	require.NoError(t, err)
	require.NoError(t, engine.FinalizeUpload(ctx, second.MetadataID, 10, 10<<20, 1024, "hhh"))

	require.NoError(t, engine.MarkCurrent(ctx, 1, second.MetadataID))

	v, err := engine.CurrentOnly(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, second.MetadataID, v.ID)

	var priorState string
	row := conn.QueryRowContext(ctx, `SELECT state FROM metadata_versions WHERE id = ?`, first.MetadataID)
	require.NoError(t, row.Scan(&priorState))
	require.Equal(t, string(metadata.StateOutdated), priorState)
}

func TestCurrentVersionFallsBackToPendingWithoutCurrent(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	conn, engine := setup(t, now)
	insertDrive(t, conn, 1, 10)
	insertHost(t, conn, 100, 10<<30, now)
	ctx := context.Background()

	res, err := engine.PushMetadata(ctx, 1, 10, "aa:bb", metadata.PushRequest{
		RootCID: "uroot", MetadataCID: "umeta", ExpectedDataSize: 10 << 20,
	})
	require.NoError(t, err)
	require.NoError(t, engine.FinalizeUpload(ctx, res.MetadataID, 10, 10<<20, 1024, "hhh"))

	_, err = engine.CurrentOnly(ctx, 1)
	require.Error(t, err)

	v, err := engine.CurrentVersion(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, res.MetadataID, v.ID)
	require.Equal(t, metadata.StatePending, v.State)
}

func TestUpdateStorageClassLockedWhileNonDeletedMetadataExists(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	conn, engine := setup(t, now)
	insertDrive(t, conn, 1, 10)
	ctx := context.Background()

	_, err := engine.PushMetadata(ctx, 1, 10, "aa:bb", metadata.PushRequest{
		RootCID: "uroot", MetadataCID: "umeta", ExpectedDataSize: 0,
	})
	require.NoError(t, err)

	err = engine.UpdateStorageClass(ctx, 1, "cold")
	require.ErrorIs(t, err, metadata.ErrStorageClassLocked)
}
