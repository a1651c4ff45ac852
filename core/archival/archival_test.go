package archival_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcaio/core/core/archival"
	"github.com/arcaio/core/core/blocks"
	"github.com/arcaio/core/core/db"
	"github.com/arcaio/core/core/hosts"
	"github.com/arcaio/core/core/taskq"
	"github.com/arcaio/core/internal/clock"
)

type harness struct {
	conn   *db.Conn
	blocks *blocks.Store
	hosts  *hosts.Store
	tasks  *taskq.Store
	store  *archival.Store
}

func setup(t *testing.T, now time.Time) *harness {
	t.Helper()
	conn, err := db.Open("sqlite3://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ctx := context.Background()
	for _, stmt := range []string{
		`CREATE TABLE blocks (id INTEGER PRIMARY KEY, cid TEXT UNIQUE, length INTEGER)`,
		`CREATE TABLE block_locations (
			block_id INTEGER, metadata_id INTEGER, storage_host_id INTEGER,
			state TEXT, expired_at TIMESTAMP)`,
		`CREATE TABLE storage_hosts (
			id INTEGER PRIMARY KEY, name TEXT, url TEXT, key_fingerprint TEXT, region TEXT,
			available_storage INTEGER, used_storage INTEGER, reserved_storage INTEGER,
			pricing_bytes_per_month INTEGER, last_seen_at TIMESTAMP)`,
		`CREATE TABLE snapshots (
			id TEXT PRIMARY KEY, metadata_id INTEGER, archival_host_id INTEGER, cids TEXT,
			state TEXT, seal_attempts INTEGER, created_at TIMESTAMP, completed_at TIMESTAMP)`,
		`CREATE TABLE deals (
			id TEXT PRIMARY KEY, host_id INTEGER, state TEXT, total_bytes INTEGER, created_at TIMESTAMP)`,
		`CREATE TABLE deal_segments (deal_id TEXT, snapshot_id TEXT, bytes INTEGER)`,
		`CREATE TABLE tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT, next_id INTEGER, previous_id INTEGER,
			task_name TEXT, queue_name TEXT, unique_key TEXT, state TEXT,
			current_attempt INTEGER, maximum_attempts INTEGER, payload TEXT, error TEXT,
			scheduled_at TIMESTAMP, scheduled_to_run_at TIMESTAMP, started_at TIMESTAMP, finished_at TIMESTAMP)`,
	} {
		_, err := conn.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO storage_hosts (id, name, url, key_fingerprint, region, available_storage,
			used_storage, reserved_storage, pricing_bytes_per_month, last_seen_at)
		VALUES (300, 'archive-host', 'https://archive.example', 'hh:cc', 'us', ?, 0, 0, 0, ?)`,
		64<<30, now)
	require.NoError(t, err)

	c := clock.Fixed(now)
	b := blocks.NewStore(conn, c)
	h := hosts.NewStore(conn, c)
	tq := taskq.NewStore(conn, c)
	store := archival.NewStore(conn, b, h, c)

	return &harness{conn: conn, blocks: b, hosts: h, tasks: tq, store: store}
}

func insertBlock(t *testing.T, conn *db.Conn, id int64, cid string, length int64) {
	t.Helper()
	_, err := conn.ExecContext(context.Background(),
		`INSERT INTO blocks (id, cid, length) VALUES (?, ?, ?)`, id, cid, length)
	require.NoError(t, err)
}

func insertLocation(t *testing.T, conn *db.Conn, blockID, metadataID, hostID int64, state string) {
	t.Helper()
	_, err := conn.ExecContext(context.Background(),
		`INSERT INTO block_locations (block_id, metadata_id, storage_host_id, state) VALUES (?, ?, ?, ?)`,
		blockID, metadataID, hostID, state)
	require.NoError(t, err)
}

func TestCreateSnapshotSelectsArchivalHost(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	hn := setup(t, now)

	insertBlock(t, hn.conn, 1, "ucid1", 1024)
	insertLocation(t, hn.conn, 1, 900, 100, string(blocks.StateStored))

	snap, err := hn.store.CreateSnapshot(context.Background(), 900, []string{"ucid1"})
	require.NoError(t, err)
	require.Equal(t, archival.SnapshotPending, snap.State)
	require.Equal(t, int64(300), snap.ArchivalHost)
}

func TestSealSnapshotCompletesOnceAllBlocksStoredAtArchivalHost(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	hn := setup(t, now)

	insertBlock(t, hn.conn, 1, "ucid1", 1024)
	snap, err := hn.store.CreateSnapshot(context.Background(), 900, []string{"ucid1"})
	require.NoError(t, err)

	// not yet landed at the archival host.
	require.NoError(t, hn.store.SealSnapshot(context.Background(), snap.ID))
	row := hn.conn.QueryRowContext(context.Background(), `SELECT state, seal_attempts FROM snapshots WHERE id = ?`, snap.ID)
	var state string
	var attempts int
	require.NoError(t, row.Scan(&state, &attempts))
	require.Equal(t, string(archival.SnapshotPending), state)
	require.Equal(t, 1, attempts)

	insertLocation(t, hn.conn, 1, 900, 300, string(blocks.StateStored))
	require.NoError(t, hn.store.SealSnapshot(context.Background(), snap.ID))
	row = hn.conn.QueryRowContext(context.Background(), `SELECT state FROM snapshots WHERE id = ?`, snap.ID)
	require.NoError(t, row.Scan(&state))
	require.Equal(t, string(archival.SnapshotCompleted), state)
}

func TestSealSnapshotGoesErrorAfterMaxAttempts(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	hn := setup(t, now)

	insertBlock(t, hn.conn, 1, "ucid1", 1024)
	snap, err := hn.store.CreateSnapshot(context.Background(), 900, []string{"ucid1"})
	require.NoError(t, err)

	for i := 0; i < archival.MaxSealAttempts-1; i++ {
		require.NoError(t, hn.store.SealSnapshot(context.Background(), snap.ID))
	}
	row := hn.conn.QueryRowContext(context.Background(), `SELECT state FROM snapshots WHERE id = ?`, snap.ID)
	var state string
	require.NoError(t, row.Scan(&state))
	require.Equal(t, string(archival.SnapshotPending), state)

	require.NoError(t, hn.store.SealSnapshot(context.Background(), snap.ID))
	row = hn.conn.QueryRowContext(context.Background(), `SELECT state FROM snapshots WHERE id = ?`, snap.ID)
	require.NoError(t, row.Scan(&state))
	require.Equal(t, string(archival.SnapshotError), state)
}

func sealedSnapshot(t *testing.T, hn *harness, metadataID int64, blockID int64, cid string, length int64) *archival.Snapshot {
	t.Helper()
	insertBlock(t, hn.conn, blockID, cid, length)
	insertLocation(t, hn.conn, blockID, metadataID, 300, string(blocks.StateStored))
	snap, err := hn.store.CreateSnapshot(context.Background(), metadataID, []string{cid})
	require.NoError(t, err)
	require.NoError(t, hn.store.SealSnapshot(context.Background(), snap.ID))
	return snap
}

func TestAddSegmentToDealAccumulatesBytes(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	hn := setup(t, now)

	snap1 := sealedSnapshot(t, hn, 900, 1, "ucid1", 1024)
	snap2 := sealedSnapshot(t, hn, 901, 2, "ucid2", 2048)

	deal, err := hn.store.OpenDeal(context.Background(), 300)
	require.NoError(t, err)

	require.NoError(t, hn.store.AddSegmentToDeal(context.Background(), deal.ID, snap1.ID))
	require.NoError(t, hn.store.AddSegmentToDeal(context.Background(), deal.ID, snap2.ID))

	row := hn.conn.QueryRowContext(context.Background(), `SELECT total_bytes FROM deals WHERE id = ?`, deal.ID)
	var total int64
	require.NoError(t, row.Scan(&total))
	require.Equal(t, int64(1024+2048), total)
}

func TestAddSegmentToDealRejectsPastCeiling(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	hn := setup(t, now)

	snap := sealedSnapshot(t, hn, 900, 1, "ucid1", archival.DealByteCeiling)

	deal, err := hn.store.OpenDeal(context.Background(), 300)
	require.NoError(t, err)
	// first segment exactly fills the ceiling.
	require.NoError(t, hn.store.AddSegmentToDeal(context.Background(), deal.ID, snap.ID))

	snap2 := sealedSnapshot(t, hn, 901, 2, "ucid2", 1)
	err = hn.store.AddSegmentToDeal(context.Background(), deal.ID, snap2.ID)
	require.Error(t, err)
}

func TestDealLifecycleStrictOrdering(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	hn := setup(t, now)

	deal, err := hn.store.OpenDeal(context.Background(), 300)
	require.NoError(t, err)

	// can't seal or finalize before accepting.
	require.Error(t, hn.store.SealDeal(context.Background(), deal.ID))
	require.Error(t, hn.store.FinalizeDeal(context.Background(), deal.ID))

	require.NoError(t, hn.store.AcceptDeal(context.Background(), deal.ID))
	require.Error(t, hn.store.AcceptDeal(context.Background(), deal.ID)) // not twice
	require.NoError(t, hn.store.SealDeal(context.Background(), deal.ID))
	require.NoError(t, hn.store.FinalizeDeal(context.Background(), deal.ID))
}

func TestCancelDealValidOnlyFromActiveOrAccepted(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	hn := setup(t, now)

	deal, err := hn.store.OpenDeal(context.Background(), 300)
	require.NoError(t, err)
	require.NoError(t, hn.store.CancelDeal(context.Background(), deal.ID))

	deal2, err := hn.store.OpenDeal(context.Background(), 300)
	require.NoError(t, err)
	require.NoError(t, hn.store.AcceptDeal(context.Background(), deal2.ID))
	require.NoError(t, hn.store.CancelDeal(context.Background(), deal2.ID))

	deal3, err := hn.store.OpenDeal(context.Background(), 300)
	require.NoError(t, err)
	require.NoError(t, hn.store.AcceptDeal(context.Background(), deal3.ID))
	require.NoError(t, hn.store.SealDeal(context.Background(), deal3.ID))
	require.Error(t, hn.store.CancelDeal(context.Background(), deal3.ID))
}

func TestSealReadyDealsHandlerAcceptsNearCeilingDealsAndEnqueuesFinalize(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	hn := setup(t, now)

	snap := sealedSnapshot(t, hn, 900, 1, "ucid1", int64(float64(archival.DealByteCeiling)*0.95))
	deal, err := hn.store.OpenDeal(context.Background(), 300)
	require.NoError(t, err)
	require.NoError(t, hn.store.AddSegmentToDeal(context.Background(), deal.ID, snap.ID))

	handler := hn.store.SealReadyDealsHandler(hn.tasks)
	require.NoError(t, handler(context.Background(), &taskq.Task{}))

	row := hn.conn.QueryRowContext(context.Background(), `SELECT state FROM deals WHERE id = ?`, deal.ID)
	var state string
	require.NoError(t, row.Scan(&state))
	require.Equal(t, string(archival.DealAccepted), state)

	task, err := hn.tasks.Next(context.Background(), "archival", []string{"FinalizeDeal"})
	require.NoError(t, err)
	require.NotNil(t, task)
}
