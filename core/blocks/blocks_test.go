package blocks_test

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcaio/core/core/blocks"
	"github.com/arcaio/core/core/db"
	"github.com/arcaio/core/internal/clock"
)

func setup(t *testing.T) *db.Conn {
	t.Helper()
	conn, err := db.Open("sqlite3://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.ExecContext(context.Background(), `
		CREATE TABLE blocks (id INTEGER PRIMARY KEY AUTOINCREMENT, cid TEXT UNIQUE, length INTEGER)`)
	require.NoError(t, err)
	_, err = conn.ExecContext(context.Background(), `
		CREATE TABLE metadata_versions (id INTEGER PRIMARY KEY AUTOINCREMENT, drive_id INTEGER)`)
	require.NoError(t, err)
	_, err = conn.ExecContext(context.Background(), `
		CREATE TABLE block_locations (
			block_id INTEGER, metadata_id INTEGER, storage_host_id INTEGER,
			state TEXT, expired_at TIMESTAMP)`)
	require.NoError(t, err)
	return conn
}

func quickCID(t *testing.T, seed byte) string {
	t.Helper()
	raw := make([]byte, 36)
	for i := range raw {
		raw[i] = seed + byte(i)
	}
	return "u" + base64.RawURLEncoding.EncodeToString(raw)
}

type fakeEnqueuer struct {
	calls map[int64][]int64
}

func newFakeEnqueuer() *fakeEnqueuer { return &fakeEnqueuer{calls: map[int64][]int64{}} }

func (f *fakeEnqueuer) EnqueuePrune(ctx context.Context, tx db.DB, storageHostID int64, blockIDs []int64) error {
	f.calls[storageHostID] = append(f.calls[storageHostID], blockIDs...)
	return nil
}

func TestInsertOrIgnoreBlockIsIdempotent(t *testing.T) {
	conn := setup(t)
	store := blocks.NewStore(conn, clock.Wall{})
	ctx := context.Background()
	c := quickCID(t, 1)

	id1, err := store.InsertOrIgnoreBlock(ctx, c, 100)
	require.NoError(t, err)

	id2, err := store.InsertOrIgnoreBlock(ctx, c, 100)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	var count int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestExpireBlocksScopesByDriveAndEnqueuesPrune(t *testing.T) {
	conn := setup(t)
	fixed := clock.Fixed(time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC))
	store := blocks.NewStore(conn, fixed)
	ctx := context.Background()

	c := quickCID(t, 2)
	blockID, err := store.InsertOrIgnoreBlock(ctx, c, 50)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, `INSERT INTO metadata_versions (id, drive_id) VALUES (1, 10), (2, 10), (3, 20)`)
	require.NoError(t, err)

	require.NoError(t, store.Associate(ctx, blockID, 1, 100, blocks.StateStored))
	require.NoError(t, store.Associate(ctx, blockID, 2, 100, blocks.StateStored))
	require.NoError(t, store.Associate(ctx, blockID, 3, 200, blocks.StateStored))

	enq := newFakeEnqueuer()
	rowsExpired, rowsPruneable, err := store.ExpireBlocks(ctx, 10, []string{c}, enq)
	require.NoError(t, err)
	require.Equal(t, 2, rowsExpired, "both drive 10 metadata versions' locations at host 100 are expired individually")
	require.Equal(t, 1, rowsPruneable, "host 100 now has no non-expired location for this block at all")
	require.Equal(t, []int64{blockID}, enq.calls[100])

	var remaining int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM block_locations WHERE metadata_id = 3 AND expired_at IS NULL`).Scan(&remaining))
	require.Equal(t, 1, remaining, "drive 20's reference must be untouched since ExpireBlocks was scoped to drive 10")
}

func TestExpireBlocksReportsPruneableWhenLastLocationGoes(t *testing.T) {
	conn := setup(t)
	store := blocks.NewStore(conn, clock.Wall{})
	ctx := context.Background()

	c := quickCID(t, 3)
	blockID, err := store.InsertOrIgnoreBlock(ctx, c, 50)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, `INSERT INTO metadata_versions (id, drive_id) VALUES (1, 10)`)
	require.NoError(t, err)
	require.NoError(t, store.Associate(ctx, blockID, 1, 100, blocks.StateStored))

	enq := newFakeEnqueuer()
	rowsExpired, rowsPruneable, err := store.ExpireBlocks(ctx, 10, []string{c}, enq)
	require.NoError(t, err)
	require.Equal(t, 1, rowsExpired)
	require.Equal(t, 1, rowsPruneable)
	require.Equal(t, []int64{blockID}, enq.calls[100])
}

func TestBlocksRequiringSyncAndUpdateState(t *testing.T) {
	conn := setup(t)
	store := blocks.NewStore(conn, clock.Wall{})
	ctx := context.Background()

	c := quickCID(t, 4)
	blockID, err := store.InsertOrIgnoreBlock(ctx, c, 77)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, `INSERT INTO metadata_versions (id, drive_id) VALUES (1, 10)`)
	require.NoError(t, err)
	require.NoError(t, store.Associate(ctx, blockID, 1, 500, blocks.StateSyncRequired))

	pending, err := store.BlocksRequiringSync(ctx, 500)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, blockID, pending[0].ID)

	require.NoError(t, store.UpdateState(ctx, []int64{blockID}, 500, blocks.StateStaged))

	pending, err = store.BlocksRequiringSync(ctx, 500)
	require.NoError(t, err)
	require.Len(t, pending, 0)
}
