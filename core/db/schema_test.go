package db_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arcaio/core/core/db"
)

func TestSchemaCreatesEveryProductionTable(t *testing.T) {
	conn, err := db.Open("sqlite3://:memory:")
	require.NoError(t, err)
	defer conn.Close()

	log := zaptest.NewLogger(t)
	require.NoError(t, db.Schema(conn).Run(context.Background(), log))

	for _, table := range []string{
		"users", "user_keys", "drives", "metadata_versions",
		"blocks", "block_locations", "storage_hosts", "grants",
		"tasks", "snapshots", "deals", "deal_segments",
	} {
		var count int
		err := conn.QueryRowContext(context.Background(),
			`SELECT COUNT(*) FROM `+table).Scan(&count)
		require.NoErrorf(t, err, "table %q missing from schema", table)
		require.Zero(t, count)
	}
}

func TestSchemaIsIdempotent(t *testing.T) {
	conn, err := db.Open("sqlite3://:memory:")
	require.NoError(t, err)
	defer conn.Close()

	log := zaptest.NewLogger(t)
	require.NoError(t, db.Schema(conn).Run(context.Background(), log))
	require.NoError(t, db.Schema(conn).Run(context.Background(), log))
}
