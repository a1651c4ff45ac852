package grants_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arcaio/core/core/db"
	"github.com/arcaio/core/core/grants"
	"github.com/arcaio/core/internal/clock"
	"github.com/arcaio/core/pkg/auth"
)

func setup(t *testing.T) (*db.Conn, *grants.Store) {
	t.Helper()
	conn, err := db.Open("sqlite3://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ctx := context.Background()
	_, err = conn.ExecContext(ctx, `
		CREATE TABLE grants (
			grant_id TEXT PRIMARY KEY, user_id INTEGER, host_id INTEGER,
			amount INTEGER, redeemed_at TIMESTAMP, superseded_at TIMESTAMP,
			created_at TIMESTAMP)`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `CREATE TABLE drives (id INTEGER PRIMARY KEY, user_id INTEGER)`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `
		CREATE TABLE metadata_versions (
			id INTEGER PRIMARY KEY, drive_id INTEGER, storage_host_id INTEGER,
			data_size INTEGER, state TEXT)`)
	require.NoError(t, err)

	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	signer, err := auth.NewSigner(priv, clock.Wall{})
	require.NoError(t, err)

	return conn, grants.NewStore(conn, signer, clock.Wall{})
}

func TestExistingAuthorizationWithNoRedemptionsIsZero(t *testing.T) {
	_, store := setup(t)
	amount, err := store.ExistingAuthorization(context.Background(), 1, 100)
	require.NoError(t, err)
	require.Equal(t, int64(0), amount)
}

func TestGenerateGrantAndRedeemIsIdempotent(t *testing.T) {
	_, store := setup(t)
	host := grants.Host{ID: 100, URL: "https://host-a.example", Name: "host-a"}
	ctx := context.Background()

	grant, token, err := store.GenerateGrant(ctx, 1, "aa:bb:cc", host, 200<<20)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, "issued", grant.State())

	already, err := store.Redeem(ctx, grant.ID, host.ID)
	require.NoError(t, err)
	require.False(t, already)

	already, err = store.Redeem(ctx, grant.ID, host.ID)
	require.NoError(t, err)
	require.True(t, already, "second redemption must signal already-redeemed, not error")

	authorized, err := store.ExistingAuthorization(ctx, 1, host.ID)
	require.NoError(t, err)
	require.Equal(t, int64(200<<20), authorized)
}

func TestGenerateGrantSupersedesPriorUnredeemed(t *testing.T) {
	conn, store := setup(t)
	host := grants.Host{ID: 100, URL: "https://host-a.example", Name: "host-a"}
	ctx := context.Background()

	first, _, err := store.GenerateGrant(ctx, 1, "aa:bb:cc", host, 100<<20)
	require.NoError(t, err)

	_, _, err = store.GenerateGrant(ctx, 1, "aa:bb:cc", host, 200<<20)
	require.NoError(t, err)

	var supersededAt sql.NullTime
	row := conn.QueryRowContext(ctx, `SELECT superseded_at FROM grants WHERE grant_id = ?`, first.ID)
	require.NoError(t, row.Scan(&supersededAt))
	require.True(t, supersededAt.Valid, "first grant must be superseded once a second is issued")
}

func TestAllocationAmountRoundsUpToHundredMiB(t *testing.T) {
	// 50 MiB already stored + 60 MiB expected upload = 110 MiB, rounds to 200 MiB.
	got := grants.AllocationAmount(50<<20, 60<<20)
	require.Equal(t, int64(200<<20), got)

	// Exact multiple stays put.
	got = grants.AllocationAmount(100<<20, 100<<20)
	require.Equal(t, int64(200<<20), got)
}

func TestEnsureCapacitySkipsWhenAuthorizationSuffices(t *testing.T) {
	_, store := setup(t)
	host := grants.Host{ID: 100, URL: "https://host-a.example", Name: "host-a"}
	ctx := context.Background()

	grant, _, err := store.GenerateGrant(ctx, 1, "aa:bb:cc", host, 500<<20)
	require.NoError(t, err)
	_, err = store.Redeem(ctx, grant.ID, host.ID)
	require.NoError(t, err)

	reused, token, err := store.EnsureCapacity(ctx, 1, "aa:bb:cc", host, 10<<20)
	require.NoError(t, err)
	require.Nil(t, reused)
	require.Empty(t, token)
}

func TestEnsureCapacityIssuesWhenAuthorizationInsufficient(t *testing.T) {
	_, store := setup(t)
	host := grants.Host{ID: 100, URL: "https://host-a.example", Name: "host-a"}
	ctx := context.Background()

	grant, _, err := store.EnsureCapacity(ctx, 1, "aa:bb:cc", host, 150<<20)
	require.NoError(t, err)
	require.NotNil(t, grant)
	require.Equal(t, int64(200<<20), grant.Amount)
}
