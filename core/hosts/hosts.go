// Package hosts implements the Storage Host model and the Host
// Capacity Monitor (spec.md §3, §4.6.3, §4.9): host selection for new
// uploads and redistribution targets, and periodic recomputation of
// each host's used/reserved storage counters.
package hosts

import (
	"context"
	"database/sql"
	"math/rand"
	"time"

	"github.com/zeebo/errs"

	"github.com/arcaio/core/core/db"
	"github.com/arcaio/core/internal/clock"
)

// Err is the class for Storage Host failures.
var Err = errs.Class("hosts")

// ErrNoAvailableStorage is returned when no host satisfies the
// selection policy (spec.md §4.6.3's NoAvailableStorage).
var ErrNoAvailableStorage = Err.New("no available storage")

// SilentAfter is how long a host may go without a heartbeat before
// host selection excludes it (SPEC_FULL.md §3's last_seen_at elaboration).
const SilentAfter = 10 * time.Minute

// PricingModel is a flat, unwired bytes/month figure persisted per
// host (SPEC_FULL.md §3) — not consulted by any billing system, since
// billing is out of scope.
type PricingModel struct {
	BytesPerMonthCost int64
}

// Host is a durable storage peer.
type Host struct {
	ID               int64
	Name             string
	URL              string
	KeyFingerprint   string
	Region           string
	AvailableStorage int64 // total advertised capacity
	UsedStorage      int64 // sum of finalized block bytes stored here
	ReservedStorage  int64 // sum of authorized-but-unredeemed grants
	Pricing          PricingModel
	LastSeenAt       time.Time
}

// Store is the Storage Host model plus Host Capacity Monitor.
type Store struct {
	conn  *db.Conn
	clock clock.Clock
}

// NewStore builds a Store.
func NewStore(conn *db.Conn, c clock.Clock) *Store {
	if c == nil {
		c = clock.Wall{}
	}
	return &Store{conn: conn, clock: c}
}

// SelectHost implements spec.md §4.6.3: any host whose
// (available_storage - used_storage) exceeds expectedDataSize, seen
// within SilentAfter, excluding excludeHostID if non-nil, with a
// random tie-break among qualifying candidates. Returns
// ErrNoAvailableStorage if none qualify.
func (s *Store) SelectHost(ctx context.Context, expectedDataSize int64, excludeHostID *int64) (*Host, error) {
	cutoff := s.clock.Now().Add(-SilentAfter)

	query := `
		SELECT id, name, url, key_fingerprint, region, available_storage,
		       used_storage, reserved_storage, pricing_bytes_per_month, last_seen_at
		FROM storage_hosts
		WHERE last_seen_at >= ? AND (available_storage - used_storage) > ?`
	args := []interface{}{cutoff, expectedDataSize}
	if excludeHostID != nil {
		query += ` AND id != ?`
		args = append(args, *excludeHostID)
	}

	rows, err := s.conn.QueryContext(ctx, db.Rebind(s.conn.Driver(), query), args...)
	if err != nil {
		return nil, Err.Wrap(err)
	}
	defer rows.Close()

	var candidates []Host
	for rows.Next() {
		var h Host
		if err := rows.Scan(&h.ID, &h.Name, &h.URL, &h.KeyFingerprint, &h.Region,
			&h.AvailableStorage, &h.UsedStorage, &h.ReservedStorage,
			&h.Pricing.BytesPerMonthCost, &h.LastSeenAt); err != nil {
			return nil, Err.Wrap(err)
		}
		candidates = append(candidates, h)
	}
	if err := rows.Err(); err != nil {
		return nil, Err.Wrap(err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoAvailableStorage
	}

	chosen := candidates[rand.Intn(len(candidates))]
	return &chosen, nil
}

// ListHostIDs returns every registered storage host's ID, for the
// periodic tasks (Host Capacity Monitor, redistribution scan) that
// must visit every host rather than one named in a request.
func (s *Store) ListHostIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id FROM storage_hosts`)
	if err != nil {
		return nil, Err.Wrap(err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, Err.Wrap(err)
		}
		ids = append(ids, id)
	}
	return ids, Err.Wrap(rows.Err())
}

// Touch records a liveness heartbeat for hostID.
func (s *Store) Touch(ctx context.Context, hostID int64) error {
	_, err := s.conn.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
		UPDATE storage_hosts SET last_seen_at = ? WHERE id = ?`),
		s.clock.Now(), hostID)
	return Err.Wrap(err)
}

// RecomputeCapacity is the Host Capacity Monitor's single-task
// recomputation (spec.md §4.9): used_storage is the sum of data_size
// over metadata bound to redeemed grants at this host; reserved_storage
// is the sum, per user, of that user's most-recently-redeemed grant's
// authorized amount, for users whose most recent redemption at this
// host.
func (s *Store) RecomputeCapacity(ctx context.Context, hostID int64) error {
	return s.conn.WithTx(ctx, func(ctx context.Context, tx db.DB) error {
		var used sql.NullInt64
		row := tx.QueryRowContext(ctx, db.Rebind(s.conn.Driver(), `
			SELECT SUM(m.data_size)
			FROM metadata_versions m
			JOIN drives d ON d.id = m.drive_id
			WHERE m.storage_host_id = ? AND m.state IN ('current', 'outdated')
			AND EXISTS (
				SELECT 1 FROM grants g
				WHERE g.host_id = ? AND g.user_id = d.user_id AND g.redeemed_at IS NOT NULL
			)`),
			hostID, hostID)
		if err := row.Scan(&used); err != nil {
			return Err.Wrap(err)
		}

		reservedAmount, err := s.reservedStorage(ctx, tx, hostID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
			UPDATE storage_hosts SET used_storage = ?, reserved_storage = ? WHERE id = ?`),
			used.Int64, reservedAmount, hostID)
		return Err.Wrap(err)
	})
}

// reservedStorage computes, per user, whether that user's most
// recently redeemed grant (across all hosts) was redeemed at hostID,
// and if so sums that grant's amount. This is done with a plain
// ordered query plus in-process grouping rather than a single SQL
// statement.
func (s *Store) reservedStorage(ctx context.Context, tx db.DB, hostID int64) (int64, error) {
	rows, err := tx.QueryContext(ctx, db.Rebind(s.conn.Driver(), `
		SELECT user_id, host_id, amount, redeemed_at
		FROM grants
		WHERE redeemed_at IS NOT NULL
		ORDER BY redeemed_at DESC`))
	if err != nil {
		return 0, Err.Wrap(err)
	}
	defer rows.Close()

	seen := map[int64]bool{}
	var total int64
	for rows.Next() {
		var userID, gHostID, amount int64
		var redeemedAt time.Time
		if err := rows.Scan(&userID, &gHostID, &amount, &redeemedAt); err != nil {
			return 0, Err.Wrap(err)
		}
		if seen[userID] {
			continue // already saw this user's most recent redemption
		}
		seen[userID] = true
		if gHostID == hostID {
			total += amount
		}
	}
	return total, Err.Wrap(rows.Err())
}
