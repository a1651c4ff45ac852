// Package archival implements Snapshot & Deal Archival (spec.md §4.10
// [EXPANSION]): grouping a metadata version's blocks into an immutable
// snapshot once they're durably stored, then batching completed
// snapshots into size-bounded deals for cold-storage sealing.
package archival

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"github.com/arcaio/core/core/blocks"
	"github.com/arcaio/core/core/db"
	"github.com/arcaio/core/core/hosts"
	"github.com/arcaio/core/core/taskq"
	"github.com/arcaio/core/internal/clock"
)

// Err is the class for Snapshot & Deal Archival failures.
var Err = errs.Class("archival")

// DealByteCeiling is the 32 GiB cap a deal's segments may never
// exceed (spec.md §3).
const DealByteCeiling int64 = 32 << 30

// MaxSealAttempts bounds how many redistribution cycles a pending
// snapshot waits for its blocks to land at the archival host before
// giving up — matching the task queue's default maximum_attempts.
const MaxSealAttempts = 5

// SnapshotState is a snapshot's position in {pending, completed, error}.
type SnapshotState string

const (
	SnapshotPending   SnapshotState = "pending"
	SnapshotCompleted SnapshotState = "completed"
	SnapshotError     SnapshotState = "error"
)

// DealState is a deal's position in its strictly-ordered lifecycle.
type DealState string

const (
	DealActive    DealState = "active"
	DealAccepted  DealState = "accepted"
	DealSealed    DealState = "sealed"
	DealFinalized DealState = "finalized"
	DealCancelled DealState = "cancelled"
)

// Snapshot is an immutable subset of a metadata version's blocks
// destined for long-term archival.
type Snapshot struct {
	ID           string
	MetadataID   int64
	ArchivalHost int64
	CIDs         []string
	State        SnapshotState
	SealAttempts int
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// Deal is an archival agreement grouping snapshot segments up to
// DealByteCeiling.
type Deal struct {
	ID         string
	HostID     int64
	State      DealState
	TotalBytes int64
	CreatedAt  time.Time
}

// Store is the Snapshot & Deal Archival component.
type Store struct {
	conn   *db.Conn
	blocks *blocks.Store
	hosts  *hosts.Store
	clock  clock.Clock
}

// NewStore builds a Store.
func NewStore(conn *db.Conn, b *blocks.Store, h *hosts.Store, c clock.Clock) *Store {
	if c == nil {
		c = clock.Wall{}
	}
	return &Store{conn: conn, blocks: b, hosts: h, clock: c}
}

// CreateSnapshot records an immutable pending snapshot referencing
// cids, a subset of metadataID's blocks, and picks the archival host
// those blocks must land at before the snapshot can seal.
func (s *Store) CreateSnapshot(ctx context.Context, metadataID int64, cids []string) (*Snapshot, error) {
	if len(cids) == 0 {
		return nil, Err.New("a snapshot requires at least one block CID")
	}

	totalSize, err := s.cidsTotalSize(ctx, cids)
	if err != nil {
		return nil, err
	}

	host, err := s.hosts.SelectHost(ctx, totalSize, nil)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		ID:           uuid.NewString(),
		MetadataID:   metadataID,
		ArchivalHost: host.ID,
		CIDs:         cids,
		State:        SnapshotPending,
		CreatedAt:    s.clock.Now(),
	}

	cidJSON, err := json.Marshal(cids)
	if err != nil {
		return nil, Err.Wrap(err)
	}

	_, err = s.conn.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
		INSERT INTO snapshots (id, metadata_id, archival_host_id, cids, state,
			seal_attempts, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, NULL)`),
		snap.ID, snap.MetadataID, snap.ArchivalHost, string(cidJSON), string(SnapshotPending), snap.CreatedAt)
	if err != nil {
		return nil, Err.Wrap(err)
	}
	return snap, nil
}

func (s *Store) cidsTotalSize(ctx context.Context, cids []string) (int64, error) {
	var total int64
	for _, c := range cids {
		var length int64
		row := s.conn.QueryRowContext(ctx, db.Rebind(s.conn.Driver(), `
			SELECT length FROM blocks WHERE cid = ?`), c)
		if err := row.Scan(&length); err != nil {
			return 0, Err.Wrap(err)
		}
		total += length
	}
	return total, nil
}

// SealSnapshot transitions a pending snapshot to completed once every
// referenced block reports stored at its archival host, or to error
// once MaxSealAttempts checks have passed without that happening
// (spec.md §4.10).
func (s *Store) SealSnapshot(ctx context.Context, snapshotID string) error {
	snap, err := s.getSnapshot(ctx, snapshotID)
	if err != nil {
		return err
	}
	if snap.State != SnapshotPending {
		return Err.New("snapshot %s is not pending", snapshotID)
	}

	allStored, err := s.allBlocksStored(ctx, snap)
	if err != nil {
		return err
	}
	if allStored {
		now := s.clock.Now()
		_, err := s.conn.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
			UPDATE snapshots SET state = ?, completed_at = ? WHERE id = ?`),
			string(SnapshotCompleted), now, snapshotID)
		return Err.Wrap(err)
	}

	attempts := snap.SealAttempts + 1
	if attempts >= MaxSealAttempts {
		_, err := s.conn.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
			UPDATE snapshots SET state = ?, seal_attempts = ? WHERE id = ?`),
			string(SnapshotError), attempts, snapshotID)
		return Err.Wrap(err)
	}

	_, err = s.conn.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
		UPDATE snapshots SET seal_attempts = ? WHERE id = ?`), attempts, snapshotID)
	return Err.Wrap(err)
}

func (s *Store) allBlocksStored(ctx context.Context, snap *Snapshot) (bool, error) {
	for _, c := range snap.CIDs {
		var state string
		row := s.conn.QueryRowContext(ctx, db.Rebind(s.conn.Driver(), `
			SELECT bl.state FROM block_locations bl
			JOIN blocks b ON b.id = bl.block_id
			WHERE b.cid = ? AND bl.storage_host_id = ?`), c, snap.ArchivalHost)
		if err := row.Scan(&state); err != nil {
			if errIsNoRows(err) {
				return false, nil
			}
			return false, Err.Wrap(err)
		}
		if state != string(blocks.StateStored) {
			return false, nil
		}
	}
	return true, nil
}

func errIsNoRows(err error) bool {
	return err == sql.ErrNoRows
}

func (s *Store) getSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	row := s.conn.QueryRowContext(ctx, db.Rebind(s.conn.Driver(), `
		SELECT id, metadata_id, archival_host_id, cids, state, seal_attempts, created_at, completed_at
		FROM snapshots WHERE id = ?`), id)

	var snap Snapshot
	var cidJSON, state string
	var completedAt sql.NullTime
	if err := row.Scan(&snap.ID, &snap.MetadataID, &snap.ArchivalHost, &cidJSON,
		&state, &snap.SealAttempts, &snap.CreatedAt, &completedAt); err != nil {
		return nil, Err.Wrap(err)
	}
	snap.State = SnapshotState(state)
	if err := json.Unmarshal([]byte(cidJSON), &snap.CIDs); err != nil {
		return nil, Err.Wrap(err)
	}
	if completedAt.Valid {
		v := completedAt.Time
		snap.CompletedAt = &v
	}
	return &snap, nil
}

// OpenDeal creates a new active deal at hostID with zero bytes.
func (s *Store) OpenDeal(ctx context.Context, hostID int64) (*Deal, error) {
	deal := &Deal{
		ID:        uuid.NewString(),
		HostID:    hostID,
		State:     DealActive,
		CreatedAt: s.clock.Now(),
	}
	_, err := s.conn.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
		INSERT INTO deals (id, host_id, state, total_bytes, created_at)
		VALUES (?, ?, ?, 0, ?)`),
		deal.ID, deal.HostID, string(DealActive), deal.CreatedAt)
	if err != nil {
		return nil, Err.Wrap(err)
	}
	return deal, nil
}

// AddSegmentToDeal batches a completed snapshot into an active deal,
// rejecting the addition if it would push the deal past DealByteCeiling.
func (s *Store) AddSegmentToDeal(ctx context.Context, dealID, snapshotID string) error {
	return s.conn.WithTx(ctx, func(ctx context.Context, tx db.DB) error {
		deal, err := s.getDealTx(ctx, tx, dealID)
		if err != nil {
			return err
		}
		if deal.State != DealActive {
			return Err.New("deal %s is not active", dealID)
		}

		snap, err := s.getSnapshotTx(ctx, tx, snapshotID)
		if err != nil {
			return err
		}
		if snap.State != SnapshotCompleted {
			return Err.New("snapshot %s is not completed", snapshotID)
		}

		segBytes, err := s.snapshotBytesTx(ctx, tx, snap)
		if err != nil {
			return err
		}
		if deal.TotalBytes+segBytes > DealByteCeiling {
			return Err.New("deal %s would exceed the %d byte ceiling", dealID, DealByteCeiling)
		}

		if _, err := tx.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
			INSERT INTO deal_segments (deal_id, snapshot_id, bytes) VALUES (?, ?, ?)`),
			dealID, snapshotID, segBytes); err != nil {
			return Err.Wrap(err)
		}
		_, err = tx.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
			UPDATE deals SET total_bytes = total_bytes + ? WHERE id = ?`), segBytes, dealID)
		return Err.Wrap(err)
	})
}

func (s *Store) snapshotBytesTx(ctx context.Context, tx db.DB, snap *Snapshot) (int64, error) {
	var total int64
	for _, c := range snap.CIDs {
		var length int64
		row := tx.QueryRowContext(ctx, db.Rebind(s.conn.Driver(), `SELECT length FROM blocks WHERE cid = ?`), c)
		if err := row.Scan(&length); err != nil {
			return 0, Err.Wrap(err)
		}
		total += length
	}
	return total, nil
}

func (s *Store) getDealTx(ctx context.Context, tx db.DB, id string) (*Deal, error) {
	row := tx.QueryRowContext(ctx, db.Rebind(s.conn.Driver(), `
		SELECT id, host_id, state, total_bytes, created_at FROM deals WHERE id = ?`), id)
	var deal Deal
	var state string
	if err := row.Scan(&deal.ID, &deal.HostID, &state, &deal.TotalBytes, &deal.CreatedAt); err != nil {
		return nil, Err.Wrap(err)
	}
	deal.State = DealState(state)
	return &deal, nil
}

func (s *Store) getSnapshotTx(ctx context.Context, tx db.DB, id string) (*Snapshot, error) {
	row := tx.QueryRowContext(ctx, db.Rebind(s.conn.Driver(), `
		SELECT id, metadata_id, archival_host_id, cids, state, seal_attempts, created_at, completed_at
		FROM snapshots WHERE id = ?`), id)
	var snap Snapshot
	var cidJSON, state string
	var completedAt sql.NullTime
	if err := row.Scan(&snap.ID, &snap.MetadataID, &snap.ArchivalHost, &cidJSON,
		&state, &snap.SealAttempts, &snap.CreatedAt, &completedAt); err != nil {
		return nil, Err.Wrap(err)
	}
	snap.State = SnapshotState(state)
	if err := json.Unmarshal([]byte(cidJSON), &snap.CIDs); err != nil {
		return nil, Err.Wrap(err)
	}
	if completedAt.Valid {
		v := completedAt.Time
		snap.CompletedAt = &v
	}
	return &snap, nil
}

// transition applies one legal deal state move, rejecting anything
// that would skip a step in active -> accepted -> sealed -> finalized,
// or cancel outside active/accepted.
func (s *Store) transition(ctx context.Context, dealID string, from, to DealState) error {
	res, err := s.conn.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
		UPDATE deals SET state = ? WHERE id = ? AND state = ?`),
		string(to), dealID, string(from))
	if err != nil {
		return Err.Wrap(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Err.Wrap(err)
	}
	if affected == 0 {
		return Err.New("deal %s cannot move %s -> %s", dealID, from, to)
	}
	return nil
}

// AcceptDeal moves a deal active -> accepted.
func (s *Store) AcceptDeal(ctx context.Context, dealID string) error {
	return s.transition(ctx, dealID, DealActive, DealAccepted)
}

// SealDeal moves a deal accepted -> sealed.
func (s *Store) SealDeal(ctx context.Context, dealID string) error {
	return s.transition(ctx, dealID, DealAccepted, DealSealed)
}

// FinalizeDeal moves a deal sealed -> finalized.
func (s *Store) FinalizeDeal(ctx context.Context, dealID string) error {
	return s.transition(ctx, dealID, DealSealed, DealFinalized)
}

// CancelDeal moves a deal to cancelled, valid only from active or
// accepted (spec.md §4.10).
func (s *Store) CancelDeal(ctx context.Context, dealID string) error {
	if err := s.transition(ctx, dealID, DealActive, DealCancelled); err == nil {
		return nil
	}
	return s.transition(ctx, dealID, DealAccepted, DealCancelled)
}

// DealsNearCeiling lists active deals whose total_bytes is at or above
// minBytes, the worklist for SealReadyDeals.
func (s *Store) DealsNearCeiling(ctx context.Context, minBytes int64) ([]Deal, error) {
	rows, err := s.conn.QueryContext(ctx, db.Rebind(s.conn.Driver(), `
		SELECT id, host_id, state, total_bytes, created_at FROM deals
		WHERE state = ? AND total_bytes >= ?`), string(DealActive), minBytes)
	if err != nil {
		return nil, Err.Wrap(err)
	}
	defer rows.Close()

	var out []Deal
	for rows.Next() {
		var d Deal
		var state string
		if err := rows.Scan(&d.ID, &d.HostID, &state, &d.TotalBytes, &d.CreatedAt); err != nil {
			return nil, Err.Wrap(err)
		}
		d.State = DealState(state)
		out = append(out, d)
	}
	return out, Err.Wrap(rows.Err())
}

// ListActiveDeals returns every deal not yet finalized or cancelled,
// for the administrative visibility surface (SPEC_FULL.md §6's
// GET /api/v1/deals — no client SLA, core-only).
func (s *Store) ListActiveDeals(ctx context.Context) ([]Deal, error) {
	rows, err := s.conn.QueryContext(ctx, db.Rebind(s.conn.Driver(), `
		SELECT id, host_id, state, total_bytes, created_at FROM deals
		WHERE state NOT IN (?, ?)`), string(DealFinalized), string(DealCancelled))
	if err != nil {
		return nil, Err.Wrap(err)
	}
	defer rows.Close()

	var out []Deal
	for rows.Next() {
		var d Deal
		var state string
		if err := rows.Scan(&d.ID, &d.HostID, &state, &d.TotalBytes, &d.CreatedAt); err != nil {
			return nil, Err.Wrap(err)
		}
		d.State = DealState(state)
		out = append(out, d)
	}
	return out, Err.Wrap(rows.Err())
}

// SealReadySchedule is the once-daily schedule for the SealReadyDeals
// recurring task (spec.md §4.10, reusing core/taskq's recurring
// machinery from §4.8 rather than a second scheduler).
type SealReadySchedule struct{}

// NextRunAt always runs again 24 hours later.
func (SealReadySchedule) NextRunAt(now time.Time) time.Time {
	return now.Add(24 * time.Hour)
}

// NearCeilingFraction is how close to DealByteCeiling an active deal
// must be before SealReadyDeals accepts it.
const NearCeilingFraction = 0.9

// SealReadyDealsHandler scans active deals at or near the byte
// ceiling, transitions each to accepted, and enqueues a per-deal
// FinalizeDeal follow-up task.
func (s *Store) SealReadyDealsHandler(enqueuer *taskq.Store) taskq.HandlerFunc {
	return func(ctx context.Context, task *taskq.Task) error {
		threshold := int64(float64(DealByteCeiling) * NearCeilingFraction)
		deals, err := s.DealsNearCeiling(ctx, threshold)
		if err != nil {
			return err
		}
		for _, d := range deals {
			if err := s.AcceptDeal(ctx, d.ID); err != nil {
				return err
			}
			if _, err := enqueuer.Enqueue(ctx, taskq.EnqueueParams{
				TaskName:        "FinalizeDeal",
				QueueName:       "archival",
				UniqueKey:       strPtr("finalize-" + d.ID),
				MaximumAttempts: MaxSealAttempts,
				Payload:         map[string]string{"deal_id": d.ID},
			}); err != nil {
				return err
			}
		}
		return nil
	}
}

func strPtr(s string) *string { return &s }
