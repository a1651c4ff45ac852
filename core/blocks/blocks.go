// Package blocks implements the Block & Location Store (spec.md §4.3):
// the canonical mapping from a content-addressed block CID to the set
// of storage hosts holding a copy, and the lifecycle of each copy.
package blocks

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"github.com/arcaio/core/core/cid"
	"github.com/arcaio/core/core/db"
	"github.com/arcaio/core/internal/clock"
)

// Err is the class for Block & Location Store failures.
var Err = errs.Class("blocks")

// State is a block_locations row's position in its sync lifecycle.
type State string

const (
	StateSyncRequired State = "sync-required"
	StateStaged       State = "staged"
	StateStored       State = "stored"
)

// Block is a content-addressed payload, deduplicated across the
// platform: one row per distinct normalized CID.
type Block struct {
	ID     int64
	CID    string
	Length int64
}

// Location is a (block, storage-host, metadata-version) junction row.
type Location struct {
	BlockID       int64
	MetadataID    int64
	StorageHostID int64
	State         State
	ExpiredAt     *time.Time
}

// PruneEnqueuer lets the store hand off newly-pruneable blocks to the
// task queue within the same transaction that expired them, so the
// new location state and its follow-up work commit atomically. The
// task queue implements this against the same tx it's handed.
type PruneEnqueuer interface {
	EnqueuePrune(ctx context.Context, tx db.DB, storageHostID int64, blockIDs []int64) error
}

// Store is the Block & Location Store, backed by the relational store.
type Store struct {
	conn  *db.Conn
	clock clock.Clock
}

// NewStore builds a Store atop an open connection.
func NewStore(conn *db.Conn, c clock.Clock) *Store {
	return &Store{conn: conn, clock: c}
}

// InsertOrIgnoreBlock records a block by its normalized CID, merging
// silently into the existing row if the CID is already known.
func (s *Store) InsertOrIgnoreBlock(ctx context.Context, rawCID string, length int64) (int64, error) {
	normalized, err := cid.Normalize(rawCID)
	if err != nil {
		return 0, Err.Wrap(err)
	}

	var stmt string
	switch s.conn.Driver() {
	case "postgres":
		stmt = `INSERT INTO blocks (cid, length) VALUES ($1, $2) ON CONFLICT (cid) DO NOTHING`
	default:
		stmt = `INSERT OR IGNORE INTO blocks (cid, length) VALUES (?, ?)`
	}
	if _, err := s.conn.ExecContext(ctx, stmt, normalized, length); err != nil {
		return 0, Err.Wrap(err)
	}

	var id int64
	row := s.conn.QueryRowContext(ctx, db.Rebind(s.conn.Driver(), `SELECT id FROM blocks WHERE cid = ?`), normalized)
	if err := row.Scan(&id); err != nil {
		return 0, Err.Wrap(err)
	}
	return id, nil
}

// Associate creates a block_locations row at initialState. Called
// once per (block, metadata version, host) the moment a block is first
// written there for that version.
func (s *Store) Associate(ctx context.Context, blockID, metadataID, storageHostID int64, initialState State) error {
	_, err := s.conn.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
		INSERT INTO block_locations (block_id, metadata_id, storage_host_id, state, expired_at)
		VALUES (?, ?, ?, ?, NULL)`),
		blockID, metadataID, storageHostID, string(initialState))
	if err != nil {
		return Err.Wrap(err)
	}
	return nil
}

// ExpireBlocks marks every non-expired block_locations row for the
// given CIDs, scoped to metadata belonging to driveID, as expired.
// Each matching row is addressed by its exact (block, metadata-version,
// storage-host) triple, so a CID shared across multiple metadata
// versions of the same drive has every one of those versions' location
// rows expired individually — and a CID shared with a different
// drive's metadata is never touched, since the JOIN is scoped to
// driveID throughout.
//
// Returns the number of location rows expired and, among the blocks
// touched, the number of (block, storage-host) tuples that as a
// result now have no non-expired location anywhere — those are
// reported to enqueuer, within the same transaction, as newly
// pruneable.
func (s *Store) ExpireBlocks(ctx context.Context, driveID int64, cids []string, enqueuer PruneEnqueuer) (rowsExpired, rowsPruneable int, err error) {
	if len(cids) == 0 {
		return 0, 0, nil
	}

	normalized := make([]string, len(cids))
	for i, c := range cids {
		n, err := cid.Normalize(c)
		if err != nil {
			return 0, 0, Err.Wrap(err)
		}
		normalized[i] = n
	}

	type triple struct{ blockID, metadataID, storageHostID int64 }

	err = s.conn.WithTx(ctx, func(ctx context.Context, tx db.DB) error {
		touchedPairs := map[[2]int64]bool{} // (block_id, storage_host_id)

		for _, n := range normalized {
			rows, queryErr := tx.QueryContext(ctx, db.Rebind(s.conn.Driver(), `
				SELECT bl.block_id, bl.metadata_id, bl.storage_host_id
				FROM block_locations bl
				JOIN blocks b ON b.id = bl.block_id
				JOIN metadata_versions m ON m.id = bl.metadata_id
				WHERE b.cid = ? AND m.drive_id = ? AND bl.expired_at IS NULL`), n, driveID)
			if queryErr != nil {
				return Err.Wrap(queryErr)
			}
			var triples []triple
			for rows.Next() {
				var tr triple
				if scanErr := rows.Scan(&tr.blockID, &tr.metadataID, &tr.storageHostID); scanErr != nil {
					rows.Close()
					return Err.Wrap(scanErr)
				}
				triples = append(triples, tr)
			}
			if closeErr := rows.Close(); closeErr != nil {
				return Err.Wrap(closeErr)
			}

			// Each triple names one exact (block, metadata-version,
			// storage-host) location row; never another version's
			// reference to the same block gets touched.
			for _, tr := range triples {
				_, execErr := tx.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
					UPDATE block_locations SET expired_at = ?
					WHERE block_id = ? AND metadata_id = ? AND storage_host_id = ?
					AND expired_at IS NULL`),
					s.clock.Now(), tr.blockID, tr.metadataID, tr.storageHostID)
				if execErr != nil {
					return Err.Wrap(execErr)
				}
				rowsExpired++
				touchedPairs[[2]int64{tr.blockID, tr.storageHostID}] = true
			}
		}

		byHost := map[int64][]int64{}
		for pair := range touchedPairs {
			blockID, hostID := pair[0], pair[1]
			var remaining int
			row := tx.QueryRowContext(ctx, db.Rebind(s.conn.Driver(), `
				SELECT COUNT(*) FROM block_locations
				WHERE block_id = ? AND storage_host_id = ? AND expired_at IS NULL`), blockID, hostID)
			if scanErr := row.Scan(&remaining); scanErr != nil {
				return Err.Wrap(scanErr)
			}
			if remaining == 0 {
				rowsPruneable++
				byHost[hostID] = append(byHost[hostID], blockID)
			}
		}

		if enqueuer != nil {
			for hostID, blockIDs := range byHost {
				if enqueueErr := enqueuer.EnqueuePrune(ctx, tx, hostID, blockIDs); enqueueErr != nil {
					return enqueueErr
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return rowsExpired, rowsPruneable, nil
}

// BlocksRequiringSync returns blocks at StateSyncRequired at the given
// storage host (the staging service's replication worklist).
func (s *Store) BlocksRequiringSync(ctx context.Context, storageHostID int64) ([]Block, error) {
	rows, err := s.conn.QueryContext(ctx, db.Rebind(s.conn.Driver(), `
		SELECT b.id, b.cid, b.length
		FROM blocks b
		JOIN block_locations bl ON bl.block_id = b.id
		WHERE bl.storage_host_id = ? AND bl.state = ? AND bl.expired_at IS NULL`),
		storageHostID, string(StateSyncRequired))
	if err != nil {
		return nil, Err.Wrap(err)
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.ID, &b.CID, &b.Length); err != nil {
			return nil, Err.Wrap(err)
		}
		out = append(out, b)
	}
	return out, Err.Wrap(rows.Err())
}

// CIDsByIDs resolves a set of block IDs to their normalized CIDs, for
// callers (the prune task handler) that only carry IDs in a task
// payload and need the wire-format CID back to address the object
// store.
func (s *Store) CIDsByIDs(ctx context.Context, blockIDs []int64) ([]string, error) {
	var out []string
	for _, id := range blockIDs {
		var c string
		row := s.conn.QueryRowContext(ctx, db.Rebind(s.conn.Driver(), `
			SELECT cid FROM blocks WHERE id = ?`), id)
		if err := row.Scan(&c); err != nil {
			return nil, Err.Wrap(err)
		}
		out = append(out, c)
	}
	return out, nil
}

// MetadataIDsForHostBlock returns every metadata version blockID was
// ever written under at storageHostID (expired or not), so a prune
// task handler can reconstruct every per-metadata-version object key
// a pruneable block's payload lived at.
func (s *Store) MetadataIDsForHostBlock(ctx context.Context, storageHostID, blockID int64) ([]int64, error) {
	rows, err := s.conn.QueryContext(ctx, db.Rebind(s.conn.Driver(), `
		SELECT metadata_id FROM block_locations
		WHERE storage_host_id = ? AND block_id = ?`), storageHostID, blockID)
	if err != nil {
		return nil, Err.Wrap(err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, Err.Wrap(err)
		}
		out = append(out, id)
	}
	return out, Err.Wrap(rows.Err())
}

// UpdateState transitions the given blocks' locations at storageHostID
// to newState.
func (s *Store) UpdateState(ctx context.Context, blockIDs []int64, storageHostID int64, newState State) error {
	for _, id := range blockIDs {
		_, err := s.conn.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
			UPDATE block_locations SET state = ?
			WHERE block_id = ? AND storage_host_id = ?`),
			string(newState), id, storageHostID)
		if err != nil {
			return Err.Wrap(err)
		}
	}
	return nil
}
