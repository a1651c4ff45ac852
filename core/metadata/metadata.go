// Package metadata implements the Metadata Version Engine (spec.md
// §4.5): the state machine governing a drive's filesystem snapshots,
// from upload start through to being superseded or deleted, plus the
// per-user hot-storage quota it enforces along the way.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"github.com/arcaio/core/core/blocks"
	"github.com/arcaio/core/core/db"
	"github.com/arcaio/core/core/grants"
	"github.com/arcaio/core/core/hosts"
	"github.com/arcaio/core/internal/clock"
)

// Err is the class for Metadata Version Engine failures.
var Err = errs.Class("metadata")

// ErrWriteLocked is returned when a drive has a recent uploading/
// pending version blocking a new push.
var ErrWriteLocked = Err.New("drive is write-locked by a recent in-flight version")

// ErrLimitReached is returned when a push would exceed the per-user
// hot-storage ceiling; the in-flight version is also marked failed.
var ErrLimitReached = Err.New("hot storage limit reached")

// ErrStorageClassLocked guards against changing a drive's storage
// class while it holds any non-deleted metadata version.
var ErrStorageClassLocked = Err.New("drive storage class is locked while non-deleted metadata exists")

// State is a metadata version's position in its lifecycle.
type State string

const (
	StateUploading    State = "uploading"
	StatePending      State = "pending"
	StateCurrent      State = "current"
	StateOutdated     State = "outdated"
	StateDeleted      State = "deleted"
	StateUploadFailed State = "upload_failed"
)

// WriteLockWindow is how long a pending/uploading version blocks new
// writes to the same drive.
const WriteLockWindow = 30 * time.Second

// HotStorageQuota is the default per-user hard ceiling.
const HotStorageQuota int64 = 5 << 40 // 5 TiB

// Version is one row of a drive's metadata history.
type Version struct {
	ID               int64
	DriveID          int64
	RootCID          string
	MetadataCID      string
	ExpectedDataSize int64
	DataSize         int64
	MetadataSize     int64
	MetadataHash     string
	State            State
	StorageHostID    int64
	GrantID          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PushRequest is push_metadata's request body (spec.md §4.6.2).
type PushRequest struct {
	RootCID                 string
	MetadataCID             string
	ExpectedDataSize        int64
	IncludedKeyFingerprints []string
	DeletedBlockCIDs        []string
	// ReplacesID, if set, names the pending version this push retries;
	// a drive's write lock never blocks a push that names its own
	// pending version, only a push from elsewhere.
	ReplacesID *int64
}

// PushResult is what push_metadata returns to the caller.
type PushResult struct {
	MetadataID           int64
	State                State
	StorageHostID        int64
	StorageHostURL       string
	StorageAuthorization string
}

// Engine is the Metadata Version Engine.
type Engine struct {
	conn   *db.Conn
	blocks *blocks.Store
	grants *grants.Store
	hosts  *hosts.Store
	clock  clock.Clock
	pruner blocks.PruneEnqueuer
}

// NewEngine builds an Engine atop its collaborating stores.
func NewEngine(conn *db.Conn, b *blocks.Store, g *grants.Store, h *hosts.Store, c clock.Clock) *Engine {
	if c == nil {
		c = clock.Wall{}
	}
	return &Engine{conn: conn, blocks: b, grants: g, hosts: h, clock: c}
}

// SetPruneEnqueuer wires a task queue's prune-enqueue hook into every
// future ExpireBlocks call this Engine makes (spec.md §4.3's "driver
// enqueues a prune task per storage host"). Left nil, expiration still
// runs but newly-pruneable blocks enqueue nothing — fine for tests
// that only assert on location state, wrong for a running service.
func (e *Engine) SetPruneEnqueuer(p blocks.PruneEnqueuer) {
	e.pruner = p
}

// PushMetadata implements spec.md §4.5's push_metadata contract.
//
// Atomicity note: the metadata row insert, block expiration, and grant
// issuance are each performed in their own short transaction rather
// than one spanning all three stores — composing a single cross-store
// transaction would need every Store method in this module threaded
// through an externally-supplied tx, which none of C3/C4/C9 expose.
// The sequential composition here approximates spec's "same
// transaction as the upload-start" at the boundary of what this
// module's store layering supports; see DESIGN.md.
func (e *Engine) PushMetadata(ctx context.Context, driveID, userID int64, keyFingerprint string, req PushRequest) (*PushResult, error) {
	locked, err := e.writeLocked(ctx, driveID, req.ReplacesID)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, ErrWriteLocked
	}

	now := e.clock.Now()

	if req.ExpectedDataSize == 0 {
		id, err := e.insertVersion(ctx, driveID, req, StateCurrent, 0, now)
		if err != nil {
			return nil, err
		}
		if err := e.promoteCurrent(ctx, driveID, id); err != nil {
			return nil, err
		}
		if len(req.DeletedBlockCIDs) > 0 {
			if _, _, err := e.blocks.ExpireBlocks(ctx, driveID, req.DeletedBlockCIDs, e.pruner); err != nil {
				return nil, err
			}
		}
		return &PushResult{MetadataID: id, State: StateCurrent}, nil
	}

	id, err := e.insertVersion(ctx, driveID, req, StateUploading, 0, now)
	if err != nil {
		return nil, err
	}

	if len(req.DeletedBlockCIDs) > 0 {
		if _, _, err := e.blocks.ExpireBlocks(ctx, driveID, req.DeletedBlockCIDs, e.pruner); err != nil {
			return nil, err
		}
	}

	host, err := e.hosts.SelectHost(ctx, req.ExpectedDataSize, nil)
	if err != nil {
		_ = e.MarkUploadFailed(ctx, id, err.Error())
		return nil, err
	}

	if err := e.setHost(ctx, id, host.ID); err != nil {
		return nil, err
	}

	grantHost := grants.Host{ID: host.ID, URL: host.URL, Name: host.Name}
	grant, token, err := e.grants.EnsureCapacity(ctx, userID, keyFingerprint, grantHost, req.ExpectedDataSize)
	if err != nil {
		_ = e.MarkUploadFailed(ctx, id, err.Error())
		return nil, err
	}

	result := &PushResult{
		MetadataID:     id,
		State:          StateUploading,
		StorageHostID:  host.ID,
		StorageHostURL: host.URL,
	}
	if grant != nil {
		if err := e.setGrant(ctx, id, grant.ID); err != nil {
			return nil, err
		}
		result.StorageAuthorization = token
	}
	return result, nil
}

// writeLocked reports whether driveID has an uploading/pending version
// created within WriteLockWindow that isn't replacesID.
func (e *Engine) writeLocked(ctx context.Context, driveID int64, replacesID *int64) (bool, error) {
	cutoff := e.clock.Now().Add(-WriteLockWindow)
	rows, err := e.conn.QueryContext(ctx, db.Rebind(e.conn.Driver(), `
		SELECT id FROM metadata_versions
		WHERE drive_id = ? AND state IN ('uploading', 'pending') AND created_at > ?`),
		driveID, cutoff)
	if err != nil {
		return false, Err.Wrap(err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return false, Err.Wrap(err)
		}
		if replacesID == nil || id != *replacesID {
			return true, nil
		}
	}
	return false, Err.Wrap(rows.Err())
}

func (e *Engine) insertVersion(ctx context.Context, driveID int64, req PushRequest, state State, dataSize int64, now time.Time) (int64, error) {
	res, err := e.conn.ExecContext(ctx, db.Rebind(e.conn.Driver(), `
		INSERT INTO metadata_versions
			(drive_id, root_cid, metadata_cid, expected_data_size, data_size, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		driveID, req.RootCID, req.MetadataCID, req.ExpectedDataSize, dataSize, string(state), now, now)
	if err != nil {
		return 0, Err.Wrap(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, Err.Wrap(err)
	}
	return id, nil
}

func (e *Engine) setHost(ctx context.Context, id, hostID int64) error {
	_, err := e.conn.ExecContext(ctx, db.Rebind(e.conn.Driver(), `
		UPDATE metadata_versions SET storage_host_id = ? WHERE id = ?`), hostID, id)
	return Err.Wrap(err)
}

func (e *Engine) setGrant(ctx context.Context, id int64, grantID string) error {
	_, err := e.conn.ExecContext(ctx, db.Rebind(e.conn.Driver(), `
		UPDATE metadata_versions SET grant_id = ? WHERE id = ?`), grantID, id)
	return Err.Wrap(err)
}

// FinalizeUpload transitions a version from uploading to pending once
// its body has been fully stored (spec.md §4.6.4's "On success").
// Enforces the per-user hot-storage ceiling; if exceeded, the version
// is marked upload_failed instead and ErrLimitReached is returned.
func (e *Engine) FinalizeUpload(ctx context.Context, id, userID int64, dataSize, metadataSize int64, metadataHash string) error {
	projected, err := e.HotUsage(ctx, userID)
	if err != nil {
		return err
	}
	if projected+dataSize+metadataSize > HotStorageQuota {
		_ = e.MarkUploadFailed(ctx, id, "hot storage limit reached")
		return ErrLimitReached
	}

	_, err = e.conn.ExecContext(ctx, db.Rebind(e.conn.Driver(), `
		UPDATE metadata_versions
		SET state = ?, data_size = ?, metadata_size = ?, metadata_hash = ?, updated_at = ?
		WHERE id = ? AND state = ?`),
		string(StatePending), dataSize, metadataSize, metadataHash, e.clock.Now(), id, string(StateUploading))
	return Err.Wrap(err)
}

// MarkCurrent transitions a pending version to current, demoting the
// drive's prior current version (if any) to outdated, atomically.
func (e *Engine) MarkCurrent(ctx context.Context, driveID, id int64) error {
	return e.conn.WithTx(ctx, func(ctx context.Context, tx db.DB) error {
		if _, err := tx.ExecContext(ctx, db.Rebind(e.conn.Driver(), `
			UPDATE metadata_versions SET state = ? WHERE drive_id = ? AND state = ?`),
			string(StateOutdated), driveID, string(StateCurrent)); err != nil {
			return Err.Wrap(err)
		}
		res, err := tx.ExecContext(ctx, db.Rebind(e.conn.Driver(), `
			UPDATE metadata_versions SET state = ?, updated_at = ? WHERE id = ? AND state = ?`),
			string(StateCurrent), e.clock.Now(), id, string(StatePending))
		if err != nil {
			return Err.Wrap(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Err.Wrap(err)
		}
		if n == 0 {
			return Err.New("version %d is not pending", id)
		}
		return nil
	})
}

func (e *Engine) promoteCurrent(ctx context.Context, driveID, id int64) error {
	return e.conn.WithTx(ctx, func(ctx context.Context, tx db.DB) error {
		if _, err := tx.ExecContext(ctx, db.Rebind(e.conn.Driver(), `
			UPDATE metadata_versions SET state = ? WHERE drive_id = ? AND state = ? AND id != ?`),
			string(StateOutdated), driveID, string(StateCurrent), id); err != nil {
			return Err.Wrap(err)
		}
		return nil
	})
}

// MarkUploadFailed transitions id to upload_failed, terminal.
func (e *Engine) MarkUploadFailed(ctx context.Context, id int64, reason string) error {
	_, err := e.conn.ExecContext(ctx, db.Rebind(e.conn.Driver(), `
		UPDATE metadata_versions SET state = ?, failure_reason = ?, updated_at = ? WHERE id = ?`),
		string(StateUploadFailed), reason, e.clock.Now(), id)
	return Err.Wrap(err)
}

// CurrentVersion returns the drive's current version, falling back to
// its most recent pending version if none is current — a documented
// workaround for a client regression (spec.md §4.5). New call sites
// that must not see the fallback should use CurrentOnly.
func (e *Engine) CurrentVersion(ctx context.Context, driveID int64) (*Version, error) {
	v, err := e.versionByState(ctx, driveID, StateCurrent)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, Err.Wrap(err)
	}
	return e.versionByState(ctx, driveID, StatePending)
}

// CurrentOnly returns the drive's current version only, never falling
// back to pending.
func (e *Engine) CurrentOnly(ctx context.Context, driveID int64) (*Version, error) {
	return e.versionByState(ctx, driveID, StateCurrent)
}

func (e *Engine) versionByState(ctx context.Context, driveID int64, state State) (*Version, error) {
	row := e.conn.QueryRowContext(ctx, db.Rebind(e.conn.Driver(), `
		SELECT id, drive_id, root_cid, metadata_cid, expected_data_size, data_size,
		       metadata_size, metadata_hash, state, storage_host_id, grant_id, created_at, updated_at
		FROM metadata_versions
		WHERE drive_id = ? AND state = ?
		ORDER BY created_at DESC LIMIT 1`), driveID, string(state))

	var v Version
	var metadataHash, grantID sql.NullString
	var storageHostID, metadataSize sql.NullInt64
	var stateStr string
	err := row.Scan(&v.ID, &v.DriveID, &v.RootCID, &v.MetadataCID, &v.ExpectedDataSize, &v.DataSize,
		&metadataSize, &metadataHash, &stateStr, &storageHostID, &grantID, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.MetadataSize = metadataSize.Int64
	v.MetadataHash = metadataHash.String
	v.GrantID = grantID.String
	v.StorageHostID = storageHostID.Int64
	v.State = State(stateStr)
	return &v, nil
}

// HotUsage computes the per-user hot-storage figure spec.md §4.5
// defines: Σ metadata_size + Σ data_size, over versions in current,
// outdated, or pending (the only states where both sizes are
// finalized; uploading versions have neither yet).
func (e *Engine) HotUsage(ctx context.Context, userID int64) (int64, error) {
	var sum sql.NullInt64
	row := e.conn.QueryRowContext(ctx, db.Rebind(e.conn.Driver(), `
		SELECT SUM(m.metadata_size + m.data_size)
		FROM metadata_versions m
		JOIN drives d ON d.id = m.drive_id
		WHERE d.user_id = ? AND m.state IN ('current', 'outdated', 'pending')`), userID)
	if err := row.Scan(&sum); err != nil {
		return 0, Err.Wrap(err)
	}
	return sum.Int64, nil
}

// UpdateStorageClass changes a drive's storage-class tag, refusing the
// change while any non-deleted metadata version exists (SPEC_FULL.md
// §4.5's drive storage-class lock, adapted from the teacher's
// buckets.UpdateBucket non-empty-bucket placement guard).
func (e *Engine) UpdateStorageClass(ctx context.Context, driveID int64, newClass string) error {
	var count int
	row := e.conn.QueryRowContext(ctx, db.Rebind(e.conn.Driver(), `
		SELECT COUNT(*) FROM metadata_versions WHERE drive_id = ? AND state != ?`),
		driveID, string(StateDeleted))
	if err := row.Scan(&count); err != nil {
		return Err.Wrap(err)
	}
	if count > 0 {
		return ErrStorageClassLocked
	}

	_, err := e.conn.ExecContext(ctx, db.Rebind(e.conn.Driver(), `
		UPDATE drives SET storage_class = ? WHERE id = ?`), newClass, driveID)
	return Err.Wrap(err)
}
