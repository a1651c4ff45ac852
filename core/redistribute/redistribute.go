// Package redistribute implements the Redistribution Pipeline
// (spec.md §4.7): the recurring task that finds blocks a storage host
// holds but hasn't yet synced elsewhere, groups them by metadata
// version, and asks the staging service to copy each group onto a
// newly selected host — plus the completion hook staging calls back
// once a group lands.
package redistribute

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/zeebo/errs"

	"github.com/arcaio/core/core/blocks"
	"github.com/arcaio/core/core/db"
	"github.com/arcaio/core/core/grants"
	"github.com/arcaio/core/core/hosts"
	"github.com/arcaio/core/internal/clock"
	"github.com/arcaio/core/pkg/auth"
)

// Err is the class for Redistribution Pipeline failures.
var Err = errs.Class("redistribute")

// HookTimeout bounds the service-to-service distribute call (spec.md
// §5's 15s service-to-service budget).
const HookTimeout = 15 * time.Second

// TaskEnqueuer lets HandleCompletion hand off staging cleanup to the
// task queue inside a transaction of its own, opened after the grant
// has been redeemed and block state flipped; the enqueue does not share
// a transaction with those two steps.
type TaskEnqueuer interface {
	EnqueueStagingCleanup(ctx context.Context, tx db.DB, hostID int64, blockIDs []int64) error
}

// DistributeRequest is the core-to-staging hook body (spec.md §6,
// POST /api/v1/hooks/distribute).
type DistributeRequest struct {
	MetadataID int64    `json:"metadata_id"`
	GrantID    string   `json:"grant_id"`
	NewHostID  int64    `json:"new_host_id"`
	NewHostURL string   `json:"new_host_url"`
	BlockCIDs  []string `json:"block_cids"`
}

// CompletionReport is the staging-to-core hook body (spec.md §6,
// POST /hooks/redistribution/{metadata_id}). Replication is taken as
// given from staging — see DESIGN.md Open Question 3 — no derivation
// logic second-guesses it here.
type CompletionReport struct {
	Replication    bool     `json:"replication"`
	NormalizedCIDs []string `json:"normalized_cids"`
	GrantID        string   `json:"grant_id"`
}

// Service is the Redistribution Pipeline.
type Service struct {
	conn       *db.Conn
	blocks     *blocks.Store
	hosts      *hosts.Store
	grants     *grants.Store
	signer     *auth.Signer
	httpClient *http.Client
	stagingURL string
	clock      clock.Clock
	log        *zap.Logger
}

// NewService builds a Service. httpClient may be nil to use
// http.DefaultClient.
func NewService(conn *db.Conn, b *blocks.Store, h *hosts.Store, g *grants.Store, signer *auth.Signer, httpClient *http.Client, stagingURL string, c clock.Clock, log *zap.Logger) *Service {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if c == nil {
		c = clock.Wall{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{conn: conn, blocks: b, hosts: h, grants: g, signer: signer, httpClient: httpClient, stagingURL: stagingURL, clock: c, log: log}
}

// group is one metadata version's worth of blocks awaiting sync off
// sourceHostID.
type group struct {
	metadataID  int64
	userID      int64
	fingerprint string
	cids        []string
	totalSize   int64
	blockIDs    []int64
}

// RunOnce scans sourceHostID's sync-required blocks, groups them by
// metadata version, and best-effort pushes one distribute hook call
// per group — a failure in one group (no capacity, hook unreachable)
// is logged and does not abort the others, mirroring the teacher's
// per-piece best-effort send loop.
func (s *Service) RunOnce(ctx context.Context, sourceHostID int64) error {
	groups, err := s.groupSyncWorklist(ctx, sourceHostID)
	if err != nil {
		return err
	}

	for _, g := range groups {
		if err := s.distributeGroup(ctx, sourceHostID, g); err != nil {
			s.log.Warn("redistribution group failed",
				zap.Int64("metadata_id", g.metadataID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) distributeGroup(ctx context.Context, sourceHostID int64, g group) error {
	newHost, err := s.hosts.SelectHost(ctx, g.totalSize, &sourceHostID)
	if err != nil {
		return err
	}

	grantHost := grants.Host{ID: newHost.ID, URL: newHost.URL, Name: newHost.Name}
	grant, _, err := s.grants.EnsureCapacity(ctx, g.userID, g.fingerprint, grantHost, g.totalSize)
	if err != nil {
		return err
	}
	var grantID string
	if grant != nil {
		grantID = grant.ID
	} else {
		grantID, err = s.existingGrantID(ctx, g.userID, newHost.ID)
		if err != nil {
			return err
		}
	}

	token, err := s.signer.Sign(auth.SignParams{
		Subject:  "core-service",
		Audience: "staging",
		ValidFor: HookTimeout,
	})
	if err != nil {
		return err
	}

	req := DistributeRequest{
		MetadataID: g.metadataID,
		GrantID:    grantID,
		NewHostID:  newHost.ID,
		NewHostURL: newHost.URL,
		BlockCIDs:  g.cids,
	}
	if err := s.postDistribute(ctx, token, req); err != nil {
		return err
	}

	for _, blockID := range g.blockIDs {
		if err := s.blocks.Associate(ctx, blockID, g.metadataID, newHost.ID, blocks.StateStaged); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) postDistribute(ctx context.Context, token string, req DistributeRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return Err.Wrap(err)
	}

	ctx, cancel := context.WithTimeout(ctx, HookTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.stagingURL+"/api/v1/hooks/distribute", bytes.NewReader(body))
	if err != nil {
		return Err.Wrap(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return Err.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return Err.New("distribute hook returned status %d", resp.StatusCode)
	}
	return nil
}

// HandleCompletion implements the staging-to-core completion hook
// (spec.md §6): on a successful replication, redeems the grant, flips
// every reported block's location at the new host to stored, then
// enqueues staging cleanup. Each of the three steps commits in its own
// transaction, in that order; they are not one atomic unit, so a
// failure after the first step leaves the earlier steps committed.
// A false Replication is treated as a no-op — staging
// reports it without core second-guessing why.
func (s *Service) HandleCompletion(ctx context.Context, metadataID int64, report CompletionReport, enqueuer TaskEnqueuer) error {
	if !report.Replication {
		s.log.Info("redistribution reported incomplete, no state change",
			zap.Int64("metadata_id", metadataID), zap.String("grant_id", report.GrantID))
		return nil
	}

	hostID, err := s.grantHostID(ctx, report.GrantID)
	if err != nil {
		return err
	}

	already, err := s.grants.Redeem(ctx, report.GrantID, hostID)
	if err != nil {
		return err
	}
	if already {
		s.log.Debug("redistribution grant already redeemed", zap.String("grant_id", report.GrantID))
	}

	blockIDs, err := s.blockIDsForCIDs(ctx, metadataID, report.NormalizedCIDs)
	if err != nil {
		return err
	}
	if err := s.blocks.UpdateState(ctx, blockIDs, hostID, blocks.StateStored); err != nil {
		return err
	}

	if enqueuer != nil {
		return s.conn.WithTx(ctx, func(ctx context.Context, tx db.DB) error {
			return enqueuer.EnqueueStagingCleanup(ctx, tx, hostID, blockIDs)
		})
	}
	return nil
}

func (s *Service) grantHostID(ctx context.Context, grantID string) (int64, error) {
	var hostID int64
	row := s.conn.QueryRowContext(ctx, db.Rebind(s.conn.Driver(), `
		SELECT host_id FROM grants WHERE grant_id = ?`), grantID)
	if err := row.Scan(&hostID); err != nil {
		return 0, Err.Wrap(err)
	}
	return hostID, nil
}

func (s *Service) existingGrantID(ctx context.Context, userID, hostID int64) (string, error) {
	var grantID string
	row := s.conn.QueryRowContext(ctx, db.Rebind(s.conn.Driver(), `
		SELECT grant_id FROM grants
		WHERE user_id = ? AND host_id = ? AND redeemed_at IS NOT NULL
		ORDER BY redeemed_at DESC LIMIT 1`), userID, hostID)
	if err := row.Scan(&grantID); err != nil {
		return "", Err.Wrap(err)
	}
	return grantID, nil
}

func (s *Service) blockIDsForCIDs(ctx context.Context, metadataID int64, cids []string) ([]int64, error) {
	var ids []int64
	for _, c := range cids {
		row := s.conn.QueryRowContext(ctx, db.Rebind(s.conn.Driver(), `
			SELECT b.id FROM blocks b
			JOIN block_locations bl ON bl.block_id = b.id
			WHERE b.cid = ? AND bl.metadata_id = ?`), c, metadataID)
		var id int64
		if err := row.Scan(&id); err != nil {
			return nil, Err.Wrap(err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// groupSyncWorklist gathers sourceHostID's sync-required blocks,
// grouped by metadata version, with each group's owning user and key
// fingerprint resolved for grant issuance.
func (s *Service) groupSyncWorklist(ctx context.Context, sourceHostID int64) ([]group, error) {
	rows, err := s.conn.QueryContext(ctx, db.Rebind(s.conn.Driver(), `
		SELECT bl.metadata_id, b.id, b.cid, b.length, d.user_id
		FROM block_locations bl
		JOIN blocks b ON b.id = bl.block_id
		JOIN metadata_versions m ON m.id = bl.metadata_id
		JOIN drives d ON d.id = m.drive_id
		WHERE bl.storage_host_id = ? AND bl.state = ? AND bl.expired_at IS NULL`),
		sourceHostID, string(blocks.StateSyncRequired))
	if err != nil {
		return nil, Err.Wrap(err)
	}
	defer rows.Close()

	byMetadata := map[int64]*group{}
	var order []int64
	for rows.Next() {
		var metadataID, blockID, length, userID int64
		var cid string
		if err := rows.Scan(&metadataID, &blockID, &cid, &length, &userID); err != nil {
			return nil, Err.Wrap(err)
		}
		g, ok := byMetadata[metadataID]
		if !ok {
			g = &group{metadataID: metadataID, userID: userID}
			byMetadata[metadataID] = g
			order = append(order, metadataID)
		}
		g.cids = append(g.cids, cid)
		g.blockIDs = append(g.blockIDs, blockID)
		g.totalSize += length
	}
	if err := rows.Err(); err != nil {
		return nil, Err.Wrap(err)
	}

	var fingerprintErr error
	for _, metadataID := range order {
		g := byMetadata[metadataID]
		g.fingerprint, fingerprintErr = s.ownerFingerprint(ctx, g.userID)
		if fingerprintErr != nil {
			return nil, fingerprintErr
		}
	}

	out := make([]group, 0, len(order))
	for _, metadataID := range order {
		out = append(out, *byMetadata[metadataID])
	}
	return out, nil
}

// ownerFingerprint resolves a user's signing-key fingerprint from
// user_keys (the same table cmd/core's userKeyDirectory, the
// relational pkg/auth.KeyDirectory, queries by fingerprint).
func (s *Service) ownerFingerprint(ctx context.Context, userID int64) (string, error) {
	var fingerprint sql.NullString
	row := s.conn.QueryRowContext(ctx, db.Rebind(s.conn.Driver(), `
		SELECT key_fingerprint FROM user_keys WHERE user_id = ? LIMIT 1`), userID)
	if err := row.Scan(&fingerprint); err != nil {
		return "", Err.Wrap(err)
	}
	return fingerprint.String, nil
}
