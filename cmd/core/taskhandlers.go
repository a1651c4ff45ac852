package main

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/arcaio/core/core/taskq"
)

// prunePayload mirrors pruneBlocksEnqueuer's enqueued payload shape.
type prunePayload struct {
	StorageHostID int64   `json:"storage_host_id"`
	BlockIDs      []int64 `json:"block_ids"`
}

// handlePruneBlocks deletes the per-block objects this service holds
// for blocks that newly became pruneable at storageHostID (spec.md
// §4.3): one object per metadata version the block was ever written
// under at that host, at the {metadata_id}/{block_cid}.bin key
// core/upload.objectKey uses. Blocks living only at a remote storage
// host are that host's own responsibility to reclaim and aren't
// touched here.
func (p *Peer) handlePruneBlocks(ctx context.Context, task *taskq.Task) error {
	var payload prunePayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return Err.Wrap(err)
	}

	cids, err := p.Blocks.CIDsByIDs(ctx, payload.BlockIDs)
	if err != nil {
		return err
	}

	for i, blockID := range payload.BlockIDs {
		metadataIDs, err := p.Blocks.MetadataIDsForHostBlock(ctx, payload.StorageHostID, blockID)
		if err != nil {
			return err
		}
		for _, metadataID := range metadataIDs {
			key := fmt.Sprintf("%d/%s.bin", metadataID, cids[i])
			if err := p.Objects.Delete(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}

// stagingCleanupPayload mirrors stagingCleanupEnqueuer's payload shape.
type stagingCleanupPayload struct {
	HostID   int64   `json:"host_id"`
	BlockIDs []int64 `json:"block_ids"`
}

// handleStagingCleanup decodes a StagingCleanup payload and logs the
// host id and block count it names. It sends nothing to staging and
// deletes no staged copy; staging's temporary copies are left in place.
func (p *Peer) handleStagingCleanup(ctx context.Context, task *taskq.Task) error {
	var payload stagingCleanupPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return Err.Wrap(err)
	}
	p.Log.Info("staging cleanup acknowledged",
		zap.Int64("host_id", payload.HostID), zap.Int("block_count", len(payload.BlockIDs)))
	return nil
}

// handleFinalizeDeal runs the FinalizeDeal follow-up
// archival.Store.SealReadyDealsHandler enqueues once a deal is
// accepted: it seals the deal, then finalizes it. Both steps are
// conditional UPDATEs, so a retry after a partial failure is safe.
func (p *Peer) handleFinalizeDeal(ctx context.Context, task *taskq.Task) error {
	var payload struct {
		DealID string `json:"deal_id"`
	}
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return Err.Wrap(err)
	}
	if err := p.Archival.SealDeal(ctx, payload.DealID); err != nil {
		return err
	}
	return p.Archival.FinalizeDeal(ctx, payload.DealID)
}

// handleRecomputeHostCapacity runs the Host Capacity Monitor (spec.md
// §4.9) across every registered host. One host's recomputation failing
// doesn't block the rest; the first error is returned so the task
// still retries, but already-updated hosts keep their new counters.
func (p *Peer) handleRecomputeHostCapacity(ctx context.Context, task *taskq.Task) error {
	hostIDs, err := p.Hosts.ListHostIDs(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, hostID := range hostIDs {
		if err := p.Hosts.RecomputeCapacity(ctx, hostID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// handleRedistributeScan runs core/redistribute.Service.RunOnce across
// every registered host, each host's sync-required worklist standing
// in for the per-host invocation spec.md §4.7 describes as triggered
// "periodically, per storage host".
func (p *Peer) handleRedistributeScan(ctx context.Context, task *taskq.Task) error {
	hostIDs, err := p.Hosts.ListHostIDs(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, hostID := range hostIDs {
		if err := p.Redistribute.RunOnce(ctx, hostID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
