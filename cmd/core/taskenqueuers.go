package main

import (
	"context"
	"fmt"

	"github.com/arcaio/core/core/blocks"
	"github.com/arcaio/core/core/db"
	"github.com/arcaio/core/core/redistribute"
	"github.com/arcaio/core/core/taskq"
)

// DefaultQueue is the queue core's non-archival tasks land in (block
// pruning, staging cleanup, and the host-capacity and redistribute
// scans); the archival tasks use their own "archival" queue and worker.
const DefaultQueue = "default"

// pruneBlocksEnqueuer adapts core/taskq.Store to core/blocks.PruneEnqueuer,
// so expiring a block's last location enqueues the PruneBlocks follow-up
// task scenario 4 (spec.md §8) expects, within the same transaction
// that recorded the expiration.
type pruneBlocksEnqueuer struct {
	tasks *taskq.Store
}

func (e *pruneBlocksEnqueuer) EnqueuePrune(ctx context.Context, tx db.DB, storageHostID int64, blockIDs []int64) error {
	uniqueKey := fmt.Sprintf("prune-host-%d-%v", storageHostID, blockIDs)
	_, err := e.tasks.EnqueueTx(ctx, tx, taskq.EnqueueParams{
		TaskName:        "PruneBlocks",
		QueueName:       DefaultQueue,
		UniqueKey:       &uniqueKey,
		MaximumAttempts: 5,
		Payload: map[string]interface{}{
			"storage_host_id": storageHostID,
			"block_ids":       blockIDs,
		},
	})
	return err
}

var _ blocks.PruneEnqueuer = (*pruneBlocksEnqueuer)(nil)

// stagingCleanupEnqueuer adapts core/taskq.Store to
// core/redistribute.TaskEnqueuer, enqueuing the StagingCleanup task
// (handled by handleStagingCleanup) for a group of blocks once core
// has recorded them as stored at their new host.
type stagingCleanupEnqueuer struct {
	tasks *taskq.Store
}

func (e *stagingCleanupEnqueuer) EnqueueStagingCleanup(ctx context.Context, tx db.DB, hostID int64, blockIDs []int64) error {
	uniqueKey := fmt.Sprintf("staging-cleanup-host-%d-%v", hostID, blockIDs)
	_, err := e.tasks.EnqueueTx(ctx, tx, taskq.EnqueueParams{
		TaskName:        "StagingCleanup",
		QueueName:       DefaultQueue,
		UniqueKey:       &uniqueKey,
		MaximumAttempts: 5,
		Payload: map[string]interface{}{
			"host_id":   hostID,
			"block_ids": blockIDs,
		},
	})
	return err
}

var _ redistribute.TaskEnqueuer = (*stagingCleanupEnqueuer)(nil)
