package main

import (
	"context"
	"time"

	"github.com/arcaio/core/core/archival"
	"github.com/arcaio/core/core/taskq"
	"github.com/arcaio/core/internal/clock"
)

// defaultWorker dispatches the follow-up tasks core's own requests
// enqueue: block pruning, staging cleanup acknowledgements, and the
// two periodic maintenance scans (spec.md §4.7, §4.9) that have no
// natural per-request trigger and so run on a timer instead.
func (p *Peer) defaultWorker() *taskq.Worker {
	w := taskq.NewWorker(p.Tasks, DefaultQueue, map[string]taskq.HandlerFunc{
		"PruneBlocks":           p.handlePruneBlocks,
		"StagingCleanup":        p.handleStagingCleanup,
		"RecomputeHostCapacity": p.handleRecomputeHostCapacity,
		"RedistributeScan":      p.handleRedistributeScan,
	}, clock.Wall{}, p.Log)

	w.Recur("RecomputeHostCapacity", hostCapacitySchedule{}, taskq.EnqueueParams{
		TaskName:        "RecomputeHostCapacity",
		QueueName:       DefaultQueue,
		UniqueKey:       strPtr("recompute-host-capacity"),
		MaximumAttempts: 3,
		Payload:         map[string]string{},
	})
	w.Recur("RedistributeScan", redistributeScanSchedule{}, taskq.EnqueueParams{
		TaskName:        "RedistributeScan",
		QueueName:       DefaultQueue,
		UniqueKey:       strPtr("redistribute-scan"),
		MaximumAttempts: 3,
		Payload:         map[string]string{},
	})
	return w
}

// archivalWorker dispatches the archival queue's own task_name,
// kept separate from the default queue since SealReadyDealsHandler and
// the FinalizeDeal follow-up it enqueues both live there already
// (core/archival.SealReadyDealsHandler hardcodes queue_name "archival").
func (p *Peer) archivalWorker() *taskq.Worker {
	w := taskq.NewWorker(p.Tasks, "archival", map[string]taskq.HandlerFunc{
		"SealReadyDeals": p.Archival.SealReadyDealsHandler(p.Tasks),
		"FinalizeDeal":   p.handleFinalizeDeal,
	}, clock.Wall{}, p.Log)

	w.Recur("SealReadyDeals", archival.SealReadySchedule{}, taskq.EnqueueParams{
		TaskName:        "SealReadyDeals",
		QueueName:       "archival",
		UniqueKey:       strPtr("seal-ready-deals"),
		MaximumAttempts: archival.MaxSealAttempts,
		Payload:         map[string]string{},
	})
	return w
}

// hostCapacitySchedule recomputes host capacity every 5 minutes —
// frequent enough that SelectHost sees a reasonably current picture
// without recomputing on every single write.
type hostCapacitySchedule struct{}

func (hostCapacitySchedule) NextRunAt(now time.Time) time.Time {
	return now.Add(5 * time.Minute)
}

// redistributeScanSchedule walks every host's sync-required worklist
// every minute (spec.md §4.7 leaves the exact cadence unspecified).
type redistributeScanSchedule struct{}

func (redistributeScanSchedule) NextRunAt(now time.Time) time.Time {
	return now.Add(1 * time.Minute)
}

func strPtr(s string) *string { return &s }

// seedRecurringTasks enqueues each recurring task's first run if one
// isn't already pending or in flight, relying on Enqueue's unique-key
// dedup so repeated calls (every process restart) are idempotent.
func (p *Peer) seedRecurringTasks(ctx context.Context) error {
	seeds := []taskq.EnqueueParams{
		{TaskName: "RecomputeHostCapacity", QueueName: DefaultQueue, UniqueKey: strPtr("recompute-host-capacity"), MaximumAttempts: 3, Payload: map[string]string{}},
		{TaskName: "RedistributeScan", QueueName: DefaultQueue, UniqueKey: strPtr("redistribute-scan"), MaximumAttempts: 3, Payload: map[string]string{}},
		{TaskName: "SealReadyDeals", QueueName: "archival", UniqueKey: strPtr("seal-ready-deals"), MaximumAttempts: archival.MaxSealAttempts, Payload: map[string]string{}},
	}
	for _, seed := range seeds {
		if _, err := p.Tasks.Enqueue(ctx, seed); err != nil {
			return err
		}
	}
	return nil
}
