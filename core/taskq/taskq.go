// Package taskq implements the Task Queue (spec.md §4.8): a durable,
// at-least-once, SQL-backed task runner with unique-key dedup, timeout
// reaping, exponential-backoff retry, and recurring schedules.
//
// The teacher's satellite/jobq/jobqueue is an in-memory heap ranking a
// different kind of job (repair health); this store generalizes its
// clock-injection and zap-logging idioms to a durable row store
// instead of reusing its heap, since jobq's priority-by-health concept
// has no analogue here.
package taskq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zeebo/errs"

	"github.com/arcaio/core/core/db"
	"github.com/arcaio/core/internal/clock"
)

// Err is the class for Task Queue failures.
var Err = errs.Class("taskq")

// State is a task row's position in its lifecycle.
type State string

const (
	StateNew        State = "new"
	StateInProgress State = "in_progress"
	StateRetry      State = "retry"
	StateComplete   State = "complete"
	StateError      State = "error"
	StateTimedOut   State = "timed_out"
	StateCancelled  State = "cancelled"
	StateDead       State = "dead"
	StatePanicked   State = "panicked"
)

// TimeoutWindow is how long an in_progress row may run before the
// next claim reaps it as timed_out (spec.md §4.8).
const TimeoutWindow = 30 * time.Second

// MaxPollInterval bounds how long a worker sleeps between empty polls
// (spec.md §4.8 worker loop, §5).
const MaxPollInterval = 60 * time.Second

// ShutdownGrace is how long a worker lets its in-flight task finish
// after a shutdown signal (spec.md §5).
const ShutdownGrace = 5 * time.Second

// Task is one row of the queue.
type Task struct {
	ID               int64
	NextID           *int64
	PreviousID       *int64
	TaskName         string
	QueueName        string
	UniqueKey        *string
	State            State
	CurrentAttempt   int
	MaximumAttempts  int
	Payload          json.RawMessage
	Error            *string
	ScheduledAt      time.Time
	ScheduledToRunAt time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
}

// EnqueueParams describes a task to insert.
type EnqueueParams struct {
	TaskName         string
	QueueName        string
	UniqueKey        *string
	MaximumAttempts  int
	Payload          interface{}
	ScheduledToRunAt time.Time // zero means "now"
}

// Store is the Task Queue's durable row store.
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

// Enqueue inserts a new task row in state new, unless UniqueKey
// collides with an existing row in a non-terminal state, in which
// case it returns (nil, nil) per spec.md §4.8's enqueue contract.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (*int64, error) {
	var id *int64
	err := s.conn.WithTx(ctx, func(ctx context.Context, tx db.DB) (err error) {
		id, err = s.EnqueueTx(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return id, nil
}

// EnqueueTx inserts a new task row using the caller's transaction, so
// the enqueue commits atomically with whatever state change triggered
// it (spec.md §4.3's expire-then-enqueue-prune shape). core/redistribute
// calls it inside a transaction that holds only the cleanup enqueue. Same
// unique-key-collision contract as Enqueue, signaled by a (nil, nil)
// return rather than an error.
func (s *Store) EnqueueTx(ctx context.Context, tx db.DB, p EnqueueParams) (*int64, error) {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, Err.Wrap(err)
	}
	if p.MaximumAttempts <= 0 {
		p.MaximumAttempts = 1
	}
	now := s.clock.Now()
	scheduledToRunAt := p.ScheduledToRunAt
	if scheduledToRunAt.IsZero() {
		scheduledToRunAt = now
	}

	if p.UniqueKey != nil {
		collides, err := uniqueKeyCollides(ctx, tx, s.conn.Driver(), p.QueueName, *p.UniqueKey)
		if err != nil {
			return nil, err
		}
		if collides {
			return nil, nil
		}
	}

	res, err := tx.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
		INSERT INTO tasks (task_name, queue_name, unique_key, state, current_attempt,
			maximum_attempts, payload, scheduled_at, scheduled_to_run_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`),
		p.TaskName, p.QueueName, p.UniqueKey, string(StateNew),
		p.MaximumAttempts, string(payload), now, scheduledToRunAt)
	if err != nil {
		return nil, Err.Wrap(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, Err.Wrap(err)
	}
	return &id, nil
}

func uniqueKeyCollides(ctx context.Context, tx db.DB, driver, queueName, uniqueKey string) (bool, error) {
	var count int
	row := tx.QueryRowContext(ctx, db.Rebind(driver, `
		SELECT COUNT(*) FROM tasks
		WHERE queue_name = ? AND unique_key = ?
		AND state NOT IN (?, ?, ?, ?)`),
		queueName, uniqueKey, string(StateComplete), string(StateCancelled), string(StateDead), string(StatePanicked))
	if err := row.Scan(&count); err != nil {
		return false, Err.Wrap(err)
	}
	return count > 0, nil
}

// Next atomically claims the oldest runnable row in queueName whose
// task_name is one of taskNames (all task names in the queue if
// taskNames is empty), reaping any timed-out row it encounters along
// the way. Returns (nil, nil) if nothing is runnable.
func (s *Store) Next(ctx context.Context, queueName string, taskNames []string) (*Task, error) {
	var claimed *Task
	err := s.conn.WithTx(ctx, func(ctx context.Context, tx db.DB) error {
		now := s.clock.Now()

		if err := s.reapTimedOut(ctx, tx, queueName, now); err != nil {
			return err
		}

		id, ok, err := s.selectRunnable(ctx, tx, queueName, taskNames, now)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		res, err := tx.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
			UPDATE tasks SET state = ?, started_at = ?
			WHERE id = ? AND state IN (?, ?)`),
			string(StateInProgress), now, id, string(StateNew), string(StateRetry))
		if err != nil {
			return Err.Wrap(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return Err.Wrap(err)
		}
		if affected == 0 {
			// lost a race to another poller; caller tries again next poll.
			return nil
		}

		claimed, err = s.getByID(ctx, tx, id)
		return err
	})
	return claimed, err
}

func (s *Store) selectRunnable(ctx context.Context, tx db.DB, queueName string, taskNames []string, now time.Time) (int64, bool, error) {
	query := `
		SELECT id FROM tasks
		WHERE queue_name = ? AND state IN (?, ?) AND scheduled_to_run_at <= ?`
	args := []interface{}{queueName, string(StateNew), string(StateRetry), now}

	if len(taskNames) > 0 {
		placeholders := make([]string, len(taskNames))
		for i, name := range taskNames {
			placeholders[i] = "?"
			args = append(args, name)
		}
		query += " AND task_name IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY scheduled_to_run_at ASC, scheduled_at ASC LIMIT 1"

	row := tx.QueryRowContext(ctx, db.Rebind(s.conn.Driver(), query), args...)
	var id int64
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, Err.Wrap(err)
	}
	return id, true, nil
}

// reapTimedOut flips any in_progress row in queueName that has run
// past TimeoutWindow to timed_out, then retries it in the same
// transaction (spec.md §4.8: "the runner atomically marks it timed_out
// and attempts a retry").
func (s *Store) reapTimedOut(ctx context.Context, tx db.DB, queueName string, now time.Time) error {
	cutoff := now.Add(-TimeoutWindow)
	rows, err := tx.QueryContext(ctx, db.Rebind(s.conn.Driver(), `
		SELECT id FROM tasks
		WHERE queue_name = ? AND state = ? AND started_at <= ?`),
		queueName, string(StateInProgress), cutoff)
	if err != nil {
		return Err.Wrap(err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return Err.Wrap(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return Err.Wrap(err)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
			UPDATE tasks SET state = ? WHERE id = ? AND state = ?`),
			string(StateTimedOut), id, string(StateInProgress)); err != nil {
			return Err.Wrap(err)
		}
		if _, err := s.retryInTx(ctx, tx, now, id); err != nil {
			return err
		}
	}
	return nil
}

// Fail transitions a claimed task to error and immediately attempts a
// retry in the same transaction, mirroring the single-transaction
// side-effect requirement spec.md §5 places on state transitions with
// follow-up work.
func (s *Store) Fail(ctx context.Context, id int64, errMsg string) (*int64, error) {
	var newID *int64
	err := s.conn.WithTx(ctx, func(ctx context.Context, tx db.DB) error {
		now := s.clock.Now()
		if _, err := tx.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
			UPDATE tasks SET state = ?, error = ?, finished_at = ?
			WHERE id = ? AND state = ?`),
			string(StateError), errMsg, now, id, string(StateInProgress)); err != nil {
			return Err.Wrap(err)
		}
		var err error
		newID, err = s.retryInTx(ctx, tx, now, id)
		return err
	})
	return newID, err
}

// Retry implements spec.md §4.8's standalone retry(id) contract: valid
// only from error or timed_out.
func (s *Store) Retry(ctx context.Context, id int64) (*int64, error) {
	var newID *int64
	err := s.conn.WithTx(ctx, func(ctx context.Context, tx db.DB) error {
		var err error
		newID, err = s.retryInTx(ctx, tx, s.clock.Now(), id)
		return err
	})
	return newID, err
}

// retryInTx implements the retry decision: a row whose *next* attempt
// number (current_attempt+1) would still be under maximum_attempts
// gets a successor row at an exponential backoff; otherwise it dies.
//
// spec.md §4.8's prose reads literally as comparing the *original*
// row's current_attempt against maximum_attempts, but its own worked
// example (§8 scenario 5: three failures with maximum_attempts=3 go
// 4s, 8s, dead) only holds if the comparison uses the successor's
// attempt number instead — this store follows the worked example.
func (s *Store) retryInTx(ctx context.Context, tx db.DB, now time.Time, id int64) (*int64, error) {
	task, err := s.getByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if task.State != StateError && task.State != StateTimedOut {
		return nil, Err.New("task %d is not in error or timed_out state", id)
	}

	nextAttempt := task.CurrentAttempt + 1
	if nextAttempt >= task.MaximumAttempts {
		if _, err := tx.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
			UPDATE tasks SET state = ? WHERE id = ?`), string(StateDead), id); err != nil {
			return nil, Err.Wrap(err)
		}
		return nil, nil
	}

	delay := time.Duration(1<<uint(nextAttempt+1)) * time.Second
	scheduledToRunAt := now.Add(delay)

	res, err := tx.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
		INSERT INTO tasks (previous_id, task_name, queue_name, unique_key, state,
			current_attempt, maximum_attempts, payload, scheduled_at, scheduled_to_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		id, task.TaskName, task.QueueName, task.UniqueKey, string(StateRetry),
		nextAttempt, task.MaximumAttempts, string(task.Payload), now, scheduledToRunAt)
	if err != nil {
		return nil, Err.Wrap(err)
	}
	newIDv, err := res.LastInsertId()
	if err != nil {
		return nil, Err.Wrap(err)
	}
	newID := newIDv

	if _, err := tx.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
		UPDATE tasks SET next_id = ? WHERE id = ?`), newID, id); err != nil {
		return nil, Err.Wrap(err)
	}
	return &newID, nil
}

// Complete marks a claimed task finished successfully.
func (s *Store) Complete(ctx context.Context, id int64) error {
	now := s.clock.Now()
	_, err := s.conn.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
		UPDATE tasks SET state = ?, finished_at = ? WHERE id = ? AND state = ?`),
		string(StateComplete), now, id, string(StateInProgress))
	return Err.Wrap(err)
}

// MarkPanicked records that a task's handler panicked. Panicked rows
// are terminal — spec.md §7 treats this as a logic error, fatal for
// the operation, not something the worker should retry on its own.
func (s *Store) MarkPanicked(ctx context.Context, id int64, recovered string) error {
	now := s.clock.Now()
	_, err := s.conn.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
		UPDATE tasks SET state = ?, error = ?, finished_at = ? WHERE id = ? AND state = ?`),
		string(StatePanicked), recovered, now, id, string(StateInProgress))
	return Err.Wrap(err)
}

// Cancel moves a non-terminal task directly to cancelled.
func (s *Store) Cancel(ctx context.Context, id int64) error {
	_, err := s.conn.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
		UPDATE tasks SET state = ?
		WHERE id = ? AND state IN (?, ?, ?)`),
		string(StateCancelled), id, string(StateNew), string(StateRetry), string(StateInProgress))
	return Err.Wrap(err)
}

func (s *Store) getByID(ctx context.Context, tx db.DB, id int64) (*Task, error) {
	row := tx.QueryRowContext(ctx, db.Rebind(s.conn.Driver(), `
		SELECT id, next_id, previous_id, task_name, queue_name, unique_key, state,
			current_attempt, maximum_attempts, payload, error, scheduled_at,
			scheduled_to_run_at, started_at, finished_at
		FROM tasks WHERE id = ?`), id)

	var t Task
	var nextID, previousID sql.NullInt64
	var uniqueKey, taskError sql.NullString
	var payload string
	var state string
	var startedAt, finishedAt sql.NullTime

	if err := row.Scan(&t.ID, &nextID, &previousID, &t.TaskName, &t.QueueName, &uniqueKey,
		&state, &t.CurrentAttempt, &t.MaximumAttempts, &payload, &taskError,
		&t.ScheduledAt, &t.ScheduledToRunAt, &startedAt, &finishedAt); err != nil {
		return nil, Err.Wrap(err)
	}

	t.State = State(state)
	t.Payload = json.RawMessage(payload)
	if nextID.Valid {
		v := nextID.Int64
		t.NextID = &v
	}
	if previousID.Valid {
		v := previousID.Int64
		t.PreviousID = &v
	}
	if uniqueKey.Valid {
		v := uniqueKey.String
		t.UniqueKey = &v
	}
	if taskError.Valid {
		v := taskError.String
		t.Error = &v
	}
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if finishedAt.Valid {
		v := finishedAt.Time
		t.FinishedAt = &v
	}
	return &t, nil
}

// HandlerFunc executes one task's payload.
type HandlerFunc func(ctx context.Context, task *Task) error

// RecurringSchedule lets a handler re-enqueue itself on completion
// (spec.md §4.8: "Recurring tasks implement next_schedule()").
type RecurringSchedule interface {
	NextRunAt(now time.Time) time.Time
}

// Worker polls one queue for a fixed set of task names and dispatches
// each claimed row to its registered handler, isolating panics into
// the panicked state per spec.md §4.8/§7.
type Worker struct {
	store      *Store
	queueName  string
	taskNames  []string
	handlers   map[string]HandlerFunc
	recurring  map[string]RecurringSchedule
	enqueueFor map[string]EnqueueParams // template used to re-enqueue a recurring task
	clock      clock.Clock
	log        *zap.Logger
}

// NewWorker builds a Worker bound to queueName, dispatching to
// handlers keyed by task_name.
func NewWorker(store *Store, queueName string, handlers map[string]HandlerFunc, c clock.Clock, log *zap.Logger) *Worker {
	if c == nil {
		c = clock.Wall{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	taskNames := make([]string, 0, len(handlers))
	for name := range handlers {
		taskNames = append(taskNames, name)
	}
	return &Worker{
		store:      store,
		queueName:  queueName,
		taskNames:  taskNames,
		handlers:   handlers,
		recurring:  map[string]RecurringSchedule{},
		enqueueFor: map[string]EnqueueParams{},
		clock:      c,
		log:        log,
	}
}

// Recur registers taskName as recurring: on successful completion, a
// follow-up row is enqueued at schedule.NextRunAt(now) using template
// as the base parameters (its ScheduledToRunAt is overwritten).
func (w *Worker) Recur(taskName string, schedule RecurringSchedule, template EnqueueParams) {
	w.recurring[taskName] = schedule
	w.enqueueFor[taskName] = template
}

// PollOnce claims and executes at most one task, reporting whether
// work was found. It never blocks beyond the handler's own work, so
// tests can drive it deterministically without a real sleep loop.
func (w *Worker) PollOnce(ctx context.Context) (bool, error) {
	task, err := w.store.Next(ctx, w.queueName, w.taskNames)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	w.execute(ctx, task)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, task *Task) {
	handler, ok := w.handlers[task.TaskName]
	if !ok {
		_ = w.store.MarkPanicked(ctx, task.ID, fmt.Sprintf("no handler registered for task %q", task.TaskName))
		return
	}

	err := w.runHandler(ctx, handler, task)
	if err != nil {
		if pe, isPanic := err.(panicError); isPanic {
			w.log.Error("task handler panicked", zap.Int64("task_id", task.ID),
				zap.String("task_name", task.TaskName), zap.String("recovered", pe.Error()))
			_ = w.store.MarkPanicked(ctx, task.ID, pe.Error())
			return
		}
		w.log.Warn("task handler failed", zap.Int64("task_id", task.ID),
			zap.String("task_name", task.TaskName), zap.Error(err))
		if _, failErr := w.store.Fail(ctx, task.ID, err.Error()); failErr != nil {
			w.log.Error("failed to record task failure", zap.Error(failErr))
		}
		return
	}

	if err := w.store.Complete(ctx, task.ID); err != nil {
		w.log.Error("failed to mark task complete", zap.Int64("task_id", task.ID), zap.Error(err))
		return
	}

	if schedule, ok := w.recurring[task.TaskName]; ok {
		template := w.enqueueFor[task.TaskName]
		template.ScheduledToRunAt = schedule.NextRunAt(w.clock.Now())
		if _, err := w.store.Enqueue(ctx, template); err != nil {
			w.log.Error("failed to enqueue recurring follow-up", zap.String("task_name", task.TaskName), zap.Error(err))
		}
	}
}

// Run polls for work until ctx is canceled, sleeping up to
// MaxPollInterval between empty polls (spec.md §4.8's worker loop) and
// re-polling immediately after claiming a task. A task already
// in-flight when ctx is canceled runs to completion against a
// detached context bounded by ShutdownGrace (spec.md §5) rather than
// being killed outright by the shutdown signal.
func (w *Worker) Run(ctx context.Context) error {
	for {
		pollCtx := ctx
		select {
		case <-ctx.Done():
			var cancel context.CancelFunc
			pollCtx, cancel = context.WithTimeout(context.Background(), ShutdownGrace)
			defer cancel()
		default:
		}

		found, err := w.PollOnce(pollCtx)
		if err != nil {
			w.log.Error("poll failed", zap.Error(err))
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if found {
			continue
		}

		timer := time.NewTimer(MaxPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// panicError wraps a recovered panic value so execute can distinguish
// it from an ordinary handler error.
type panicError struct{ value interface{} }

func (p panicError) Error() string { return fmt.Sprintf("%v", p.value) }

// runHandler calls handler, converting a panic into a panicError
// return rather than letting it unwind into the worker's own loop.
func (w *Worker) runHandler(ctx context.Context, handler HandlerFunc, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r}
		}
	}()
	return handler(ctx, task)
}
