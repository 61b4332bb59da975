// Package transport defines the queue, store and notification contracts
// the coordinator and workers share, plus their Redis implementation.
// All cross-process coordination state lives behind these interfaces;
// nothing in the engine touches in-process shared mutable variables.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/flaviotulioalmeida/mapreduce-redis/internal/types"
)

// ErrNoTask is returned by Dequeue when no task arrived within the
// blocking window. Callers loop and re-check their context.
var ErrNoTask = errors.New("no task available")

// ErrNotHeld is returned when releasing a job lock the caller does not hold.
var ErrNotHeld = errors.New("job lock not held")

// TaskQueue is an ordered, at-least-once delivery channel of task
// descriptors, one logical queue per stage. Duplicate delivery is
// tolerated by attempt-checked claims, not prevented here.
type TaskQueue interface {
	Enqueue(ctx context.Context, task types.Task) error
	// Dequeue blocks up to the given timeout for the next task of the
	// stage. No two consumers ever receive the same queue element.
	Dequeue(ctx context.Context, stage types.Stage, timeout time.Duration) (types.Task, error)
}

// CompletionStore is the shared key-value store holding task states and
// phase counters. Counter mutation is atomic increment or
// compare-and-set only, never read-modify-write.
type CompletionStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	IncrementAtomic(ctx context.Context, counter string) (int64, error)
	CompareAndSet(ctx context.Context, key, expected, value string) (bool, error)
}

// Subscription is a live feed of messages on one topic.
type Subscription interface {
	Messages() <-chan string
	Close() error
}

// Notifier carries completion notifications so the coordinator can wait
// on events instead of busy-polling counters.
type Notifier interface {
	Publish(ctx context.Context, topic, message string) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// TaskStates manages per-task lifecycle records with the atomicity the
// retry policy needs: every transition is guarded by the task's current
// attempt number, so stale attempts can never corrupt live ones.
type TaskStates interface {
	// RegisterTask creates the pending state record for a new task.
	// claimBy bounds how long the queued payload may sit unclaimed;
	// past it the coordinator redelivers, covering a consumer that
	// died between dequeueing and claiming.
	RegisterTask(ctx context.Context, task types.Task, claimBy time.Time) error
	// Claim marks a dequeued task in-progress for a worker, with a
	// deadline for stall detection. It refuses (false, nil) when the
	// task's stored attempt does not match or it is not pending, which
	// is how duplicate queue deliveries are discarded.
	Claim(ctx context.Context, task types.Task, workerID string, deadline time.Time) (bool, error)
	// ReportSuccess records completion and increments the stage's
	// completed counter, atomically and at most once per task: a second
	// report for the same attempt, or any report from a stale attempt,
	// returns (false, nil) and changes nothing.
	ReportSuccess(ctx context.Context, task types.Task, workerID, outputRef string) (bool, error)
	// ReportFailure records an attempt failure and increments the
	// stage's failed counter, with the same attempt guard.
	ReportFailure(ctx context.Context, task types.Task, workerID string, cause error) (bool, error)
	// Requeue re-enqueues a task whose attempt fromAttempt stalled or
	// failed: attempt+1, status back to pending, expected unchanged.
	// Returns false when the task already moved on (completed, or
	// requeued by a concurrent path).
	Requeue(ctx context.Context, task types.Task, fromAttempt int, claimBy time.Time) (bool, error)
	// Redeliver re-pushes a still-pending task whose queue payload was
	// lost before any worker claimed it. The attempt is unchanged; if
	// the original delivery surfaces after all, the claim guard
	// discards whichever copy arrives second. Returns false when the
	// task is no longer pending at task.Attempt.
	Redeliver(ctx context.Context, task types.Task, claimBy time.Time) (bool, error)
	// TaskState reads the stored state of one task.
	TaskState(ctx context.Context, stage types.Stage, taskID string) (types.TaskState, error)
	// ListTasks returns every registered task id for a stage.
	ListTasks(ctx context.Context, stage types.Stage) ([]string, error)
}

// Broker bundles every transport contract the engine consumes.
type Broker interface {
	TaskQueue
	CompletionStore
	Notifier
	TaskStates

	// Counters reads the stage's phase counters.
	Counters(ctx context.Context, stage types.Stage) (types.PhaseCounters, error)
	// SetExpected fixes the number of tasks a stage must complete.
	SetExpected(ctx context.Context, stage types.Stage, n int64) error
	// Phase and AdvancePhase read and CAS the job-wide phase marker,
	// making phase transitions idempotent across coordinator restarts.
	Phase(ctx context.Context) (types.JobPhase, error)
	AdvancePhase(ctx context.Context, from, to types.JobPhase) (bool, error)
	SetPhase(ctx context.Context, phase types.JobPhase) error
	// EventTopic names the stage's completion notification channel.
	EventTopic(stage types.Stage) string
	// AcquireJobLock/ReleaseJobLock guard against two coordinators
	// driving the same job. RefreshJobLock extends a held lock's
	// expiry so a long job keeps its exclusion; it refuses when
	// ownerID no longer holds the lock.
	AcquireJobLock(ctx context.Context, ownerID string, ttl time.Duration) (bool, error)
	RefreshJobLock(ctx context.Context, ownerID string, ttl time.Duration) (bool, error)
	ReleaseJobLock(ctx context.Context, ownerID string) error
	// Reset clears all state of a previous run of this job.
	Reset(ctx context.Context) error
}
