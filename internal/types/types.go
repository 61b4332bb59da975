package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stage identifies which half of the job a task belongs to.
type Stage string

const (
	StageMap    Stage = "map"
	StageReduce Stage = "reduce"
)

// TaskStatus represents the lifecycle state of a single task attempt.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
)

// JobPhase is the coordinator's process-wide state. It advances
// monotonically; Mapping and Reducing re-enter themselves on retries.
type JobPhase string

const (
	PhaseSplitting JobPhase = "splitting"
	PhaseMapping   JobPhase = "mapping"
	PhaseShuffling JobPhase = "shuffling"
	PhaseReducing  JobPhase = "reducing"
	PhaseMerging   JobPhase = "merging"
	PhaseDone      JobPhase = "done"
	PhaseFailed    JobPhase = "failed"
)

// KeyValue is the intermediate key-value pair produced by mappers.
type KeyValue struct {
	Key   string `json:"k"`
	Value string `json:"v"`
}

// KeyGroup holds every value emitted for one key, ready for reduction.
// Value order is stable within a single mapper's emission.
type KeyGroup struct {
	Key    string   `json:"k"`
	Values []string `json:"vs"`
}

// Chunk is a contiguous, line-aligned slice of the input bound to
// exactly one map task. Ref locates the chunk file on disk.
type Chunk struct {
	ID   int    `json:"id"`
	Ref  string `json:"ref"`
	Size int64  `json:"size"`
}

// Task is the unit of work handed to workers through the queue.
// The attempt counter disambiguates retries of the same logical task
// so a late report from a stale attempt can be detected and dropped.
type Task struct {
	ID       string `json:"id"`
	Stage    Stage  `json:"stage"`
	InputRef string `json:"input_ref"`
	Attempt  int    `json:"attempt"`
}

// MapTaskID and ReduceTaskID derive stable task identifiers. Task
// output is content-addressed by these, so a retried attempt
// overwrites its predecessor's output instead of duplicating it.
func MapTaskID(chunk int) string { return fmt.Sprintf("map-%d", chunk) }

func ReduceTaskID(partition int) string { return fmt.Sprintf("reduce-%d", partition) }

// PartitionRef names the shuffled input set for one reducer.
func PartitionRef(partition int) string { return fmt.Sprintf("partition-%d", partition) }

// Encode serializes a task for the queue.
func (t Task) Encode() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to encode task %s: %w", t.ID, err)
	}
	return string(b), nil
}

// DecodeTask parses a queue payload back into a Task.
func DecodeTask(payload string) (Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return Task{}, fmt.Errorf("failed to decode task payload: %w", err)
	}
	return t, nil
}

// PhaseCounters tracks per-stage progress in the completion store.
// A stage is satisfied only when Completed == Expected; Failed counts
// per-attempt failures and never contributes to satisfaction.
type PhaseCounters struct {
	Expected  int64
	Completed int64
	Failed    int64
}

// Satisfied reports whether every expected task has completed.
func (p PhaseCounters) Satisfied() bool {
	return p.Expected > 0 && p.Completed >= p.Expected
}

// CompletionReport is published on the stage's event topic whenever a
// worker finishes or fails a task attempt. It is a wakeup hint for the
// coordinator; the counters in the completion store are authoritative.
type CompletionReport struct {
	TaskID    string     `json:"task_id"`
	Stage     Stage      `json:"stage"`
	Attempt   int        `json:"attempt"`
	WorkerID  string     `json:"worker_id"`
	Status    TaskStatus `json:"status"`
	OutputRef string     `json:"output_ref,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Encode serializes a report for publishing.
func (r CompletionReport) Encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode report for %s: %w", r.TaskID, err)
	}
	return string(b), nil
}

// DecodeReport parses a published completion message.
func DecodeReport(payload string) (CompletionReport, error) {
	var r CompletionReport
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return CompletionReport{}, fmt.Errorf("failed to decode completion report: %w", err)
	}
	return r, nil
}

// TaskState is the completion store's view of one task.
type TaskState struct {
	Attempt   int
	Status    TaskStatus
	WorkerID  string
	Deadline  time.Time
	OutputRef string
}

// Stalled reports whether a claimed task has outlived its deadline
// without any report from its worker.
func (s TaskState) Stalled(now time.Time) bool {
	return s.Status == TaskInProgress && !s.Deadline.IsZero() && now.After(s.Deadline)
}

// Unclaimed reports whether a pending task's delivery window lapsed
// with no claim, meaning the queued payload was dequeued by a consumer
// that died before claiming, or was never delivered at all.
func (s TaskState) Unclaimed(now time.Time) bool {
	return s.Status == TaskPending && !s.Deadline.IsZero() && now.After(s.Deadline)
}
