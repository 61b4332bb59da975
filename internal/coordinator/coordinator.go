// Package coordinator drives the job through its phases: split the
// input, dispatch map tasks, shuffle, dispatch reduce tasks, merge.
// It owns every phase transition and the retry policy; workers only
// execute and report.
package coordinator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/flaviotulioalmeida/mapreduce-redis/internal/logger"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/shuffle"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/splitter"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/storage"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/transport"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/types"
)

var (
	// ErrInvalidConfig rejects a job before any task is enqueued.
	ErrInvalidConfig = errors.New("invalid job configuration")
	// ErrRetryBudgetExhausted marks a phase whose task ran out of
	// attempts; the job is terminal, no partial output is final.
	ErrRetryBudgetExhausted = errors.New("task retry budget exhausted")
	// ErrJobLocked means another coordinator owns this job.
	ErrJobLocked = errors.New("job already owned by another coordinator")
)

// jobLockTTL bounds how long a crashed coordinator keeps the job
// locked; a live one refreshes it from the await loop.
const jobLockTTL = time.Hour

// Config for one job run.
type Config struct {
	InputFile   string
	NumChunks   int
	NumReducers int
	ChunksDir   string
	OutputFile  string

	MaxAttempts        int           // per-task attempt budget, default 3
	StallCheckInterval time.Duration // bounded wakeup for stall detection
	ClaimTimeout       time.Duration // window for a queued payload to be claimed before redelivery
}

func (c *Config) validate() error {
	if c.InputFile == "" {
		return fmt.Errorf("%w: input file is required", ErrInvalidConfig)
	}
	if c.NumChunks < 1 {
		return fmt.Errorf("%w: num chunks must be >= 1, got %d", ErrInvalidConfig, c.NumChunks)
	}
	if c.NumReducers < 1 {
		return fmt.Errorf("%w: num reducers must be >= 1, got %d", ErrInvalidConfig, c.NumReducers)
	}
	if c.ChunksDir == "" {
		c.ChunksDir = "chunks"
	}
	if c.OutputFile == "" {
		c.OutputFile = "finalresult.txt"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.StallCheckInterval <= 0 {
		c.StallCheckInterval = 500 * time.Millisecond
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 10 * time.Second
	}
	return nil
}

// Coordinator runs a single control loop per job. The job lock in the
// store keeps a second coordinator from enqueueing tasks twice; phase
// transitions are additionally compare-and-set so re-running one is a
// no-op.
type Coordinator struct {
	broker  transport.Broker
	store   storage.Store
	cfg     Config
	ownerID string
	tasks   map[string]types.Task // registry for requeue payloads
	logger  *logger.Logger
}

func New(broker transport.Broker, store storage.Store, cfg Config) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		broker:  broker,
		store:   store,
		cfg:     cfg,
		ownerID: "coordinator-" + uuid.New().String()[:8],
		tasks:   make(map[string]types.Task),
		logger:  logger.New("INFO"),
	}, nil
}

// Run executes the whole job and returns the final output path.
func (c *Coordinator) Run(ctx context.Context) (string, error) {
	ok, err := c.broker.AcquireJobLock(ctx, c.ownerID, jobLockTTL)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrJobLocked
	}
	defer func() {
		if err := c.broker.ReleaseJobLock(context.WithoutCancel(ctx), c.ownerID); err != nil {
			c.logger.Warn("Failed to release job lock: %v", err)
		}
	}()

	out, err := c.run(ctx)
	if err != nil {
		if ferr := c.broker.SetPhase(context.WithoutCancel(ctx), types.PhaseFailed); ferr != nil {
			c.logger.Error("Failed to record failed phase: %v", ferr)
		}
		return "", err
	}
	return out, nil
}

func (c *Coordinator) run(ctx context.Context) (string, error) {
	if err := c.broker.Reset(ctx); err != nil {
		return "", err
	}
	if err := c.broker.SetPhase(ctx, types.PhaseSplitting); err != nil {
		return "", err
	}

	c.logger.Info("Splitting %s into %d chunks", c.cfg.InputFile, c.cfg.NumChunks)
	chunks, err := splitter.Split(c.cfg.InputFile, c.cfg.NumChunks, c.cfg.ChunksDir)
	if err != nil {
		return "", fmt.Errorf("split failed: %w", err)
	}

	if err := c.dispatchMapTasks(ctx, chunks); err != nil {
		return "", err
	}
	if err := c.advancePhase(ctx, types.PhaseSplitting, types.PhaseMapping); err != nil {
		return "", err
	}

	c.logger.Info("Awaiting %d map tasks", len(chunks))
	if err := c.awaitStage(ctx, types.StageMap); err != nil {
		return "", err
	}

	partitionRefs, err := c.runShuffle(ctx, chunks)
	if err != nil {
		return "", err
	}

	if err := c.dispatchReduceTasks(ctx, partitionRefs); err != nil {
		return "", err
	}
	if err := c.advancePhase(ctx, types.PhaseShuffling, types.PhaseReducing); err != nil {
		return "", err
	}

	c.logger.Info("Awaiting %d reduce tasks", len(partitionRefs))
	if err := c.awaitStage(ctx, types.StageReduce); err != nil {
		return "", err
	}

	if err := c.advancePhase(ctx, types.PhaseReducing, types.PhaseMerging); err != nil {
		return "", err
	}
	out, err := c.Merge()
	if err != nil {
		return "", err
	}
	if err := c.advancePhase(ctx, types.PhaseMerging, types.PhaseDone); err != nil {
		return "", err
	}

	c.logger.Info("Job done: final result at %s", out)
	return out, nil
}

// advancePhase moves the job marker and fails the run when the stored
// phase is not the expected predecessor, which means another process
// moved the job underneath this coordinator.
func (c *Coordinator) advancePhase(ctx context.Context, from, to types.JobPhase) error {
	ok, err := c.broker.AdvancePhase(ctx, from, to)
	if err != nil {
		return err
	}
	if !ok {
		phase, perr := c.broker.Phase(ctx)
		if perr != nil {
			return fmt.Errorf("phase transition %s -> %s rejected: %w", from, to, perr)
		}
		return fmt.Errorf("phase transition %s -> %s rejected: job is in phase %s", from, to, phase)
	}
	return nil
}

func (c *Coordinator) dispatchMapTasks(ctx context.Context, chunks []types.Chunk) error {
	if err := c.broker.SetExpected(ctx, types.StageMap, int64(len(chunks))); err != nil {
		return err
	}
	for _, chunk := range chunks {
		task := types.Task{
			ID:       types.MapTaskID(chunk.ID),
			Stage:    types.StageMap,
			InputRef: chunk.Ref,
			Attempt:  1,
		}
		if err := c.dispatch(ctx, task); err != nil {
			return err
		}
	}
	c.logger.Info("Enqueued %d map tasks", len(chunks))
	return nil
}

func (c *Coordinator) dispatchReduceTasks(ctx context.Context, partitionRefs []string) error {
	if err := c.broker.SetExpected(ctx, types.StageReduce, int64(len(partitionRefs))); err != nil {
		return err
	}
	for p, ref := range partitionRefs {
		task := types.Task{
			ID:       types.ReduceTaskID(p),
			Stage:    types.StageReduce,
			InputRef: ref,
			Attempt:  1,
		}
		if err := c.dispatch(ctx, task); err != nil {
			return err
		}
	}
	c.logger.Info("Enqueued %d reduce tasks", len(partitionRefs))
	return nil
}

func (c *Coordinator) dispatch(ctx context.Context, task types.Task) error {
	if err := c.broker.RegisterTask(ctx, task, time.Now().Add(c.cfg.ClaimTimeout)); err != nil {
		return err
	}
	if err := c.broker.Enqueue(ctx, task); err != nil {
		return err
	}
	c.tasks[taskKey(task.Stage, task.ID)] = task
	return nil
}

func taskKey(stage types.Stage, id string) string { return string(stage) + "/" + id }

// awaitStage blocks until every expected task of the stage completed.
// It wakes on completion notifications for the common case and on a
// bounded ticker for stall detection, so worst-case retry latency is
// one stall-check interval past the task deadline.
func (c *Coordinator) awaitStage(ctx context.Context, stage types.Stage) error {
	sub, err := c.broker.Subscribe(ctx, c.broker.EventTopic(stage))
	if err != nil {
		return err
	}
	defer sub.Close()

	ticker := time.NewTicker(c.cfg.StallCheckInterval)
	defer ticker.Stop()

	for {
		counters, err := c.broker.Counters(ctx, stage)
		if err != nil {
			// Store unreachable: keep waiting and retry the read. The
			// phase must not advance on a transport error.
			c.logger.Warn("Failed to read %s counters: %v", stage, err)
		} else if counters.Satisfied() {
			c.logger.Info("Stage %s satisfied: %d/%d completed (%d attempt failures)",
				stage, counters.Completed, counters.Expected, counters.Failed)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, open := <-sub.Messages():
			if !open {
				return fmt.Errorf("notification stream for %s closed", stage)
			}
			rep, err := types.DecodeReport(msg)
			if err != nil {
				c.logger.Warn("Ignoring malformed notification: %v", err)
				continue
			}
			if rep.Status == types.TaskFailed {
				// Fast-path retry on explicit failure, no need to wait
				// for the deadline to lapse.
				if err := c.retry(ctx, stage, rep.TaskID, rep.Attempt); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if held, err := c.broker.RefreshJobLock(ctx, c.ownerID, jobLockTTL); err != nil {
				c.logger.Warn("Failed to refresh job lock: %v", err)
			} else if !held {
				return fmt.Errorf("%w: lock lost mid-run", ErrJobLocked)
			}
			if err := c.sweepStalled(ctx, stage); err != nil {
				return err
			}
		}
	}
}

// sweepStalled requeues tasks whose worker died without reporting,
// failed tasks whose failure notification was lost, and redelivers
// pending tasks whose queue payload vanished before any claim.
func (c *Coordinator) sweepStalled(ctx context.Context, stage types.Stage) error {
	ids, err := c.broker.ListTasks(ctx, stage)
	if err != nil {
		c.logger.Warn("Stall sweep failed to list %s tasks: %v", stage, err)
		return nil
	}
	now := time.Now()
	for _, id := range ids {
		state, err := c.broker.TaskState(ctx, stage, id)
		if err != nil {
			c.logger.Warn("Stall sweep failed to read %s: %v", id, err)
			continue
		}
		switch {
		case state.Stalled(now):
			c.logger.Warn("Task %s stalled on worker %s (attempt %d)", id, state.WorkerID, state.Attempt)
			if err := c.retry(ctx, stage, id, state.Attempt); err != nil {
				return err
			}
		case state.Status == types.TaskFailed:
			if err := c.retry(ctx, stage, id, state.Attempt); err != nil {
				return err
			}
		case state.Unclaimed(now):
			if err := c.redeliver(ctx, stage, id, state.Attempt); err != nil {
				return err
			}
		}
	}
	return nil
}

// redeliver re-pushes the payload of a pending task nothing claimed
// within its delivery window: a consumer died holding it, or the push
// was lost. The attempt stays the same, so a lost delivery never eats
// into the retry budget.
func (c *Coordinator) redeliver(ctx context.Context, stage types.Stage, taskID string, attempt int) error {
	task, ok := c.tasks[taskKey(stage, taskID)]
	if !ok {
		return fmt.Errorf("redelivery requested for unknown task %s/%s", stage, taskID)
	}
	task.Attempt = attempt
	redelivered, err := c.broker.Redeliver(ctx, task, time.Now().Add(c.cfg.ClaimTimeout))
	if err != nil {
		return err
	}
	if redelivered {
		c.logger.Warn("Redelivered %s (attempt %d): no claim within its delivery window", taskID, attempt)
	}
	return nil
}

// retry re-enqueues attempt fromAttempt of a task, or fails the phase
// when the budget is spent. The store-side attempt guard makes the
// explicit-failure path and the stall path converge safely: only one
// of them can requeue a given attempt.
func (c *Coordinator) retry(ctx context.Context, stage types.Stage, taskID string, fromAttempt int) error {
	if fromAttempt >= c.cfg.MaxAttempts {
		return fmt.Errorf("task %s failed after %d attempts: %w", taskID, fromAttempt, ErrRetryBudgetExhausted)
	}
	task, ok := c.tasks[taskKey(stage, taskID)]
	if !ok {
		return fmt.Errorf("retry requested for unknown task %s/%s", stage, taskID)
	}
	requeued, err := c.broker.Requeue(ctx, task, fromAttempt, time.Now().Add(c.cfg.ClaimTimeout))
	if err != nil {
		return err
	}
	if requeued {
		c.logger.Warn("Requeued %s as attempt %d", taskID, fromAttempt+1)
	}
	return nil
}

// runShuffle groups and partitions the map output. The Mapping →
// Shuffling transition is compare-and-set, so a second invocation
// finds the phase already advanced and returns the existing partition
// refs without re-running the shuffle.
func (c *Coordinator) runShuffle(ctx context.Context, chunks []types.Chunk) ([]string, error) {
	advanced, err := c.broker.AdvancePhase(ctx, types.PhaseMapping, types.PhaseShuffling)
	if err != nil {
		return nil, err
	}
	refs := make([]string, c.cfg.NumReducers)
	for p := range refs {
		refs[p] = types.PartitionRef(p)
	}
	if !advanced {
		phase, err := c.broker.Phase(ctx)
		if err != nil {
			return nil, err
		}
		if phase == types.PhaseMapping || phase == types.PhaseSplitting {
			return nil, fmt.Errorf("cannot shuffle from phase %s", phase)
		}
		c.logger.Info("Shuffle already ran (phase=%s), skipping", phase)
		return refs, nil
	}

	mapRefs := make([]string, len(chunks))
	for i, chunk := range chunks {
		mapRefs[i] = types.MapTaskID(chunk.ID)
	}

	engine, err := shuffle.NewEngine(c.store, c.cfg.NumReducers, c.logger)
	if err != nil {
		return nil, err
	}
	return engine.Run(mapRefs)
}

// Merge concatenates reducer outputs in ascending partition order into
// the final result file. Re-running after Done rewrites a byte-
// identical file: partition order is fixed and each reducer wrote its
// keys sorted.
func (c *Coordinator) Merge() (string, error) {
	if dir := filepath.Dir(c.cfg.OutputFile); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.cfg.OutputFile), "merge-*")
	if err != nil {
		return "", fmt.Errorf("failed to create merge file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for p := 0; p < c.cfg.NumReducers; p++ {
		records, err := c.store.ReadRecords(types.ReduceTaskID(p))
		if err != nil {
			tmp.Close()
			return "", fmt.Errorf("merge failed reading partition %d output: %w", p, err)
		}
		for _, rec := range records {
			if _, err := fmt.Fprintf(w, "%s\t%s\n", rec.Key, rec.Value); err != nil {
				tmp.Close()
				return "", fmt.Errorf("merge failed writing result: %w", err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("merge failed flushing result: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("merge failed closing result: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.cfg.OutputFile); err != nil {
		return "", fmt.Errorf("merge failed publishing result: %w", err)
	}
	return c.cfg.OutputFile, nil
}
