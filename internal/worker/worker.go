// Package worker implements the stateless task-execution runtime.
// A worker owns nothing between tasks: it claims one task, runs the
// stage's user function over the task input, writes output addressed
// by the task id and reports the outcome. Crash recovery is entirely
// the coordinator's stall detection.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/flaviotulioalmeida/mapreduce-redis/internal/logger"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/storage"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/transport"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/types"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/wordcount"
)

// Config for a worker runtime.
type Config struct {
	ID           string        // optional; generated when empty
	TaskTimeout  time.Duration // per-attempt deadline stamped on claim
	PollInterval time.Duration // blocking-dequeue window per iteration
}

// Worker pulls tasks for one or both stages and executes them.
type Worker struct {
	id      string
	broker  transport.Broker
	store   storage.Store
	mapper  wordcount.Mapper
	reducer wordcount.Reducer
	cfg     Config
	logger  *logger.Logger
}

func New(broker transport.Broker, store storage.Store, mapper wordcount.Mapper, reducer wordcount.Reducer, cfg Config) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.New().String()[:8]
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{
		id:      cfg.ID,
		broker:  broker,
		store:   store,
		mapper:  mapper,
		reducer: reducer,
		cfg:     cfg,
		logger:  logger.New("INFO"),
	}
}

// ID returns the worker's identity as recorded on claimed tasks.
func (w *Worker) ID() string { return w.id }

// Run consumes tasks for the stage until the context is cancelled.
func (w *Worker) Run(ctx context.Context, stage types.Stage) error {
	w.logger.Info("Worker %s starting: stage=%s", w.id, stage)
	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("Worker %s stopping: %v", w.id, err)
			return err
		}
		if _, err := w.ProcessNext(ctx, stage); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			// Transport hiccups are retried on the next iteration
			// rather than killing the worker.
			w.logger.Warn("Worker %s: %v", w.id, err)
			select {
			case <-time.After(w.cfg.PollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// ProcessNext dequeues and executes at most one task. It returns false
// when the blocking window elapsed with no task, and true when a task
// was consumed from the queue, whether it was executed or discarded as
// a stale duplicate.
func (w *Worker) ProcessNext(ctx context.Context, stage types.Stage) (bool, error) {
	task, err := w.broker.Dequeue(ctx, stage, w.cfg.PollInterval)
	if err != nil {
		if errors.Is(err, transport.ErrNoTask) {
			return false, nil
		}
		return false, err
	}

	claimed, err := w.broker.Claim(ctx, task, w.id, time.Now().Add(w.cfg.TaskTimeout))
	if err != nil {
		return true, err
	}
	if !claimed {
		// Duplicate delivery, or the payload belongs to a superseded
		// attempt. The live attempt is tracked elsewhere.
		w.logger.Warn("Worker %s discarding stale delivery of %s (attempt %d)", w.id, task.ID, task.Attempt)
		return true, nil
	}

	w.logger.Info("Worker %s executing %s (attempt %d)", w.id, task.ID, task.Attempt)
	outputRef, execErr := w.execute(task)
	if execErr != nil {
		w.logger.Error("Worker %s failed %s (attempt %d): %v", w.id, task.ID, task.Attempt, execErr)
		return true, w.report(ctx, task, types.TaskFailed, "", execErr)
	}
	return true, w.report(ctx, task, types.TaskDone, outputRef, nil)
}

func (w *Worker) execute(task types.Task) (string, error) {
	switch task.Stage {
	case types.StageMap:
		return w.executeMap(task)
	case types.StageReduce:
		return w.executeReduce(task)
	default:
		return "", fmt.Errorf("unknown task stage %q", task.Stage)
	}
}

// executeMap runs the map function over every line of the chunk and
// writes the emitted pairs under the task id.
func (w *Worker) executeMap(task types.Task) (string, error) {
	file, err := os.Open(task.InputRef)
	if err != nil {
		return "", fmt.Errorf("failed to open chunk %s: %w", task.InputRef, err)
	}
	defer file.Close()

	var emitted []types.KeyValue
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		kvs, err := w.mapper.Map(task.InputRef, scanner.Text())
		if err != nil {
			return "", fmt.Errorf("map function failed on %s: %w", task.InputRef, err)
		}
		emitted = append(emitted, kvs...)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read chunk %s: %w", task.InputRef, err)
	}

	if err := w.store.WriteRecords(task.ID, emitted); err != nil {
		return "", err
	}
	return task.ID, nil
}

// executeReduce applies the reduce function to every key group of the
// task's partition and writes the aggregates, sorted by key, under the
// task id.
func (w *Worker) executeReduce(task types.Task) (string, error) {
	groups, err := w.store.ReadGroups(task.InputRef)
	if err != nil {
		return "", err
	}

	out := make([]types.KeyValue, 0, len(groups))
	for _, g := range groups {
		v, err := w.reducer.Reduce(g.Key, g.Values)
		if err != nil {
			return "", fmt.Errorf("reduce function failed on %q: %w", g.Key, err)
		}
		out = append(out, types.KeyValue{Key: g.Key, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	if err := w.store.WriteRecords(task.ID, out); err != nil {
		return "", err
	}
	return task.ID, nil
}

// report records the outcome in the completion store and, when the
// record was accepted, publishes the notification that wakes the
// coordinator. A rejected record means this attempt was superseded;
// the result on disk is harmless because a retry overwrites it.
func (w *Worker) report(ctx context.Context, task types.Task, status types.TaskStatus, outputRef string, cause error) error {
	var accepted bool
	var err error
	if status == types.TaskDone {
		accepted, err = w.broker.ReportSuccess(ctx, task, w.id, outputRef)
	} else {
		accepted, err = w.broker.ReportFailure(ctx, task, w.id, cause)
	}
	if err != nil {
		return err
	}
	if !accepted {
		w.logger.Warn("Worker %s: late report for %s (attempt %d) discarded", w.id, task.ID, task.Attempt)
		return nil
	}

	rep := types.CompletionReport{
		TaskID:    task.ID,
		Stage:     task.Stage,
		Attempt:   task.Attempt,
		WorkerID:  w.id,
		Status:    status,
		OutputRef: outputRef,
	}
	if cause != nil {
		rep.Error = cause.Error()
	}
	msg, err := rep.Encode()
	if err != nil {
		return err
	}
	return w.broker.Publish(ctx, w.broker.EventTopic(task.Stage), msg)
}
