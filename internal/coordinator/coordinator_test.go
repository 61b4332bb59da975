package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/flaviotulioalmeida/mapreduce-redis/internal/shuffle"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/storage"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/transport"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/types"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/wordcount"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/worker"
)

// brokenMapper permanently fails, simulating a poisoned chunk.
type brokenMapper struct{}

func (brokenMapper) Map(key, value string) ([]types.KeyValue, error) {
	return nil, errors.New("injected permanent map failure")
}

type harness struct {
	broker *transport.Redis
	store  *storage.FS
	dir    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	broker, err := transport.New(context.Background(), transport.Config{Addr: mr.Addr(), Job: "test"})
	if err != nil {
		t.Fatalf("Failed to connect broker: %v", err)
	}
	t.Cleanup(func() { broker.Close() })

	dir := t.TempDir()
	store, err := storage.NewFS(filepath.Join(dir, "intermediate"))
	if err != nil {
		t.Fatalf("NewFS failed: %v", err)
	}
	return &harness{broker: broker, store: store, dir: dir}
}

func (h *harness) config(t *testing.T, numChunks, numReducers int, input string) Config {
	t.Helper()
	inputFile := filepath.Join(h.dir, "input.txt")
	if err := os.WriteFile(inputFile, []byte(input), 0644); err != nil {
		t.Fatalf("Failed to write input: %v", err)
	}
	return Config{
		InputFile:          inputFile,
		NumChunks:          numChunks,
		NumReducers:        numReducers,
		ChunksDir:          filepath.Join(h.dir, "chunks"),
		OutputFile:         filepath.Join(h.dir, "finalresult.txt"),
		MaxAttempts:        3,
		StallCheckInterval: 50 * time.Millisecond,
	}
}

func (h *harness) startWorkers(ctx context.Context, mapper wordcount.Mapper, n int) *sync.WaitGroup {
	reducer := wordcount.New()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		w := worker.New(h.broker, h.store, mapper, reducer, worker.Config{
			TaskTimeout:  2 * time.Second,
			PollInterval: 50 * time.Millisecond,
		})
		for _, stage := range []types.Stage{types.StageMap, types.StageReduce} {
			wg.Add(1)
			go func(stage types.Stage) {
				defer wg.Done()
				w.Run(ctx, stage)
			}(stage)
		}
	}
	return &wg
}

func readCounts(t *testing.T, path string) (map[string]int, []string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read final result: %v", err)
	}
	counts := make(map[string]int)
	var keys []string
	for _, line := range strings.Split(strings.TrimSuffix(string(data), "\n"), "\n") {
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, "\t")
		if !found {
			t.Fatalf("Malformed result line: %q", line)
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			t.Fatalf("Non-numeric count in result line %q: %v", line, err)
		}
		counts[key] = n
		keys = append(keys, key)
	}
	return counts, keys
}

func TestEndToEndWordCount(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wg := h.startWorkers(ctx, wordcount.New(), 2)
	defer func() { cancel(); wg.Wait() }()

	coord, err := New(h.broker, h.store, h.config(t, 2, 2, "a b a\nc b a\n"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	out, err := coord.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	counts, keys := readCounts(t, out)
	want := map[string]int{"a": 3, "b": 2, "c": 1}
	if len(counts) != len(want) {
		t.Fatalf("Expected %d distinct words, got %v", len(want), counts)
	}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("Count for %q: expected %d, got %d", k, n, counts[k])
		}
	}

	// The merge walks partitions in ascending order, so the partition
	// index of consecutive result keys never decreases.
	last := -1
	for _, k := range keys {
		p := shuffle.Partition(k, 2)
		if p < last {
			t.Errorf("Result not in partition order: key %q (partition %d) after partition %d", k, p, last)
		}
		if p > last {
			last = p
		}
	}

	phase, err := h.broker.Phase(ctx)
	if err != nil {
		t.Fatalf("Phase failed: %v", err)
	}
	if phase != types.PhaseDone {
		t.Errorf("Expected phase done, got %s", phase)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wg := h.startWorkers(ctx, wordcount.New(), 1)
	defer func() { cancel(); wg.Wait() }()

	coord, err := New(h.broker, h.store, h.config(t, 1, 3, "x y x z\ny x w\n"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	out, err := coord.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	first, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("Failed to read result: %v", err)
	}
	if _, err := coord.Merge(); err != nil {
		t.Fatalf("Second merge failed: %v", err)
	}
	second, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("Failed to re-read result: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("Merge not idempotent:\n%q\nvs\n%q", first, second)
	}
}

func TestStalledTaskIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	coord, err := New(h.broker, h.store, h.config(t, 1, 1, "a b a\n"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := coord.Run(ctx)
		done <- err
	}()

	// Impersonate a worker that claims the only map task and dies:
	// the claim's deadline is already in the past.
	task, err := h.broker.Dequeue(ctx, types.StageMap, 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to intercept map task: %v", err)
	}
	ok, err := h.broker.Claim(ctx, task, "worker-dead", time.Now().Add(-time.Second))
	if err != nil || !ok {
		t.Fatalf("Dead worker claim failed: ok=%v err=%v", ok, err)
	}

	// Healthy workers pick up the requeued second attempt.
	wg := h.startWorkers(ctx, wordcount.New(), 1)
	defer func() { cancel(); wg.Wait() }()

	if err := <-done; err != nil {
		t.Fatalf("Run failed after stall: %v", err)
	}

	counters, err := h.broker.Counters(ctx, types.StageMap)
	if err != nil {
		t.Fatalf("Counters failed: %v", err)
	}
	if counters.Completed != counters.Expected {
		t.Errorf("Expected completed == expected, got %+v", counters)
	}
	state, err := h.broker.TaskState(ctx, types.StageMap, task.ID)
	if err != nil {
		t.Fatalf("TaskState failed: %v", err)
	}
	if state.Status != types.TaskDone {
		t.Errorf("Expected task done after retry, got %s", state.Status)
	}
	if state.Attempt != 2 {
		t.Errorf("Expected retry to run as attempt 2, got %d", state.Attempt)
	}
}

func TestLostDeliveryIsRedelivered(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := h.config(t, 1, 1, "a b a\n")
	cfg.ClaimTimeout = 200 * time.Millisecond
	coord, err := New(h.broker, h.store, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := coord.Run(ctx)
		done <- err
	}()

	// Impersonate a worker that dequeues the only map task and dies
	// before claiming it: the payload is gone from the queue while the
	// task record still says pending.
	task, err := h.broker.Dequeue(ctx, types.StageMap, 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to intercept map task: %v", err)
	}

	// Healthy workers pick up the redelivered payload.
	wg := h.startWorkers(ctx, wordcount.New(), 1)
	defer func() { cancel(); wg.Wait() }()

	if err := <-done; err != nil {
		t.Fatalf("Run failed after lost delivery: %v", err)
	}

	state, err := h.broker.TaskState(ctx, types.StageMap, task.ID)
	if err != nil {
		t.Fatalf("TaskState failed: %v", err)
	}
	if state.Status != types.TaskDone {
		t.Errorf("Expected task done after redelivery, got %s", state.Status)
	}
	if state.Attempt != 1 {
		t.Errorf("Redelivery must not consume an attempt, ran as attempt %d", state.Attempt)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wg := h.startWorkers(ctx, brokenMapper{}, 1)
	defer func() { cancel(); wg.Wait() }()

	cfg := h.config(t, 1, 2, "a b a\n")
	cfg.MaxAttempts = 2
	coord, err := New(h.broker, h.store, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = coord.Run(ctx)
	if !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Fatalf("Expected ErrRetryBudgetExhausted, got %v", err)
	}

	phase, err := h.broker.Phase(ctx)
	if err != nil {
		t.Fatalf("Phase failed: %v", err)
	}
	if phase != types.PhaseFailed {
		t.Errorf("Expected phase failed, got %s", phase)
	}

	// The job never reached shuffling: no reduce work exists.
	reduceCounters, err := h.broker.Counters(ctx, types.StageReduce)
	if err != nil {
		t.Fatalf("Counters failed: %v", err)
	}
	if reduceCounters.Expected != 0 {
		t.Errorf("Reduce tasks were dispatched after a failed map phase: %+v", reduceCounters)
	}
	if _, err := h.store.ReadGroups(types.PartitionRef(0)); err == nil {
		t.Error("Shuffle output exists despite failed map phase")
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	cases := []Config{
		{InputFile: "", NumChunks: 1, NumReducers: 1},
		{InputFile: "in.txt", NumChunks: 0, NumReducers: 1},
		{InputFile: "in.txt", NumChunks: 1, NumReducers: 0},
	}
	for _, cfg := range cases {
		if _, err := New(nil, nil, cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("Config %+v: expected ErrInvalidConfig, got %v", cfg, err)
		}
	}
}

// phaseHijackBroker simulates a concurrent process moving the phase
// marker between two of the coordinator's transitions.
type phaseHijackBroker struct {
	transport.Broker
	hijackFrom types.JobPhase
}

func (b *phaseHijackBroker) AdvancePhase(ctx context.Context, from, to types.JobPhase) (bool, error) {
	if from == b.hijackFrom {
		if err := b.Broker.SetPhase(ctx, types.PhaseSplitting); err != nil {
			return false, err
		}
	}
	return b.Broker.AdvancePhase(ctx, from, to)
}

func TestConcurrentPhaseChangeAbortsRun(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wg := h.startWorkers(ctx, wordcount.New(), 1)
	defer func() { cancel(); wg.Wait() }()

	cfg := h.config(t, 1, 1, "a b a\n")
	broker := &phaseHijackBroker{Broker: h.broker, hijackFrom: types.PhaseReducing}
	coord, err := New(broker, h.store, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if out, err := coord.Run(ctx); err == nil {
		t.Fatalf("Expected a rejected phase transition to fail the job, got output %s", out)
	}

	phase, err := h.broker.Phase(ctx)
	if err != nil {
		t.Fatalf("Phase failed: %v", err)
	}
	if phase != types.PhaseFailed {
		t.Errorf("Expected phase failed, got %s", phase)
	}
	if _, err := os.Stat(cfg.OutputFile); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Final output published despite failed transition: stat err=%v", err)
	}
}

func TestSecondCoordinatorLockedOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ok, err := h.broker.AcquireJobLock(ctx, "other-coordinator", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Setup lock failed: ok=%v err=%v", ok, err)
	}

	coord, err := New(h.broker, h.store, h.config(t, 1, 1, "a\n"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := coord.Run(ctx); !errors.Is(err, ErrJobLocked) {
		t.Fatalf("Expected ErrJobLocked, got %v", err)
	}
}
