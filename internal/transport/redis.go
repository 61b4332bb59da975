package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flaviotulioalmeida/mapreduce-redis/internal/logger"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/types"
)

// Config for the Redis-backed broker.
type Config struct {
	Addr string // host:port of the Redis server
	DB   int
	Job  string // job namespace, prefixes every key
}

// Redis implements Broker on a single Redis server: lists for the task
// queues, hashes for task state, plain keys for counters and the phase
// marker, pub/sub for completion notifications. Lua scripts make the
// claim/report/requeue transitions atomic so concurrent workers cannot
// double-count a completion.
type Redis struct {
	client *redis.Client
	job    string
	logger *logger.Logger
}

var (
	// claimScript flips a pending task to in-progress iff the queue
	// payload's attempt matches the stored attempt. A duplicate queue
	// delivery or a payload from a superseded attempt returns 0.
	claimScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'attempt') ~= ARGV[1] then return 0 end
if redis.call('HGET', KEYS[1], 'status') ~= 'pending' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'in_progress', 'worker', ARGV[2], 'deadline', ARGV[3])
return 1`)

	// reportSuccessScript records completion and bumps the completed
	// counter in one step. The attempt and status guards make completion
	// accounting at-most-once per task: two racing reporters for the
	// same attempt cannot both pass the in_progress check.
	reportSuccessScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'attempt') ~= ARGV[1] then return 0 end
if redis.call('HGET', KEYS[1], 'status') ~= 'in_progress' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'done', 'worker', ARGV[2], 'output', ARGV[3], 'deadline', '0')
redis.call('INCR', KEYS[2])
return 1`)

	reportFailureScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'attempt') ~= ARGV[1] then return 0 end
if redis.call('HGET', KEYS[1], 'status') ~= 'in_progress' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'failed', 'worker', ARGV[2], 'error', ARGV[3], 'deadline', '0')
redis.call('INCR', KEYS[2])
return 1`)

	// requeueScript retries a stalled or failed attempt: bump the
	// attempt, reset to pending with a fresh claim deadline, push the
	// new payload. The attempt guard keeps the explicit-failure path
	// and the stall-timeout path from both requeueing the same attempt.
	requeueScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'attempt') ~= ARGV[1] then return 0 end
local st = redis.call('HGET', KEYS[1], 'status')
if st ~= 'in_progress' and st ~= 'failed' then return 0 end
redis.call('HSET', KEYS[1], 'attempt', ARGV[2], 'status', 'pending', 'worker', '', 'deadline', ARGV[4], 'error', '')
redis.call('RPUSH', KEYS[2], ARGV[3])
return 1`)

	// redeliverScript re-pushes a payload whose delivery was lost while
	// the task stayed pending: a consumer popped it and died before
	// claiming. The attempt is not bumped; the claim guard makes a
	// surviving duplicate harmless.
	redeliverScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'attempt') ~= ARGV[1] then return 0 end
if redis.call('HGET', KEYS[1], 'status') ~= 'pending' then return 0 end
redis.call('HSET', KEYS[1], 'deadline', ARGV[2])
redis.call('RPUSH', KEYS[2], ARGV[3])
return 1`)

	compareAndSetScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2])
  return 1
end
return 0`)

	refreshLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0`)

	releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0`)
)

// New connects to Redis and verifies the server is reachable.
func New(ctx context.Context, cfg Config) (*Redis, error) {
	if cfg.Job == "" {
		cfg.Job = "wordcount"
	}

	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		DB:         cfg.DB,
		MaxRetries: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis unreachable at %s: %w", cfg.Addr, err)
	}

	return &Redis{
		client: client,
		job:    cfg.Job,
		logger: logger.New("INFO"),
	}, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(parts ...string) string {
	k := "mr:" + r.job
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *Redis) queueKey(stage types.Stage) string   { return r.key("queue", string(stage)) }
func (r *Redis) taskSetKey(stage types.Stage) string { return r.key("tasks", string(stage)) }
func (r *Redis) taskKey(stage types.Stage, id string) string {
	return r.key("task", string(stage), id)
}
func (r *Redis) counterKey(stage types.Stage, name string) string {
	return r.key("counter", string(stage), name)
}

// EventTopic names the completion notification channel for a stage.
func (r *Redis) EventTopic(stage types.Stage) string { return r.key("events", string(stage)) }

// --- TaskQueue ---

func (r *Redis) Enqueue(ctx context.Context, task types.Task) error {
	payload, err := task.Encode()
	if err != nil {
		return err
	}
	if err := r.client.RPush(ctx, r.queueKey(task.Stage), payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", task.ID, err)
	}
	return nil
}

func (r *Redis) Dequeue(ctx context.Context, stage types.Stage, timeout time.Duration) (types.Task, error) {
	res, err := r.client.BLPop(ctx, timeout, r.queueKey(stage)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.Task{}, ErrNoTask
		}
		return types.Task{}, fmt.Errorf("failed to dequeue %s task: %w", stage, err)
	}
	// BLPOP returns [key, value].
	return types.DecodeTask(res[1])
}

// --- CompletionStore ---

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) IncrementAtomic(ctx context.Context, counter string) (int64, error) {
	n, err := r.client.Incr(ctx, counter).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", counter, err)
	}
	return n, nil
}

func (r *Redis) CompareAndSet(ctx context.Context, key, expected, value string) (bool, error) {
	n, err := compareAndSetScript.Run(ctx, r.client, []string{key}, expected, value).Int()
	if err != nil {
		return false, fmt.Errorf("failed to compare-and-set %s: %w", key, err)
	}
	return n == 1, nil
}

// --- Notifier ---

func (r *Redis) Publish(ctx context.Context, topic, message string) error {
	if err := r.client.Publish(ctx, topic, message).Err(); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", topic, err)
	}
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan string
	done   chan struct{}
}

func (s *redisSubscription) Messages() <-chan string { return s.ch }

func (s *redisSubscription) Close() error {
	close(s.done)
	return s.pubsub.Close()
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, topic)

	// Confirm the subscription is live before returning so callers
	// cannot miss notifications published right after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan string, 64),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.ch)
		for {
			select {
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				select {
				case sub.ch <- msg.Payload:
				case <-sub.done:
					return
				}
			case <-sub.done:
				return
			}
		}
	}()

	return sub, nil
}

// --- TaskStates ---

func (r *Redis) RegisterTask(ctx context.Context, task types.Task, claimBy time.Time) error {
	key := r.taskKey(task.Stage, task.ID)
	if err := r.client.HSet(ctx, key,
		"attempt", task.Attempt,
		"status", string(types.TaskPending),
		"input", task.InputRef,
		"worker", "",
		"deadline", strconv.FormatInt(claimBy.UnixMilli(), 10),
	).Err(); err != nil {
		return fmt.Errorf("failed to register task %s: %w", task.ID, err)
	}
	if err := r.client.SAdd(ctx, r.taskSetKey(task.Stage), task.ID).Err(); err != nil {
		return fmt.Errorf("failed to index task %s: %w", task.ID, err)
	}
	return nil
}

func (r *Redis) Claim(ctx context.Context, task types.Task, workerID string, deadline time.Time) (bool, error) {
	n, err := claimScript.Run(ctx, r.client,
		[]string{r.taskKey(task.Stage, task.ID)},
		strconv.Itoa(task.Attempt), workerID, strconv.FormatInt(deadline.UnixMilli(), 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to claim task %s: %w", task.ID, err)
	}
	return n == 1, nil
}

func (r *Redis) ReportSuccess(ctx context.Context, task types.Task, workerID, outputRef string) (bool, error) {
	n, err := reportSuccessScript.Run(ctx, r.client,
		[]string{r.taskKey(task.Stage, task.ID), r.counterKey(task.Stage, "completed")},
		strconv.Itoa(task.Attempt), workerID, outputRef,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to report success for task %s: %w", task.ID, err)
	}
	return n == 1, nil
}

func (r *Redis) ReportFailure(ctx context.Context, task types.Task, workerID string, cause error) (bool, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	n, err := reportFailureScript.Run(ctx, r.client,
		[]string{r.taskKey(task.Stage, task.ID), r.counterKey(task.Stage, "failed")},
		strconv.Itoa(task.Attempt), workerID, msg,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to report failure for task %s: %w", task.ID, err)
	}
	return n == 1, nil
}

func (r *Redis) Requeue(ctx context.Context, task types.Task, fromAttempt int, claimBy time.Time) (bool, error) {
	next := task
	next.Attempt = fromAttempt + 1
	payload, err := next.Encode()
	if err != nil {
		return false, err
	}
	n, err := requeueScript.Run(ctx, r.client,
		[]string{r.taskKey(task.Stage, task.ID), r.queueKey(task.Stage)},
		strconv.Itoa(fromAttempt), strconv.Itoa(fromAttempt+1), payload,
		strconv.FormatInt(claimBy.UnixMilli(), 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to requeue task %s: %w", task.ID, err)
	}
	return n == 1, nil
}

func (r *Redis) Redeliver(ctx context.Context, task types.Task, claimBy time.Time) (bool, error) {
	payload, err := task.Encode()
	if err != nil {
		return false, err
	}
	n, err := redeliverScript.Run(ctx, r.client,
		[]string{r.taskKey(task.Stage, task.ID), r.queueKey(task.Stage)},
		strconv.Itoa(task.Attempt), strconv.FormatInt(claimBy.UnixMilli(), 10), payload,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to redeliver task %s: %w", task.ID, err)
	}
	return n == 1, nil
}

func (r *Redis) TaskState(ctx context.Context, stage types.Stage, taskID string) (types.TaskState, error) {
	fields, err := r.client.HGetAll(ctx, r.taskKey(stage, taskID)).Result()
	if err != nil {
		return types.TaskState{}, fmt.Errorf("failed to read task %s: %w", taskID, err)
	}
	if len(fields) == 0 {
		return types.TaskState{}, fmt.Errorf("task not found: %s/%s", stage, taskID)
	}

	attempt, _ := strconv.Atoi(fields["attempt"])
	deadlineMs, _ := strconv.ParseInt(fields["deadline"], 10, 64)

	state := types.TaskState{
		Attempt:   attempt,
		Status:    types.TaskStatus(fields["status"]),
		WorkerID:  fields["worker"],
		OutputRef: fields["output"],
	}
	if deadlineMs > 0 {
		state.Deadline = time.UnixMilli(deadlineMs)
	}
	return state, nil
}

func (r *Redis) ListTasks(ctx context.Context, stage types.Stage) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.taskSetKey(stage)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s tasks: %w", stage, err)
	}
	return ids, nil
}

// --- Job-level state ---

func (r *Redis) Counters(ctx context.Context, stage types.Stage) (types.PhaseCounters, error) {
	var counters types.PhaseCounters
	for _, c := range []struct {
		name string
		dst  *int64
	}{
		{"expected", &counters.Expected},
		{"completed", &counters.Completed},
		{"failed", &counters.Failed},
	} {
		v, err := r.Get(ctx, r.counterKey(stage, c.name))
		if err != nil {
			return types.PhaseCounters{}, err
		}
		if v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return types.PhaseCounters{}, fmt.Errorf("corrupt counter %s/%s: %w", stage, c.name, err)
			}
			*c.dst = n
		}
	}
	return counters, nil
}

func (r *Redis) SetExpected(ctx context.Context, stage types.Stage, n int64) error {
	return r.Set(ctx, r.counterKey(stage, "expected"), strconv.FormatInt(n, 10))
}

func (r *Redis) Phase(ctx context.Context) (types.JobPhase, error) {
	v, err := r.Get(ctx, r.key("phase"))
	if err != nil {
		return "", err
	}
	return types.JobPhase(v), nil
}

func (r *Redis) AdvancePhase(ctx context.Context, from, to types.JobPhase) (bool, error) {
	return r.CompareAndSet(ctx, r.key("phase"), string(from), string(to))
}

func (r *Redis) SetPhase(ctx context.Context, phase types.JobPhase) error {
	return r.Set(ctx, r.key("phase"), string(phase))
}

func (r *Redis) AcquireJobLock(ctx context.Context, ownerID string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key("lock"), ownerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire job lock: %w", err)
	}
	return ok, nil
}

func (r *Redis) RefreshJobLock(ctx context.Context, ownerID string, ttl time.Duration) (bool, error) {
	n, err := refreshLockScript.Run(ctx, r.client,
		[]string{r.key("lock")},
		ownerID, strconv.FormatInt(ttl.Milliseconds(), 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to refresh job lock: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) ReleaseJobLock(ctx context.Context, ownerID string) error {
	n, err := releaseLockScript.Run(ctx, r.client, []string{r.key("lock")}, ownerID).Int()
	if err != nil {
		return fmt.Errorf("failed to release job lock: %w", err)
	}
	if n != 1 {
		return ErrNotHeld
	}
	return nil
}

// Reset clears every queue, counter, task record and the phase marker
// from a previous run of this job. The job lock is left alone.
func (r *Redis) Reset(ctx context.Context) error {
	keys := []string{r.key("phase")}
	for _, stage := range []types.Stage{types.StageMap, types.StageReduce} {
		ids, err := r.ListTasks(ctx, stage)
		if err != nil {
			return err
		}
		for _, id := range ids {
			keys = append(keys, r.taskKey(stage, id))
		}
		keys = append(keys,
			r.queueKey(stage),
			r.taskSetKey(stage),
			r.counterKey(stage, "expected"),
			r.counterKey(stage, "completed"),
			r.counterKey(stage, "failed"),
		)
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to reset job state: %w", err)
	}
	return nil
}
