package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/flaviotulioalmeida/mapreduce-redis/internal/coordinator"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/datagen"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/monitor"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/storage"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/transport"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/types"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/wordcount"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/worker"
)

type options struct {
	redisAddr   string
	job         string
	inputFile   string
	numChunks   int
	numReducers int
	chunksDir   string
	storageDir  string
	outputFile  string
	stage       string
	numWorkers  int
	taskTimeout time.Duration
	maxAttempts int
	sizeMB      int
	interval    time.Duration
}

func main() {
	mode := flag.String("mode", "local", "Mode: 'coordinator', 'worker', 'monitor', 'generate' or 'local' (everything in one process)")

	var opts options
	flag.StringVar(&opts.redisAddr, "redis-addr", "localhost:6379", "Redis server address")
	flag.StringVar(&opts.job, "job", "wordcount", "Job namespace used for all Redis keys")
	flag.StringVar(&opts.inputFile, "input-file", "data/data.txt", "Path to the input file")
	flag.IntVar(&opts.numChunks, "num-chunks", 10, "Number of chunks to split the input file into")
	flag.IntVar(&opts.numReducers, "num-reducers", 5, "Number of reduce partitions")
	flag.StringVar(&opts.chunksDir, "chunks-dir", "chunks", "Directory for input chunks")
	flag.StringVar(&opts.storageDir, "storage-dir", "intermediate", "Directory for intermediate and reducer output records")
	flag.StringVar(&opts.outputFile, "output-file", "finalresult.txt", "Path of the merged final result")
	flag.StringVar(&opts.stage, "stage", "both", "Worker stage: 'map', 'reduce' or 'both'")
	flag.IntVar(&opts.numWorkers, "num-workers", 3, "Worker count in local mode")
	flag.DurationVar(&opts.taskTimeout, "task-timeout", 10*time.Second, "Per-attempt task deadline")
	flag.IntVar(&opts.maxAttempts, "max-attempts", 3, "Attempt budget per task")
	flag.IntVar(&opts.sizeMB, "size-mb", 100, "Approximate data size in MB for generate mode")
	flag.DurationVar(&opts.interval, "interval", 2*time.Second, "Monitor poll interval")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch *mode {
	case "generate":
		err = datagen.Generate(opts.inputFile, opts.sizeMB, 10)
	case "coordinator":
		err = runCoordinator(ctx, opts)
	case "worker":
		err = runWorkers(ctx, opts, 1)
	case "monitor":
		err = runMonitor(ctx, opts)
	case "local":
		err = runLocal(ctx, opts)
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode: %s\n", *mode)
		os.Exit(1)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("[%s] %v", *mode, err)
	}
}

func connect(ctx context.Context, opts options) (*transport.Redis, *storage.FS, error) {
	broker, err := transport.New(ctx, transport.Config{Addr: opts.redisAddr, Job: opts.job})
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.NewFS(opts.storageDir)
	if err != nil {
		broker.Close()
		return nil, nil, err
	}
	return broker, store, nil
}

func runCoordinator(ctx context.Context, opts options) error {
	broker, store, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer broker.Close()

	coord, err := coordinator.New(broker, store, coordinator.Config{
		InputFile:   opts.inputFile,
		NumChunks:   opts.numChunks,
		NumReducers: opts.numReducers,
		ChunksDir:   opts.chunksDir,
		OutputFile:  opts.outputFile,
		MaxAttempts: opts.maxAttempts,
	})
	if err != nil {
		return err
	}

	out, err := coord.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Final result written to %s\n", out)
	return nil
}

func runWorkers(ctx context.Context, opts options, count int) error {
	broker, store, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer broker.Close()

	wc := wordcount.New()
	stages := []types.Stage{types.StageMap, types.StageReduce}
	switch opts.stage {
	case "map":
		stages = stages[:1]
	case "reduce":
		stages = stages[1:]
	case "both":
	default:
		return fmt.Errorf("unknown stage %q", opts.stage)
	}

	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		w := worker.New(broker, store, wc, wc, worker.Config{TaskTimeout: opts.taskTimeout})
		for _, stage := range stages {
			wg.Add(1)
			go func(stage types.Stage) {
				defer wg.Done()
				w.Run(ctx, stage)
			}(stage)
		}
	}
	wg.Wait()
	return ctx.Err()
}

func runMonitor(ctx context.Context, opts options) error {
	broker, _, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer broker.Close()
	return monitor.New(broker, opts.interval).Run(ctx)
}

// runLocal drives a full job with in-process workers against one Redis
// server, the single-machine equivalent of running the coordinator and
// a worker fleet separately.
func runLocal(ctx context.Context, opts options) error {
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runWorkers(workerCtx, opts, opts.numWorkers); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[local] workers: %v", err)
		}
	}()

	err := runCoordinator(ctx, opts)
	stopWorkers()
	wg.Wait()
	return err
}
