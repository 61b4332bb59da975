// Package monitor reports job progress by polling the completion
// store's phase marker and counters.
package monitor

import (
	"context"
	"time"

	"github.com/flaviotulioalmeida/mapreduce-redis/internal/logger"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/transport"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/types"
)

// Monitor prints a periodic progress line per stage until the job
// reaches a terminal phase or the context is cancelled.
type Monitor struct {
	broker   transport.Broker
	interval time.Duration
	logger   *logger.Logger
}

func New(broker transport.Broker, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Monitor{
		broker:   broker,
		interval: interval,
		logger:   logger.New("INFO"),
	}
}

// Run polls until the job is done or failed.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		phase, err := m.broker.Phase(ctx)
		if err != nil {
			m.logger.Warn("Monitor failed to read phase: %v", err)
			continue
		}
		m.report(ctx, phase)

		if phase == types.PhaseDone || phase == types.PhaseFailed {
			return nil
		}
	}
}

func (m *Monitor) report(ctx context.Context, phase types.JobPhase) {
	printed := false
	for _, stage := range []types.Stage{types.StageMap, types.StageReduce} {
		counters, err := m.broker.Counters(ctx, stage)
		if err != nil {
			m.logger.Warn("Monitor failed to read %s counters: %v", stage, err)
			return
		}
		if counters.Expected > 0 {
			m.logger.Info("Phase %s | %s: %d/%d completed, %d attempt failures",
				phase, stage, counters.Completed, counters.Expected, counters.Failed)
			printed = true
		}
	}
	if !printed {
		m.logger.Info("Phase %s", phase)
	}
}
