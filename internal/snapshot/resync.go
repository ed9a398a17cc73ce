package snapshot

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Resyncer refetches snapshots on a cron schedule and replaces them in the
// target wholesale.
type Resyncer struct {
	fetcher *Fetcher
	target  Target
	ids     []string
	logger  *zap.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	jobCtx context.Context
	cancel context.CancelFunc
}

// NewResyncer validates schedule (standard five-field cron or a descriptor
// such as "@every 5m") and returns a stopped resyncer.
func NewResyncer(fetcher *Fetcher, target Target, ids []string, schedule string, logger *zap.Logger) (*Resyncer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse resync schedule %q: %w", schedule, err)
	}

	r := &Resyncer{
		fetcher: fetcher,
		target:  target,
		ids:     append([]string(nil), ids...),
		logger:  logger,
	}
	r.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger{logger}),
		cron.SkipIfStillRunning(cronLogger{logger}),
	))
	r.cron.Schedule(sched, cron.FuncJob(r.tick))
	return r, nil
}

// Start begins scheduling. Jobs stop when ctx ends or Stop is called.
func (r *Resyncer) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.jobCtx = ctx
	r.cron.Start()
}

// Stop halts scheduling and waits for a running resync to finish.
func (r *Resyncer) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.jobCtx = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-r.cron.Stop().Done()
}

// RunOnce refetches every id now. Failed fetches keep the current snapshot.
func (r *Resyncer) RunOnce(ctx context.Context) int {
	refreshed := 0
	for _, id := range r.ids {
		if ctx.Err() != nil {
			break
		}
		snap, err := r.fetcher.Fetch(ctx, id)
		if err != nil {
			r.logger.Warn("snapshot resync failed",
				zap.String("read_model", id),
				zap.Error(err),
			)
			continue
		}
		r.target.Replace(id, snap)
		refreshed++
	}
	r.logger.Debug("snapshot resync complete",
		zap.Int("refreshed", refreshed),
		zap.Int("total", len(r.ids)),
	)
	return refreshed
}

func (r *Resyncer) tick() {
	r.mu.Lock()
	ctx := r.jobCtx
	r.mu.Unlock()
	if ctx == nil {
		return
	}
	r.RunOnce(ctx)
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
