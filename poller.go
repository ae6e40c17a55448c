package jiggler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// pollerFleetSize is the process count below which the poll interval is
// stretched, so a small fleet does not hit the sets in lockstep.
const pollerFleetSize = 10

// Poller runs the Enqueuer periodically with a randomized interval.
type Poller struct {
	cmd         redis.Cmdable
	keys        keyspace
	enqueuer    *Enqueuer
	interval    time.Duration
	initialWait time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewPoller(cmd redis.Cmdable, opts ...Option) *Poller {
	return newPoller(cmd, newOptions(opts...))
}

func newPoller(cmd redis.Cmdable, opt Options) *Poller {
	return &Poller{
		cmd:         cmd,
		keys:        keyspace{prefix: opt.Prefix},
		enqueuer:    newEnqueuer(cmd, opt),
		interval:    opt.PollInterval,
		initialWait: opt.PollerInitialWait,
		logger:      opt.Logger.With(slog.String("component", "poller")),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the polling goroutine. It is a no-op if already running.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts polling and waits for an in-progress pass to finish.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	if !p.sleep(ctx, p.initialWait+randDuration(p.initialWait/2)) {
		return
	}
	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("poll failed", slog.String("error", err.Error()))
		}
		if !p.sleep(ctx, p.nextInterval(ctx)) {
			return
		}
	}
}

// Poll runs one enqueue pass.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	n, err := p.enqueuer.EnqueueJobs(ctx)
	if n > 0 {
		p.logger.Debug("enqueued due jobs", slog.Int("count", n))
	}
	return n, err
}

func (p *Poller) nextInterval(ctx context.Context) time.Duration {
	count, err := p.processCount(ctx)
	if err != nil {
		p.logger.Warn("could not count processes", slog.String("error", err.Error()))
	}
	if count < pollerFleetSize {
		return randDuration(p.interval) + p.interval/2
	}
	return randDuration(p.interval)
}

func (p *Poller) processCount(ctx context.Context) (int, error) {
	keys, err := scanKeys(ctx, p.cmd, p.keys.processPattern())
	return len(keys), err
}

// sleep waits d and reports whether polling should continue.
func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-p.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func randDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d))) //nolint:gosec // scheduling jitter
}
