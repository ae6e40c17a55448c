package jiggler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Manager owns a fixed number of workers, replaces the ones that crash and
// coordinates the fetcher and acknowledger on shutdown.
type Manager struct {
	opt      Options
	fetcher  Fetcher
	acker    Acknowledger
	retrier  *Retrier
	registry *Registry
	stats    *Stats
	tracer   trace.Tracer
	logger   *slog.Logger

	// replacements are paced so a store outage does not spin crashing workers.
	replace  *rate.Limiter
	// hardWait bounds the wait for workers after they were cancelled.
	hardWait time.Duration

	runCtx context.Context
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	workers map[*worker]struct{}
	started bool
	done    bool

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager builds a manager whose fetcher reserves jobs under identity.
func NewManager(cmd redis.Cmdable, registry *Registry, stats *Stats, identity string, opts ...Option) *Manager {
	return newManager(cmd, registry, stats, identity, newOptions(opts...))
}

func newManager(cmd redis.Cmdable, registry *Registry, stats *Stats, identity string, opt Options) *Manager {
	if stats == nil {
		stats = NewStats(opt.Meter)
	}
	tracer := opt.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return &Manager{
		opt:      opt,
		fetcher:  newFetcher(cmd, opt, identity),
		acker:    newAcknowledger(opt),
		retrier:  newRetrier(cmd, opt),
		registry: registry,
		stats:    stats,
		tracer:   tracer,
		logger:   opt.Logger.With(slog.String("component", "manager")),
		replace:  rate.NewLimiter(rate.Every(time.Second), opt.Concurrency),
		hardWait: ackTimeout,
		workers:  make(map[*worker]struct{}),
	}
}

// Start launches the acknowledger, the fetcher and Concurrency workers.
// Cancelling ctx does not stop them; use Suspend and Terminate.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.runCtx, m.cancel = context.WithCancelCause(context.WithoutCancel(ctx))
	m.mu.Unlock()

	m.acker.Start()
	m.fetcher.Start(m.runCtx)
	for i := 0; i < m.opt.Concurrency; i++ {
		m.spawn()
	}
	m.logger.Info("manager started",
		slog.Int("concurrency", m.opt.Concurrency),
		slog.String("mode", string(m.opt.Mode)),
	)
	return nil
}

func (m *Manager) spawn() {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	w := &worker{
		id:       newWorkerID(),
		fetcher:  m.fetcher,
		acker:    m.acker,
		retrier:  m.retrier,
		registry: m.registry,
		stats:    m.stats,
		tracer:   m.tracer,
	}
	w.logger = m.opt.Logger.With(slog.String("component", "worker"), slog.String("tid", w.id))
	m.workers[w] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		err := w.run(m.runCtx)
		m.exited(w, err)
	}()
}

// exited removes w and starts a replacement unless the manager is shutting
// down. It runs on the exiting worker's goroutine, before wg.Done.
func (m *Manager) exited(w *worker, err error) {
	m.mu.Lock()
	delete(m.workers, w)
	done := m.done
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("worker crashed",
			slog.String("tid", w.id),
			slog.String("error", err.Error()),
		)
	}
	if done {
		return
	}
	if werr := m.replace.Wait(m.runCtx); werr != nil {
		return
	}
	m.spawn()
}

// Suspend stops workers from taking new jobs and the fetcher from reading.
func (m *Manager) Suspend() {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	for w := range m.workers {
		w.stop.Store(true)
	}
	m.mu.Unlock()
	m.logger.Info("manager suspended")
	m.fetcher.Suspend()
}

// Terminate suspends, waits ShutdownTimeout for in-flight jobs, then cancels
// the rest with ErrShutdown as cause. Workers still running a short while
// after the cancel are abandoned. It returns once undelivered jobs were
// handed back and pending acks were drained.
func (m *Manager) Terminate() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return
	}

	m.stopOnce.Do(func() {
		m.Suspend()

		finished := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(finished)
		}()

		timer := time.NewTimer(m.opt.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-finished:
		case <-timer.C:
			m.logger.Warn("shutdown timeout reached, interrupting running jobs",
				slog.Int("busy", len(m.stats.CurrentJobs())),
			)
			m.cancel(ErrShutdown)
			abandon := time.NewTimer(m.hardWait)
			defer abandon.Stop()
			select {
			case <-finished:
			case <-abandon.C:
				m.logger.Error("abandoning workers that ignore cancellation",
					slog.Int("busy", len(m.stats.CurrentJobs())),
				)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		defer cancel()
		if err := m.fetcher.Close(ctx); err != nil {
			m.logger.Error("could not close fetcher", slog.String("error", err.Error()))
		}
		m.acker.Terminate()
		if err := m.acker.Wait(); err != nil {
			m.logger.Error("acknowledger failed", slog.String("error", err.Error()))
		}
		m.cancel(ErrShutdown)
		m.logger.Info("manager terminated")
	})
}

// Stats returns the process counters the workers record into.
func (m *Manager) Stats() *Stats { return m.stats }

// WorkerStates reports the phase of each live worker by worker id.
func (m *Manager) WorkerStates() map[string]WorkerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]WorkerState, len(m.workers))
	for w := range m.workers {
		out[w.id] = w.State()
	}
	return out
}
