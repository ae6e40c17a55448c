package jiggler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Launcher wires one server process: registration and heartbeat, the
// scheduled poller, the requeuer for at-least-once mode, and the manager.
type Launcher struct {
	opt      Options
	identity ProcessIdentity
	stats    *Stats
	monitor  *Monitor
	manager  *Manager
	poller   *Poller
	requeuer *Requeuer
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	quiet   bool
	stopped bool
}

// NewLauncher validates the options and builds every component.
func NewLauncher(cmd redis.Cmdable, registry *Registry, opts ...Option) (*Launcher, error) {
	opt := newOptions(opts...)
	if err := opt.Validate(); err != nil {
		return nil, err
	}
	ident := newProcessIdentity(opt)
	id := ident.String()
	stats := NewStats(opt.Meter)

	l := &Launcher{
		opt:      opt,
		identity: ident,
		stats:    stats,
		monitor:  newMonitor(cmd, id, stats, opt),
		manager:  newManager(cmd, registry, stats, id, opt),
		logger:   opt.Logger.With(slog.String("component", "launcher")),
	}
	if opt.PollerEnabled {
		l.poller = newPoller(cmd, opt)
	}
	if opt.Mode == AtLeastOnce {
		l.requeuer = newRequeuer(cmd, id, opt)
	}
	return l, nil
}

func (l *Launcher) Identity() ProcessIdentity { return l.identity }

func (l *Launcher) Stats() *Stats { return l.stats }

// Start registers the process and starts the background components. The
// process is registered before any job is reserved under its identity.
func (l *Launcher) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return ErrAlreadyStarted
	}
	if err := l.monitor.Start(ctx); err != nil {
		return err
	}
	if l.poller != nil {
		l.poller.Start(ctx)
	}
	if l.requeuer != nil {
		l.requeuer.Start(ctx)
	}
	if err := l.manager.Start(ctx); err != nil {
		if l.requeuer != nil {
			l.requeuer.Stop()
		}
		if l.poller != nil {
			l.poller.Stop()
		}
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
		defer cancel()
		if terr := l.monitor.Terminate(tctx); terr != nil {
			l.logger.Error("could not deregister", slog.String("error", terr.Error()))
		}
		return err
	}
	l.started = true
	l.logger.Info("launcher started",
		slog.String("identity", l.identity.String()),
		slog.String("mode", string(l.opt.Mode)),
		slog.Any("queues", l.identity.Queues),
		slog.Bool("poller", l.poller != nil),
	)
	return nil
}

// Quiet stops taking new jobs and stops the poller. Running jobs finish and
// the process stays registered.
func (l *Launcher) Quiet() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started || l.quiet {
		return
	}
	l.quiet = true
	l.logger.Info("quieting")
	l.manager.Suspend()
	if l.poller != nil {
		l.poller.Stop()
	}
}

// Stop quiets, terminates the manager, stops the requeuer and deregisters.
func (l *Launcher) Stop(ctx context.Context) error {
	l.Quiet()

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started || l.stopped {
		return nil
	}
	l.stopped = true
	l.logger.Info("stopping", slog.Duration("timeout", l.opt.ShutdownTimeout))

	l.manager.Terminate()
	if l.requeuer != nil {
		l.requeuer.Stop()
	}
	err := l.monitor.Terminate(ctx)
	l.logger.Info("bye")
	return err
}

// Run starts the launcher and blocks until ctx is done, then stops it.
func (l *Launcher) Run(ctx context.Context) error {
	if err := l.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opt.ShutdownTimeout+ackTimeout)
	defer cancel()
	if err := l.Stop(stopCtx); err != nil {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}
