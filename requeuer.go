package jiggler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Requeuer returns jobs reserved by processes that stopped heartbeating to
// the consuming end of their queues.
type Requeuer struct {
	cmd      redis.Cmdable
	keys     keyspace
	identity string
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRequeuer builds a requeuer for the process named identity. Reservations
// owned by identity are never touched.
func NewRequeuer(cmd redis.Cmdable, identity string, opts ...Option) *Requeuer {
	return newRequeuer(cmd, identity, newOptions(opts...))
}

func newRequeuer(cmd redis.Cmdable, identity string, opt Options) *Requeuer {
	return &Requeuer{
		cmd:      cmd,
		keys:     keyspace{prefix: opt.Prefix},
		identity: identity,
		interval: opt.RequeueInterval,
		logger:   opt.Logger.With(slog.String("component", "requeuer")),
		stopCh:   make(chan struct{}),
	}
}

// Start runs one pass immediately and then every RequeueInterval.
func (r *Requeuer) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || r.interval <= 0 {
		return
	}
	r.running = true
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		t := time.NewTicker(r.interval)
		defer t.Stop()
		for {
			if _, err := r.RequeueOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("requeue pass failed", slog.String("error", err.Error()))
			}
			select {
			case <-t.C:
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Requeuer) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// RequeueOnce moves every job out of reservation lists whose owner has no
// live process entry. It returns how many jobs were moved.
func (r *Requeuer) RequeueOnce(ctx context.Context) (int, error) {
	live, err := r.liveProcesses(ctx)
	if err != nil {
		return 0, err
	}
	rlists, err := scanKeys(ctx, r.cmd, r.keys.reservationPattern())
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, rlist := range rlists {
		queue, owner, ok := r.keys.parseReservation(rlist)
		if !ok || owner == r.identity {
			continue
		}
		if _, alive := live[owner]; alive {
			continue
		}
		n, err := r.recover(ctx, rlist, r.keys.list(queue))
		moved += n
		if err != nil {
			return moved, err
		}
		if n > 0 {
			r.logger.Info("requeued jobs of a dead process",
				slog.String("queue", queue),
				slog.String("owner", owner),
				slog.Int("count", n),
			)
		}
	}
	return moved, nil
}

// recover moves jobs one at a time so a crash mid-pass loses nothing.
func (r *Requeuer) recover(ctx context.Context, rlist, list string) (int, error) {
	moved := 0
	for {
		_, err := r.cmd.LMove(ctx, rlist, list, "RIGHT", "RIGHT").Result()
		if err != nil {
			if isNil(err) {
				return moved, nil
			}
			return moved, wrapStore("requeue", err)
		}
		moved++
	}
}

func (r *Requeuer) liveProcesses(ctx context.Context) (map[string]struct{}, error) {
	keys, err := scanKeys(ctx, r.cmd, r.keys.processPattern())
	if err != nil {
		return nil, err
	}
	prefix := r.keys.processPrefix()
	live := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		live[k[len(prefix):]] = struct{}{}
	}
	return live, nil
}
