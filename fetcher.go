package jiggler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// fetchTimeout is how long one blocking pop waits before the caller gets a
// chance to observe shutdown.
const fetchTimeout = 2 * time.Second

// Delivery is one fetched job: the raw payload and where it came from.
type Delivery struct {
	Queue   string
	Payload string

	priority int
	seq      uint64
	ack      func(ctx context.Context) error
}

// Ack confirms the job. It is a no-op for at-most-once deliveries and safe to
// call more than once.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Fetcher hands jobs to workers.
type Fetcher interface {
	// Start launches any background readers. ctx bounds their lifetime.
	Start(ctx context.Context)
	// Fetch returns the next job, nil on timeout, or ErrFetcherDone after
	// Suspend once nothing is left.
	Fetch(ctx context.Context) (*Delivery, error)
	// Suspend stops taking new jobs from Redis. It is idempotent.
	Suspend()
	// Close waits for readers and returns fetched-but-undelivered jobs to
	// their queues.
	Close(ctx context.Context) error
}

func newFetcher(cmd redis.Cmdable, opt Options, identity string) Fetcher {
	if opt.Mode == AtLeastOnce {
		return newReliableFetcher(cmd, opt, identity)
	}
	return newAtMostOnceFetcher(cmd, opt)
}

// atMostOnceFetcher pops straight from the queue lists with one BRPOP over
// all of them, in priority order.
type atMostOnceFetcher struct {
	cmd     redis.Cmdable
	keys    keyspace
	lists   []string
	queueOf map[string]string
	timeout time.Duration
	logger  *slog.Logger

	done atomic.Bool
}

func newAtMostOnceFetcher(cmd redis.Cmdable, opt Options) *atMostOnceFetcher {
	keys := keyspace{prefix: opt.Prefix}
	f := &atMostOnceFetcher{
		cmd:     cmd,
		keys:    keys,
		queueOf: make(map[string]string),
		timeout: fetchTimeout,
		logger:  opt.Logger.With(slog.String("component", "fetcher")),
	}
	for _, q := range opt.sortedQueues() {
		l := keys.list(q.Name)
		f.lists = append(f.lists, l)
		f.queueOf[l] = q.Name
	}
	return f
}

func (f *atMostOnceFetcher) Start(context.Context) {}

func (f *atMostOnceFetcher) Fetch(ctx context.Context) (*Delivery, error) {
	if f.done.Load() {
		return nil, ErrFetcherDone
	}
	res, err := f.cmd.BRPop(ctx, f.timeout, f.lists...).Result()
	if err != nil {
		if isNil(err) {
			return nil, nil
		}
		return nil, wrapStore("brpop", err)
	}
	if len(res) != 2 {
		return nil, nil
	}
	list, payload := res[0], res[1]
	if f.done.Load() {
		f.requeue(list, payload)
		return nil, ErrFetcherDone
	}
	return &Delivery{Queue: f.queueOf[list], Payload: payload}, nil
}

// requeue puts a job popped after Suspend back at the consuming end of its
// list. A crash before this completes loses the job.
func (f *atMostOnceFetcher) requeue(list, payload string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.cmd.RPush(ctx, list, payload).Err(); err != nil {
		f.logger.Error("could not requeue job fetched during shutdown",
			slog.String("list", list),
			slog.String("payload", payload),
			slog.String("error", err.Error()),
		)
		return
	}
	f.logger.Debug("requeued job fetched during shutdown", slog.String("list", list))
}

func (f *atMostOnceFetcher) Suspend() { f.done.Store(true) }

func (f *atMostOnceFetcher) Close(context.Context) error { return nil }
