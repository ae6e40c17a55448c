package jiggler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// reliableFetcher leases jobs by moving them from a queue list into this
// process's reservation list for that queue. A job stays reserved until its
// Delivery is acked, or until the Requeuer finds the owner gone.
type reliableFetcher struct {
	cmd         redis.Cmdable
	keys        keyspace
	queues      []QueueConfig
	identity    string
	readers     int
	concurrency int
	timeout     time.Duration
	limiter     *rate.Limiter
	logger      *slog.Logger

	mu      sync.Mutex
	ready   *sync.Cond // signalled when a job is pushed
	demand  *sync.Cond // signalled when a consumer is waiting
	pending deliveryHeap
	waiting int
	seq     uint64
	done    bool

	wg sync.WaitGroup
}

func newReliableFetcher(cmd redis.Cmdable, opt Options, identity string) *reliableFetcher {
	f := &reliableFetcher{
		cmd:         cmd,
		keys:        keyspace{prefix: opt.Prefix},
		queues:      opt.sortedQueues(),
		identity:    identity,
		readers:     opt.FetchersConcurrency,
		concurrency: opt.Concurrency,
		timeout:     fetchTimeout,
		limiter:     rate.NewLimiter(rate.Every(time.Second), 1),
		logger:      opt.Logger.With(slog.String("component", "fetcher")),
	}
	f.ready = sync.NewCond(&f.mu)
	f.demand = sync.NewCond(&f.mu)
	return f
}

func (f *reliableFetcher) Start(ctx context.Context) {
	for _, q := range f.queues {
		for i := 0; i < f.readers; i++ {
			f.wg.Add(1)
			go f.read(ctx, q)
		}
	}
}

// read leases jobs from one queue until Suspend or ctx cancellation.
func (f *reliableFetcher) read(ctx context.Context, q QueueConfig) {
	defer f.wg.Done()
	list := f.keys.list(q.Name)
	rlist := f.keys.reservation(q.Name, f.identity)

	for {
		if !f.awaitDemand() {
			break
		}
		payload, err := f.cmd.BLMove(ctx, list, rlist, "RIGHT", "LEFT", f.timeout).Result()
		if err != nil {
			if isNil(err) {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			f.logger.Error("lease failed",
				slog.String("queue", q.Name),
				slog.String("error", err.Error()),
			)
			if werr := f.limiter.Wait(ctx); werr != nil {
				break
			}
			continue
		}

		d := &Delivery{Queue: q.Name, Payload: payload, priority: q.Priority}
		d.ack = f.acker(rlist, payload)

		f.mu.Lock()
		if f.done {
			f.mu.Unlock()
			f.giveBack(d)
			break
		}
		f.seq++
		d.seq = f.seq
		heap.Push(&f.pending, d)
		f.ready.Signal()
		f.mu.Unlock()
	}
	f.logger.Debug("reader stopped", slog.String("queue", q.Name))
}

// awaitDemand blocks while no consumer is waiting and at least concurrency
// jobs are already buffered. It returns false once suspended.
func (f *reliableFetcher) awaitDemand() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for !f.done && f.waiting == 0 && f.pending.Len() >= f.concurrency {
		f.demand.Wait()
	}
	return !f.done
}

func (f *reliableFetcher) acker(rlist, payload string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := f.cmd.LRem(ctx, rlist, 1, payload).Err(); err != nil {
			return wrapStore("ack", err)
		}
		return nil
	}
}

func (f *reliableFetcher) Fetch(ctx context.Context) (*Delivery, error) {
	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		f.ready.Broadcast()
		f.mu.Unlock()
	})
	defer stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.waiting++
	f.demand.Signal()
	for f.pending.Len() == 0 && !f.done && ctx.Err() == nil {
		f.ready.Wait()
	}
	f.waiting--
	if f.pending.Len() > 0 && ctx.Err() == nil {
		return heap.Pop(&f.pending).(*Delivery), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrFetcherDone
}

func (f *reliableFetcher) Suspend() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return
	}
	f.logger.Debug("suspending fetcher")
	f.done = true
	f.ready.Broadcast()
	f.demand.Broadcast()
}

// Close waits for the readers to exit and returns buffered jobs that no
// worker picked up to the consuming end of their queues.
func (f *reliableFetcher) Close(context.Context) error {
	f.Suspend()
	f.wg.Wait()

	f.mu.Lock()
	left := make([]*Delivery, 0, f.pending.Len())
	for f.pending.Len() > 0 {
		left = append(left, heap.Pop(&f.pending).(*Delivery))
	}
	f.mu.Unlock()

	for _, d := range left {
		f.giveBack(d)
	}
	return nil
}

// giveBackScript requeues a reserved job only if this process still holds
// it. A copy already moved out by a requeuer is not pushed a second time.
var giveBackScript = redis.NewScript(`
if redis.call("lrem", KEYS[1], 1, ARGV[1]) > 0 then
  redis.call("rpush", KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// giveBack atomically drops one reserved copy and pushes the job back where
// the next BLMOVE will take it.
func (f *reliableFetcher) giveBack(d *Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	rlist := f.keys.reservation(d.Queue, f.identity)
	moved, err := giveBackScript.Run(ctx, f.cmd, []string{rlist, f.keys.list(d.Queue)}, d.Payload).Int()
	if err != nil {
		f.logger.Error("could not return leased job",
			slog.String("queue", d.Queue),
			slog.String("error", err.Error()),
		)
		return
	}
	if moved == 0 {
		f.logger.Warn("leased job was no longer reserved",
			slog.String("queue", d.Queue),
			slog.String("payload", d.Payload),
		)
	}
}
