package jiggler

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// zpopByScore removes and returns one member of KEYS[1] with score <= ARGV[1].
const zpopByScore = `
local jobs = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1], "limit", 0, 1)
if jobs[1] then
  redis.call("zrem", KEYS[1], jobs[1])
  return jobs[1]
end
return false
`

// Enqueuer moves due jobs from the retry and scheduled sets onto their
// queue lists.
type Enqueuer struct {
	cmd    redis.Cmdable
	keys   keyspace
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	sha string
}

func NewEnqueuer(cmd redis.Cmdable, opts ...Option) *Enqueuer {
	return newEnqueuer(cmd, newOptions(opts...))
}

func newEnqueuer(cmd redis.Cmdable, opt Options) *Enqueuer {
	return &Enqueuer{
		cmd:    cmd,
		keys:   keyspace{prefix: opt.Prefix},
		logger: opt.Logger.With(slog.String("component", "enqueuer")),
		now:    time.Now,
	}
}

// EnqueueJobs drains every due job from the retry set, then the scheduled
// set. It returns how many jobs were pushed.
func (e *Enqueuer) EnqueueJobs(ctx context.Context) (int, error) {
	total := 0
	for _, set := range []string{e.keys.retrySet(), e.keys.scheduledSet()} {
		n, err := e.drain(ctx, set)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (e *Enqueuer) drain(ctx context.Context, set string) (int, error) {
	moved := 0
	for {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		now := strconv.FormatFloat(unixSeconds(e.now()), 'f', -1, 64)
		payload, err := e.pop(ctx, set, now)
		if err != nil {
			if isNil(err) {
				return moved, nil
			}
			return moved, wrapStore("zpopbyscore", err)
		}

		queue := e.targetQueue(set, payload)
		if err := e.cmd.LPush(ctx, e.keys.list(queue), payload).Err(); err != nil {
			return moved, wrapStore("lpush due job", err)
		}
		moved++
		e.logger.Debug("enqueued due job", slog.String("set", set), slog.String("queue", queue))
	}
}

// targetQueue is the envelope's queue, or the default queue when the
// payload is malformed or names no usable queue.
func (e *Enqueuer) targetQueue(set, payload string) string {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		e.logger.Warn("due job has a malformed payload, pushing to default queue",
			slog.String("set", set),
			slog.String("error", err.Error()),
		)
		return DefaultQueue
	}
	if env.Queue == "" {
		return DefaultQueue
	}
	if err := validateQueueName(env.Queue); err != nil {
		e.logger.Warn("due job names an invalid queue, pushing to default queue",
			slog.String("set", set),
			slog.String("jid", env.JID),
			slog.String("error", err.Error()),
		)
		return DefaultQueue
	}
	return env.Queue
}

// pop runs the script by its cached sha, loading it first when needed and
// again if the server lost it.
func (e *Enqueuer) pop(ctx context.Context, set, now string) (string, error) {
	sha, err := e.scriptSHA(ctx, false)
	if err != nil {
		return "", err
	}
	res, err := e.cmd.EvalSha(ctx, sha, []string{set}, now).Text()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		e.logger.Debug("script missing on server, reloading")
		if sha, err = e.scriptSHA(ctx, true); err != nil {
			return "", err
		}
		res, err = e.cmd.EvalSha(ctx, sha, []string{set}, now).Text()
	}
	return res, err
}

func (e *Enqueuer) scriptSHA(ctx context.Context, reload bool) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sha != "" && !reload {
		return e.sha, nil
	}
	sha, err := e.cmd.ScriptLoad(ctx, zpopByScore).Result()
	if err != nil {
		return "", wrapStore("script load", err)
	}
	e.sha = sha
	return sha, nil
}
