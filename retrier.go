package jiggler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrorClasser lets job errors name their class for error_class.
type ErrorClasser interface {
	ErrorClass() string
}

// IsShutdown reports whether err was caused by a hard shutdown of ctx.
func IsShutdown(ctx context.Context, err error) bool {
	if errors.Is(err, ErrShutdown) {
		return true
	}
	return errors.Is(err, context.Canceled) && errors.Is(context.Cause(ctx), ErrShutdown)
}

// RetryDelay is attempt^4 + 15 seconds plus up to 10*(attempt+1) seconds
// of jitter.
func RetryDelay(attempt int) time.Duration {
	base := math.Pow(float64(attempt), 4) + 15
	jitter := rand.Float64() * 10 * float64(attempt+1) //nolint:gosec // jitter does not need crypto rand
	return time.Duration((base + jitter) * float64(time.Second))
}

// Retrier runs a job and, on failure, reschedules it into the retry set or
// buries it in the dead set.
type Retrier struct {
	cmd         redis.Cmdable
	keys        keyspace
	maxDead     int64
	deadTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
	delay       func(attempt int) time.Duration
}

func NewRetrier(cmd redis.Cmdable, opts ...Option) *Retrier {
	return newRetrier(cmd, newOptions(opts...))
}

func newRetrier(cmd redis.Cmdable, opt Options) *Retrier {
	return &Retrier{
		cmd:         cmd,
		keys:        keyspace{prefix: opt.Prefix},
		maxDead:     opt.MaxDeadJobs,
		deadTimeout: opt.DeadTimeout,
		logger:      opt.Logger.With(slog.String("component", "retrier")),
		now:         time.Now,
		delay:       RetryDelay,
	}
}

// Wrapped runs body. A nil result passes through. A shutdown-caused error is
// returned unchanged and nothing is persisted. Any other failure is recorded
// on env and persisted, and an error matching ErrRetryHandled is returned.
// An error not matching ErrRetryHandled means persisting failed.
func (r *Retrier) Wrapped(ctx context.Context, def Definition, env *Envelope, queue string, body func(context.Context) error) error {
	err := body(ctx)
	if err == nil {
		return nil
	}
	if IsShutdown(ctx, err) {
		return err
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	if perr := r.processRetry(pctx, def, env, queue, err); perr != nil {
		return fmt.Errorf("jiggler: job %s failed with %q and could not be rescheduled: %w", env.JID, err.Error(), perr)
	}
	return &handledError{cause: err}
}

func (r *Retrier) processRetry(ctx context.Context, def Definition, env *Envelope, queue string, jobErr error) error {
	now := r.now()
	count := env.Attempt + 1

	env.ErrorClass = errorClass(jobErr)
	env.ErrorMessage = truncateMessage(jobErr.Error())
	if env.StartedAt == 0 {
		env.StartedAt = unixSeconds(now)
	}

	if count > env.Retries {
		r.logger.Warn("retries exhausted",
			slog.String("jid", env.JID),
			slog.String("job", env.Name),
			slog.String("queue", queue),
			slog.Int("attempt", count),
			slog.Int("retries", env.Retries),
			slog.String("error_class", env.ErrorClass),
			slog.String("error_message", shortMessage(env.ErrorMessage)),
		)
		return r.Kill(ctx, env)
	}

	delay := r.delay(count)
	retryAt := now.Add(delay)
	env.Attempt = count
	env.RetryAt = unixSeconds(retryAt)
	if count > 1 {
		env.RetriedAt = unixSeconds(now)
	}
	env.Queue = retryQueue(def, env, queue)

	payload, err := env.encode()
	if err != nil {
		return err
	}
	if err := r.cmd.ZAdd(ctx, r.keys.retrySet(), redis.Z{Score: env.RetryAt, Member: payload}).Err(); err != nil {
		return wrapStore("schedule retry", err)
	}

	r.logger.Info("job scheduled for retry",
		slog.String("jid", env.JID),
		slog.String("job", env.Name),
		slog.String("queue", env.Queue),
		slog.Int("attempt", count),
		slog.Int("retries", env.Retries),
		slog.Duration("delay", delay),
		slog.String("error_class", env.ErrorClass),
		slog.String("error_message", shortMessage(env.ErrorMessage)),
	)
	return nil
}

// Kill adds env to the dead set and trims it by age and size in the same
// transaction.
func (r *Retrier) Kill(ctx context.Context, env *Envelope) error {
	payload, err := env.encode()
	if err != nil {
		return err
	}
	now := unixSeconds(r.now())
	cutoff := now - r.deadTimeout.Seconds()
	dead := r.keys.deadSet()

	_, err = r.cmd.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, dead, redis.Z{Score: now, Member: payload})
		if r.deadTimeout > 0 {
			pipe.ZRemRangeByScore(ctx, dead, "-inf", "("+strconv.FormatFloat(cutoff, 'f', -1, 64))
		}
		if r.maxDead > 0 {
			pipe.ZRemRangeByRank(ctx, dead, 0, -(r.maxDead + 1))
		}
		return nil
	})
	if err != nil {
		return wrapStore("send to dead set", err)
	}
	r.logger.Warn("job has been sent to dead set",
		slog.String("jid", env.JID),
		slog.String("job", env.Name),
	)
	return nil
}

func retryQueue(def Definition, env *Envelope, queue string) string {
	switch {
	case def.RetryQueue != "":
		return def.RetryQueue
	case queue != "":
		return queue
	case env.Queue != "":
		return env.Queue
	}
	return DefaultQueue
}

func errorClass(err error) string {
	var c ErrorClasser
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", root), "*")
}

// shortMessage keeps log lines readable; the envelope keeps the full text.
func shortMessage(s string) string {
	const limit = 512
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
