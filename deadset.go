package jiggler

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DeadEntry is one envelope in the dead set.
type DeadEntry struct {
	Envelope *Envelope
	DiedAt   float64
	// Raw is the stored member, needed to remove it.
	Raw string
}

// DeadSet inspects and redrives jobs that exhausted their retries.
type DeadSet struct {
	cmd    redis.Cmdable
	keys   keyspace
	logger *slog.Logger
}

func NewDeadSet(cmd redis.Cmdable, opts ...Option) *DeadSet {
	opt := newOptions(opts...)
	return &DeadSet{
		cmd:    cmd,
		keys:   keyspace{prefix: opt.Prefix},
		logger: opt.Logger.With(slog.String("component", "deadset")),
	}
}

func (s *DeadSet) Size(ctx context.Context) (int64, error) {
	n, err := s.cmd.ZCard(ctx, s.keys.deadSet()).Result()
	if err != nil {
		return 0, wrapStore("dead set size", err)
	}
	return n, nil
}

// List returns up to limit entries, newest first, skipping offset. Members
// that no longer decode are returned with a nil Envelope.
func (s *DeadSet) List(ctx context.Context, offset, limit int64) ([]DeadEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	zs, err := s.cmd.ZRevRangeWithScores(ctx, s.keys.deadSet(), offset, offset+limit-1).Result()
	if err != nil {
		return nil, wrapStore("dead set list", err)
	}
	out := make([]DeadEntry, 0, len(zs))
	for _, z := range zs {
		raw, _ := z.Member.(string)
		env, _ := DecodeEnvelope(raw)
		out = append(out, DeadEntry{Envelope: env, DiedAt: z.Score, Raw: raw})
	}
	return out, nil
}

// redriveScript swaps a dead member for its reset payload on a queue list in
// one step. It does nothing if the member is already gone.
var redriveScript = redis.NewScript(`
if redis.call("zrem", KEYS[1], ARGV[1]) == 1 then
  redis.call("lpush", KEYS[2], ARGV[2])
  return 1
end
return 0
`)

// Redrive moves up to n of the oldest dead jobs back to their queues with a
// fresh attempt count and no error fields. It returns how many were moved.
// Members that no longer decode are discarded.
func (s *DeadSet) Redrive(ctx context.Context, n int64) (int, error) {
	if n <= 0 {
		return 0, nil
	}

	moved := 0
	for i := int64(0); i < n; i++ {
		members, err := s.cmd.ZRange(ctx, s.keys.deadSet(), 0, 0).Result()
		if err != nil {
			return moved, wrapStore("dead set oldest", err)
		}
		if len(members) == 0 {
			return moved, nil
		}
		raw := members[0]
		env, err := DecodeEnvelope(raw)
		if err != nil {
			s.logger.Warn("discarding malformed dead job", slog.String("error", err.Error()))
			if err := s.cmd.ZRem(ctx, s.keys.deadSet(), raw).Err(); err != nil {
				return moved, wrapStore("dead set discard", err)
			}
			continue
		}

		env.Attempt = 0
		env.ErrorClass = ""
		env.ErrorMessage = ""
		env.RetriedAt = 0
		env.RetryAt = 0
		queue := env.Queue
		if queue == "" {
			queue = DefaultQueue
		}
		payload, err := env.encode()
		if err != nil {
			return moved, err
		}
		ok, err := redriveScript.Run(ctx, s.cmd, []string{s.keys.deadSet(), s.keys.list(queue)}, raw, payload).Int()
		if err != nil {
			return moved, wrapStore("dead set redrive", err)
		}
		if ok == 0 {
			// Taken by a concurrent redrive.
			continue
		}
		moved++
		s.logger.Info("dead job redriven",
			slog.String("jid", env.JID),
			slog.String("job", env.Name),
			slog.String("queue", queue),
		)
	}
	return moved, nil
}
