package jiggler

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ProcessSummary is one live process as seen in the store.
type ProcessSummary struct {
	Identity ProcessIdentity `json:"identity"`
	Data     ProcessData     `json:"data"`
}

// SummaryData is a point-in-time view of the whole system.
type SummaryData struct {
	RetryJobs     int64            `json:"retry_jobs_count"`
	DeadJobs      int64            `json:"dead_jobs_count"`
	ScheduledJobs int64            `json:"scheduled_jobs_count"`
	Processed     int64            `json:"processed_count"`
	Failures      int64            `json:"failures_count"`
	Processes     []ProcessSummary `json:"processes"`
	Queues        map[string]int64 `json:"queues"`
	// Reserved counts jobs held in at-least-once reservation lists, per queue.
	Reserved map[string]int64 `json:"reserved"`
}

// Summary collects counts, live processes and queue lengths.
func Summary(ctx context.Context, cmd redis.Cmdable, opts ...Option) (*SummaryData, error) {
	keys := keyspace{prefix: newOptions(opts...).Prefix}

	pipe := cmd.Pipeline()
	retries := pipe.ZCard(ctx, keys.retrySet())
	dead := pipe.ZCard(ctx, keys.deadSet())
	scheduled := pipe.ZCard(ctx, keys.scheduledSet())
	processed := pipe.Get(ctx, keys.processedCounter())
	failures := pipe.Get(ctx, keys.failuresCounter())
	if _, err := pipe.Exec(ctx); err != nil && !isNil(err) {
		return nil, wrapStore("summary", err)
	}

	out := &SummaryData{
		RetryJobs:     retries.Val(),
		DeadJobs:      dead.Val(),
		ScheduledJobs: scheduled.Val(),
		Queues:        make(map[string]int64),
		Reserved:      make(map[string]int64),
	}
	out.Processed, _ = processed.Int64()
	out.Failures, _ = failures.Int64()

	procs, err := summarizeProcesses(ctx, cmd, keys)
	if err != nil {
		return nil, err
	}
	out.Processes = procs

	if err := summarizeQueues(ctx, cmd, keys, out); err != nil {
		return nil, err
	}
	return out, nil
}

func summarizeProcesses(ctx context.Context, cmd redis.Cmdable, keys keyspace) ([]ProcessSummary, error) {
	names, err := scanKeys(ctx, cmd, keys.processPattern())
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return []ProcessSummary{}, nil
	}
	bodies, err := cmd.MGet(ctx, names...).Result()
	if err != nil {
		return nil, wrapStore("summary processes", err)
	}

	out := make([]ProcessSummary, 0, len(names))
	for i, name := range names {
		body, ok := bodies[i].(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		ident, err := ParseProcessIdentity(strings.TrimPrefix(name, keys.processPrefix()))
		if err != nil {
			continue
		}
		var data ProcessData
		if err := json.Unmarshal([]byte(body), &data); err != nil {
			continue
		}
		out = append(out, ProcessSummary{Identity: ident, Data: data})
	}
	return out, nil
}

func summarizeQueues(ctx context.Context, cmd redis.Cmdable, keys keyspace, out *SummaryData) error {
	lists, err := scanKeys(ctx, cmd, keys.queuePattern())
	if err != nil {
		return err
	}
	if len(lists) == 0 {
		return nil
	}
	pipe := cmd.Pipeline()
	lens := make([]*redis.IntCmd, len(lists))
	for i, l := range lists {
		lens[i] = pipe.LLen(ctx, l)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapStore("summary queues", err)
	}
	for i, l := range lists {
		if queue, _, ok := keys.parseReservation(l); ok {
			out.Reserved[queue] += lens[i].Val()
			continue
		}
		if keys.isQueueList(l) {
			out.Queues[strings.TrimPrefix(l, keys.queuePrefix())] = lens[i].Val()
		}
	}
	return nil
}

// scanKeys collects every key matching pattern.
func scanKeys(ctx context.Context, cmd redis.Cmdable, pattern string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := cmd.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, wrapStore("scan", err)
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}
