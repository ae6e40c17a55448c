package jiggler

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Cleaner deletes jiggler data from the store. It is meant for operators and
// tests, never for a running fleet.
type Cleaner struct {
	cmd  redis.Cmdable
	keys keyspace
}

func NewCleaner(cmd redis.Cmdable, opts ...Option) *Cleaner {
	return &Cleaner{cmd: cmd, keys: keyspace{prefix: newOptions(opts...).Prefix}}
}

// PruneAll removes the sets, counters, process entries and every queue and
// reservation list.
func (c *Cleaner) PruneAll(ctx context.Context) error {
	if err := c.del(ctx, "prune all",
		c.keys.retrySet(),
		c.keys.scheduledSet(),
		c.keys.deadSet(),
		c.keys.processedCounter(),
		c.keys.failuresCounter(),
	); err != nil {
		return err
	}
	if err := c.PruneProcesses(ctx); err != nil {
		return err
	}
	return c.PruneQueues(ctx)
}

// PruneQueue drops one queue list. Its reservation lists are kept.
func (c *Cleaner) PruneQueue(ctx context.Context, queue string) error {
	if err := validateQueueName(queue); err != nil {
		return err
	}
	return c.del(ctx, "prune queue", c.keys.list(queue))
}

// PruneQueues drops every queue and reservation list.
func (c *Cleaner) PruneQueues(ctx context.Context) error {
	return c.delPattern(ctx, "prune queues", c.keys.queuePattern())
}

func (c *Cleaner) PruneRetrySet(ctx context.Context) error {
	return c.del(ctx, "prune retry set", c.keys.retrySet())
}

func (c *Cleaner) PruneScheduledSet(ctx context.Context) error {
	return c.del(ctx, "prune scheduled set", c.keys.scheduledSet())
}

func (c *Cleaner) PruneDeadSet(ctx context.Context) error {
	return c.del(ctx, "prune dead set", c.keys.deadSet())
}

// PruneProcesses removes every process registration entry. Running
// processes re-register on their next heartbeat.
func (c *Cleaner) PruneProcesses(ctx context.Context) error {
	return c.delPattern(ctx, "prune processes", c.keys.processPattern())
}

func (c *Cleaner) PruneCounters(ctx context.Context) error {
	return c.del(ctx, "prune counters", c.keys.processedCounter(), c.keys.failuresCounter())
}

func (c *Cleaner) del(ctx context.Context, op string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.cmd.Del(ctx, keys...).Err(); err != nil {
		return wrapStore(op, err)
	}
	return nil
}

func (c *Cleaner) delPattern(ctx context.Context, op, pattern string) error {
	keys, err := scanKeys(ctx, c.cmd, pattern)
	if err != nil {
		return err
	}
	return c.del(ctx, op, keys...)
}
