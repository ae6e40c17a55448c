package jiggler

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Client enqueues jobs. It holds no goroutines and may be shared.
type Client struct {
	cmd      redis.Cmdable
	keys     keyspace
	registry *Registry
}

// EnqueueOptions override the registered definition for one call.
type EnqueueOptions struct {
	Queue   string
	Retries *int
	JID     string
}

// NewClient creates a producer. registry may be nil, in which case jobs go
// to the default queue with zero retries unless overridden.
func NewClient(cmd redis.Cmdable, registry *Registry, opts ...Option) *Client {
	opt := newOptions(opts...)
	if registry == nil {
		registry = NewRegistry()
	}
	return &Client{cmd: cmd, keys: keyspace{prefix: opt.Prefix}, registry: registry}
}

// NewJID returns a random job id.
func NewJID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Build returns the envelope that Enqueue would push.
func (c *Client) Build(name string, o EnqueueOptions, args ...any) (*Envelope, error) {
	encoded, err := NewArgs(args...)
	if err != nil {
		return nil, err
	}
	env := &Envelope{Name: name, Args: encoded, JID: o.JID, Queue: DefaultQueue}
	if def, ok := c.registry.Lookup(name); ok {
		env.Queue = def.queue()
		env.Retries = def.Retries
	}
	if o.Queue != "" {
		env.Queue = o.Queue
	}
	if o.Retries != nil {
		env.Retries = *o.Retries
	}
	if env.JID == "" {
		env.JID = NewJID()
	}
	if err := validateQueueName(env.Queue); err != nil {
		return nil, err
	}
	return env, nil
}

// Enqueue pushes a job onto its queue and returns the job id.
func (c *Client) Enqueue(ctx context.Context, name string, args ...any) (string, error) {
	return c.EnqueueWith(ctx, name, EnqueueOptions{}, args...)
}

func (c *Client) EnqueueWith(ctx context.Context, name string, o EnqueueOptions, args ...any) (string, error) {
	env, err := c.Build(name, o, args...)
	if err != nil {
		return "", err
	}
	return env.JID, c.Push(ctx, env)
}

// Push enqueues a prepared envelope as is.
func (c *Client) Push(ctx context.Context, env *Envelope) error {
	payload, err := env.encode()
	if err != nil {
		return err
	}
	if err := c.cmd.LPush(ctx, c.keys.list(env.Queue), payload).Err(); err != nil {
		return wrapStore("enqueue", err)
	}
	return nil
}

// EnqueueIn schedules a job to run after delay.
func (c *Client) EnqueueIn(ctx context.Context, delay time.Duration, name string, args ...any) (string, error) {
	return c.EnqueueAt(ctx, time.Now().Add(delay), name, EnqueueOptions{}, args...)
}

// EnqueueAt schedules a job for at. Times in the past run on the next poll.
func (c *Client) EnqueueAt(ctx context.Context, at time.Time, name string, o EnqueueOptions, args ...any) (string, error) {
	env, err := c.Build(name, o, args...)
	if err != nil {
		return "", err
	}
	payload, err := env.encode()
	if err != nil {
		return "", err
	}
	z := redis.Z{Score: unixSeconds(at), Member: payload}
	if err := c.cmd.ZAdd(ctx, c.keys.scheduledSet(), z).Err(); err != nil {
		return "", wrapStore("schedule", err)
	}
	return env.JID, nil
}

// EnqueueBulk pushes one job per argument list in a single pipeline.
func (c *Client) EnqueueBulk(ctx context.Context, name string, argsList [][]any) ([]string, error) {
	jids := make([]string, 0, len(argsList))
	pipe := c.cmd.Pipeline()
	for _, args := range argsList {
		env, err := c.Build(name, EnqueueOptions{}, args...)
		if err != nil {
			return nil, err
		}
		payload, err := env.encode()
		if err != nil {
			return nil, err
		}
		pipe.LPush(ctx, c.keys.list(env.Queue), payload)
		jids = append(jids, env.JID)
	}
	if len(jids) == 0 {
		return nil, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, wrapStore("enqueue bulk", err)
	}
	return jids, nil
}

// QueueSize returns the number of ready jobs in a queue.
func (c *Client) QueueSize(ctx context.Context, queue string) (int64, error) {
	n, err := c.cmd.LLen(ctx, c.keys.list(queue)).Result()
	if err != nil {
		return 0, wrapStore("queue size", err)
	}
	return n, nil
}
