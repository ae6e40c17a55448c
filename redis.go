package jiggler

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// poolMargin covers the poller, requeuer, monitor and ad-hoc commands.
const poolMargin = 5

// PoolSize returns the minimum connection pool size for a process running
// with opts. Blocking reads hold a connection for their whole timeout, so an
// undersized pool starves workers of connections and deadlocks shutdown.
func PoolSize(opts ...Option) int {
	o := newOptions(opts...)
	readers := 0
	if o.Mode == AtLeastOnce {
		readers = o.FetchersConcurrency * len(o.Queues)
	}
	return o.Concurrency + readers + o.AckConcurrency + poolMargin
}

// NewRedisClient parses a redis:// URL and returns a client whose pool is
// sized with PoolSize.
func NewRedisClient(url string, opts ...Option) (*redis.Client, error) {
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("jiggler: redis url: %w", err)
	}
	if need := PoolSize(opts...); ro.PoolSize < need {
		ro.PoolSize = need
	}
	return redis.NewClient(ro), nil
}

// Ping verifies the connection.
func Ping(ctx context.Context, cmd redis.Cmdable) error {
	if err := cmd.Ping(ctx).Err(); err != nil {
		return wrapStore("ping", err)
	}
	return nil
}

func wrapStore(op string, err error) error {
	return fmt.Errorf("jiggler: %s: %w", op, err)
}

func isNil(err error) bool { return errors.Is(err, redis.Nil) }
