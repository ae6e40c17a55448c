package jiggler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	s := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		_ = c.Close()
		s.Close()
	})
	return s, c
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testOptions are fast settings for tests; extra options win.
func testOptions(extra ...Option) Options {
	base := []Option{
		WithLogger(discardLogger()),
		WithConcurrency(2),
		WithShutdownTimeout(2 * time.Second),
		WithPollInterval(50 * time.Millisecond),
		WithPollerInitialWait(10 * time.Millisecond),
		WithStatsInterval(time.Second),
		WithRequeueInterval(50 * time.Millisecond),
	}
	return newOptions(append(base, extra...)...)
}

// pushJob LPUSHes a job envelope onto queue and returns it.
func pushJob(t *testing.T, c redis.Cmdable, queue, name string, retries int, args ...any) *Envelope {
	t.Helper()

	a, err := NewArgs(args...)
	require.NoError(t, err)
	env := &Envelope{Name: name, Args: a, JID: NewJID(), Retries: retries, Queue: queue}
	payload, err := env.encode()
	require.NoError(t, err)
	require.NoError(t, c.LPush(context.Background(), keyspace{prefix: "jiggler"}.list(queue), payload).Err())
	return env
}

func decodeMember(t *testing.T, raw string) *Envelope {
	t.Helper()

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	return &env
}
