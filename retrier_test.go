package jiggler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type flakyError struct{}

func (flakyError) Error() string      { return "flaky upstream" }
func (flakyError) ErrorClass() string { return "FlakyError" }

func newTestRetrier(t *testing.T, opts ...Option) (*Retrier, func() time.Time) {
	t.Helper()

	_, c := newTestRedis(t)
	r := newRetrier(c, testOptions(opts...))
	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }
	r.delay = func(int) time.Duration { return time.Minute }
	return r, r.now
}

func failing(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func TestRetrier_SuccessPassesThrough(t *testing.T) {
	r, _ := newTestRetrier(t)
	env := &Envelope{Name: "Ok", JID: "j1", Retries: 3}

	err := r.Wrapped(context.Background(), Definition{Name: "Ok"}, env, "default", failing(nil))
	require.NoError(t, err)
	require.Zero(t, env.Attempt)
}

func TestRetrier_ZeroRetriesGoesToDeadSet(t *testing.T) {
	r, now := newTestRetrier(t)
	ctx := context.Background()
	env := &Envelope{Name: "Once", JID: "j1", Retries: 0}

	err := r.Wrapped(ctx, Definition{Name: "Once"}, env, "default", failing(flakyError{}))
	require.ErrorIs(t, err, ErrRetryHandled)

	n, err := r.cmd.ZCard(ctx, r.keys.retrySet()).Result()
	require.NoError(t, err)
	require.Zero(t, n)

	zs, err := r.cmd.ZRangeWithScores(ctx, r.keys.deadSet(), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, zs, 1)
	require.Equal(t, unixSeconds(now()), zs[0].Score)

	dead := decodeMember(t, zs[0].Member.(string))
	require.Equal(t, "FlakyError", dead.ErrorClass)
	require.Equal(t, "flaky upstream", dead.ErrorMessage)
	require.Zero(t, dead.Attempt)
}

func TestRetrier_RetriesThenDies(t *testing.T) {
	r, now := newTestRetrier(t)
	ctx := context.Background()
	env := &Envelope{Name: "Flaky", JID: "j1", Retries: 3}
	def := Definition{Name: "Flaky"}

	for attempt := 1; attempt <= 3; attempt++ {
		err := r.Wrapped(ctx, def, env, "mailers", failing(errors.New("nope")))
		require.ErrorIs(t, err, ErrRetryHandled)

		zs, err := r.cmd.ZPopMin(ctx, r.keys.retrySet(), 1).Result()
		require.NoError(t, err)
		require.Len(t, zs, 1)
		require.Greater(t, zs[0].Score, unixSeconds(now()))

		got := decodeMember(t, zs[0].Member.(string))
		require.Equal(t, attempt, got.Attempt)
		require.Equal(t, "mailers", got.Queue)
		require.Equal(t, "errors.errorString", got.ErrorClass)
		require.Equal(t, zs[0].Score, got.RetryAt)
		if attempt > 1 {
			require.NotZero(t, got.RetriedAt)
		}
		env = got
	}

	err := r.Wrapped(ctx, def, env, "mailers", failing(errors.New("nope")))
	require.ErrorIs(t, err, ErrRetryHandled)

	n, err := r.cmd.ZCard(ctx, r.keys.retrySet()).Result()
	require.NoError(t, err)
	require.Zero(t, n)

	members, err := r.cmd.ZRange(ctx, r.keys.deadSet(), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)
	dead := decodeMember(t, members[0])
	require.Equal(t, 3, dead.Attempt)
	require.LessOrEqual(t, dead.Attempt, dead.Retries)
}

func TestRetrier_RetryQueueFromDefinition(t *testing.T) {
	r, _ := newTestRetrier(t)
	ctx := context.Background()
	env := &Envelope{Name: "Slow", JID: "j1", Retries: 1}

	err := r.Wrapped(ctx, Definition{Name: "Slow", RetryQueue: "slow"}, env, "default", failing(errors.New("x")))
	require.ErrorIs(t, err, ErrRetryHandled)

	members, err := r.cmd.ZRange(ctx, r.keys.retrySet(), 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, "slow", decodeMember(t, members[0]).Queue)
}

func TestRetrier_ShutdownIsNotRetried(t *testing.T) {
	r, _ := newTestRetrier(t)
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrShutdown)
	env := &Envelope{Name: "Long", JID: "j1", Retries: 3}

	err := r.Wrapped(ctx, Definition{Name: "Long"}, env, "default", func(ctx context.Context) error {
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, IsShutdown(ctx, err))
	require.False(t, errors.Is(err, ErrRetryHandled))

	n, err := r.cmd.ZCard(context.Background(), r.keys.retrySet()).Result()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRetrier_DeadSetTrimmedBySizeAndAge(t *testing.T) {
	r, _ := newTestRetrier(t, WithDeadSetLimits(3, time.Hour))
	ctx := context.Background()

	// One member older than the age limit.
	stale := unixSeconds(r.now().Add(-2 * time.Hour))
	require.NoError(t, r.cmd.ZAdd(ctx, r.keys.deadSet(), redis.Z{Score: stale, Member: `{"name":"Old","jid":"old"}`}).Err())

	for i := 0; i < 5; i++ {
		env := &Envelope{Name: "Dead", JID: fmt.Sprintf("j%d", i)}
		require.NoError(t, r.Kill(ctx, env))
	}

	members, err := r.cmd.ZRange(ctx, r.keys.deadSet(), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 3)
	for _, m := range members {
		require.NotContains(t, m, `"old"`)
	}
}

func TestRetryDelay(t *testing.T) {
	for attempt := 0; attempt < 5; attempt++ {
		base := time.Duration(attempt*attempt*attempt*attempt+15) * time.Second
		d := RetryDelay(attempt)
		require.GreaterOrEqual(t, d, base)
		require.Less(t, d, base+time.Duration(10*(attempt+1))*time.Second)
	}
}

func TestErrorClass(t *testing.T) {
	require.Equal(t, "FlakyError", errorClass(fmt.Errorf("wrapped: %w", flakyError{})))
	require.Equal(t, "errors.errorString", errorClass(fmt.Errorf("wrapped: %w", errors.New("x"))))
	require.Equal(t, "Panic", errorClass(&PanicError{Value: "boom"}))
}
