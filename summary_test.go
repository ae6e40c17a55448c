package jiggler

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func seedSystem(t *testing.T, c redis.Cmdable) ProcessIdentity {
	t.Helper()

	ctx := context.Background()
	pushJob(t, c, "default", "A", 0)
	pushJob(t, c, "default", "A", 0)
	pushJob(t, c, "mailers", "M", 0)
	require.NoError(t, c.LPush(ctx, "jiggler:list:default:in_progress:other", "x").Err())
	require.NoError(t, c.ZAdd(ctx, "jiggler:set:retries", redis.Z{Score: 1, Member: "r"}).Err())
	require.NoError(t, c.ZAdd(ctx, "jiggler:set:scheduled", redis.Z{Score: 1, Member: "s1"}, redis.Z{Score: 2, Member: "s2"}).Err())
	require.NoError(t, c.ZAdd(ctx, "jiggler:set:dead", redis.Z{Score: 1, Member: "d"}).Err())

	ident := newProcessIdentity(testOptions())
	stats := NewStats(nil)
	stats.record(ctx, "A", "default", time.Millisecond, false)
	stats.record(ctx, "A", "default", time.Millisecond, true)
	require.NoError(t, newMonitor(c, ident.String(), stats, testOptions()).Beat(ctx))
	return ident
}

func TestSummary(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()
	ident := seedSystem(t, c)

	s, err := Summary(ctx, c)
	require.NoError(t, err)
	require.EqualValues(t, 1, s.RetryJobs)
	require.EqualValues(t, 2, s.ScheduledJobs)
	require.EqualValues(t, 1, s.DeadJobs)
	require.EqualValues(t, 2, s.Processed)
	require.EqualValues(t, 1, s.Failures)
	require.Equal(t, map[string]int64{"default": 2, "mailers": 1}, s.Queues)
	require.Equal(t, map[string]int64{"default": 1}, s.Reserved)

	require.Len(t, s.Processes, 1)
	require.Equal(t, ident.Nonce, s.Processes[0].Identity.Nonce)
	require.Equal(t, ident.String(), s.Processes[0].Data.Identity)
}

func TestSummary_EmptyStore(t *testing.T) {
	_, c := newTestRedis(t)

	s, err := Summary(context.Background(), c)
	require.NoError(t, err)
	require.Zero(t, s.Processed)
	require.Empty(t, s.Processes)
	require.Empty(t, s.Queues)
}

func TestCleaner(t *testing.T) {
	m, c := newTestRedis(t)
	ctx := context.Background()
	seedSystem(t, c)
	cl := NewCleaner(c)

	require.NoError(t, cl.PruneQueue(ctx, "mailers"))
	require.False(t, m.Exists("jiggler:list:mailers"))
	require.True(t, m.Exists("jiggler:list:default"))
	require.ErrorIs(t, cl.PruneQueue(ctx, "*"), ErrInvalidQueueName)

	require.NoError(t, cl.PruneRetrySet(ctx))
	require.False(t, m.Exists("jiggler:set:retries"))
	require.NoError(t, cl.PruneScheduledSet(ctx))
	require.False(t, m.Exists("jiggler:set:scheduled"))
	require.NoError(t, cl.PruneDeadSet(ctx))
	require.False(t, m.Exists("jiggler:set:dead"))
	require.NoError(t, cl.PruneCounters(ctx))
	require.False(t, m.Exists("jiggler:stats:processed"))

	require.NoError(t, cl.PruneAll(ctx))
	require.Empty(t, m.Keys())
}
