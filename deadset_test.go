package jiggler

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func buryRaw(t *testing.T, c redis.Cmdable, score float64, env *Envelope) {
	t.Helper()

	payload, err := env.encode()
	require.NoError(t, err)
	require.NoError(t, c.ZAdd(context.Background(), "jiggler:set:dead", redis.Z{Score: score, Member: payload}).Err())
}

func TestDeadSet_ListNewestFirst(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	buryRaw(t, c, 1, &Envelope{Name: "A", JID: "old"})
	buryRaw(t, c, 2, &Envelope{Name: "A", JID: "mid"})
	buryRaw(t, c, 3, &Envelope{Name: "A", JID: "new"})

	ds := NewDeadSet(c)
	size, err := ds.Size(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, size)

	entries, err := ds.List(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "new", entries[0].Envelope.JID)
	require.Equal(t, "mid", entries[1].Envelope.JID)
	require.EqualValues(t, 3, entries[0].DiedAt)

	entries, err = ds.List(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "old", entries[0].Envelope.JID)
}

func TestDeadSet_RedriveOldestAndResets(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	buryRaw(t, c, 1, &Envelope{Name: "A", JID: "old", Queue: "mailers", Retries: 3, Attempt: 3, ErrorClass: "X", ErrorMessage: "boom", RetryAt: 5})
	buryRaw(t, c, 2, &Envelope{Name: "A", JID: "new"})
	require.NoError(t, c.ZAdd(ctx, "jiggler:set:dead", redis.Z{Score: 0, Member: "garbage"}).Err())

	moved, err := NewDeadSet(c).Redrive(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	items, err := c.LRange(ctx, "jiggler:list:mailers", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, items, 1)
	env := decodeMember(t, items[0])
	require.Equal(t, "old", env.JID)
	require.Zero(t, env.Attempt)
	require.Empty(t, env.ErrorClass)
	require.Empty(t, env.ErrorMessage)
	require.Zero(t, env.RetryAt)
	require.Equal(t, 3, env.Retries)

	require.EqualValues(t, 1, zcard(t, c, "jiggler:set:dead"))

	moved, err = NewDeadSet(c).Redrive(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, 1, moved)
	require.EqualValues(t, 1, llen(t, c, "jiggler:list:default"))
}

func TestDeadSet_RedriveKeepsJobOnStoreError(t *testing.T) {
	m, c := newTestRedis(t)
	ctx := context.Background()

	buryRaw(t, c, 1, &Envelope{Name: "A", JID: "kept"})
	ds := NewDeadSet(c)

	m.SetError("ERR simulated outage")
	moved, err := ds.Redrive(ctx, 1)
	require.Error(t, err)
	require.Zero(t, moved)
	m.SetError("")

	require.EqualValues(t, 1, zcard(t, c, "jiggler:set:dead"))
	require.Zero(t, llen(t, c, "jiggler:list:default"))

	moved, err = ds.Redrive(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, moved)
	require.Zero(t, zcard(t, c, "jiggler:set:dead"))
	require.EqualValues(t, 1, llen(t, c, "jiggler:list:default"))
}

func TestDeadSet_RedriveScriptSkipsMissingMember(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	ok, err := redriveScript.Run(ctx, c, []string{"jiggler:set:dead", "jiggler:list:default"}, "gone", "payload").Int()
	require.NoError(t, err)
	require.Zero(t, ok)
	require.Zero(t, llen(t, c, "jiggler:list:default"))
}
