package jiggler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLauncherOptions(extra ...Option) []Option {
	return append([]Option{
		WithLogger(discardLogger()),
		WithConcurrency(2),
		WithShutdownTimeout(2 * time.Second),
		WithPollInterval(50 * time.Millisecond),
		WithPollerInitialWait(10 * time.Millisecond),
		WithStatsInterval(time.Second),
		WithRequeueInterval(50 * time.Millisecond),
	}, extra...)
}

func TestLauncher_RunsScheduledJobsAndDeregisters(t *testing.T) {
	m, c := newTestRedis(t)
	ctx := context.Background()

	var ran atomic.Int64
	reg := NewRegistry()
	require.NoError(t, reg.RegisterFunc("Tick", func(context.Context, Args) error {
		ran.Add(1)
		return nil
	}))

	l, err := NewLauncher(c, reg, testLauncherOptions()...)
	require.NoError(t, err)
	require.NoError(t, l.Start(ctx))
	require.ErrorIs(t, l.Start(ctx), ErrAlreadyStarted)

	key := "jiggler:svr:" + l.Identity().String()
	require.True(t, m.Exists(key))

	client := NewClient(c, reg)
	_, err = client.Enqueue(ctx, "Tick")
	require.NoError(t, err)
	_, err = client.EnqueueAt(ctx, time.Now().Add(-time.Second), "Tick", EnqueueOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ran.Load() == 2 }, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, l.Stop(stopCtx))
	require.NoError(t, l.Stop(stopCtx))
	require.False(t, m.Exists(key))

	processed, err := c.Get(ctx, "jiggler:stats:processed").Int64()
	require.NoError(t, err)
	require.EqualValues(t, 2, processed)
}

func TestLauncher_AtLeastOnceRecoversCrashedPeer(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	var ran atomic.Int64
	reg := NewRegistry()
	require.NoError(t, reg.RegisterFunc("Orphan", func(context.Context, Args) error {
		ran.Add(1)
		return nil
	}))

	// A job leased by a process that is no longer registered.
	env := &Envelope{Name: "Orphan", JID: NewJID(), Queue: DefaultQueue}
	payload, err := env.encode()
	require.NoError(t, err)
	require.NoError(t, c.LPush(ctx, "jiggler:list:default:in_progress:crashed", payload).Err())

	l, err := NewLauncher(c, reg, testLauncherOptions(WithMode(AtLeastOnce), WithPoller(false))...)
	require.NoError(t, err)
	require.NoError(t, l.Start(ctx))

	require.Eventually(t, func() bool { return ran.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, l.Stop(ctx))
	require.Zero(t, llen(t, c, "jiggler:list:default:in_progress:crashed"))
}

func TestLauncher_RunStopsOnCancel(t *testing.T) {
	m, c := newTestRedis(t)

	l, err := NewLauncher(c, NewRegistry(), testLauncherOptions(WithPoller(false))...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	key := "jiggler:svr:" + l.Identity().String()
	require.Eventually(t, func() bool { return m.Exists(key) }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("launcher did not stop")
	}
	require.False(t, m.Exists(key))
}

func TestNewLauncher_InvalidOptions(t *testing.T) {
	_, c := newTestRedis(t)
	_, err := NewLauncher(c, NewRegistry(), WithQueueNames("bad queue"))
	require.ErrorIs(t, err, ErrInvalidQueueName)
}

func TestLauncher_StaysRegisteredWhileDraining(t *testing.T) {
	m, c := newTestRedis(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var ran atomic.Int64
	reg := NewRegistry()
	require.NoError(t, reg.RegisterFunc("Slow", func(context.Context, Args) error {
		close(started)
		<-release
		ran.Add(1)
		return nil
	}))
	pushJob(t, c, "default", "Slow", 0)

	l, err := NewLauncher(c, reg, testLauncherOptions(
		WithMode(AtLeastOnce),
		WithPoller(false),
		WithStatsInterval(100*time.Millisecond),
		WithShutdownTimeout(5*time.Second),
	)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	<-started
	cancel()

	// Let the current entry lapse; the heartbeat has to write it again.
	key := "jiggler:svr:" + l.Identity().String()
	m.FastForward(250 * time.Millisecond)
	require.Eventually(t, func() bool { return m.Exists(key) }, 2*time.Second, 10*time.Millisecond)

	moved, err := NewRequeuer(c, "peer").RequeueOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, moved)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("launcher did not stop")
	}

	require.EqualValues(t, 1, ran.Load())
	require.Zero(t, llen(t, c, "jiggler:list:default"))
	require.Zero(t, llen(t, c, "jiggler:list:default:in_progress:"+l.Identity().String()))
	require.False(t, m.Exists(key))
}

func TestLauncher_StartFailureDeregisters(t *testing.T) {
	m, c := newTestRedis(t)
	ctx := context.Background()

	l, err := NewLauncher(c, NewRegistry(), testLauncherOptions(WithPoller(false))...)
	require.NoError(t, err)
	require.NoError(t, l.manager.Start(ctx))
	t.Cleanup(l.manager.Terminate)

	require.ErrorIs(t, l.Start(ctx), ErrAlreadyStarted)
	require.False(t, m.Exists("jiggler:svr:"+l.Identity().String()))
}
