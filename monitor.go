package jiggler

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProcessData is the JSON body of a process registration entry.
type ProcessData struct {
	Identity    string                `json:"identity"`
	Heartbeat   float64               `json:"heartbeat"`
	RSS         int64                 `json:"rss"`
	CurrentJobs map[string]CurrentJob `json:"current_jobs"`
}

// Monitor keeps this process's registration entry alive and flushes the
// Stats counters into the global totals.
type Monitor struct {
	cmd      redis.Cmdable
	keys     keyspace
	identity string
	stats    *Stats
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewMonitor(cmd redis.Cmdable, identity string, stats *Stats, opts ...Option) *Monitor {
	return newMonitor(cmd, identity, stats, newOptions(opts...))
}

func newMonitor(cmd redis.Cmdable, identity string, stats *Stats, opt Options) *Monitor {
	return &Monitor{
		cmd:      cmd,
		keys:     keyspace{prefix: opt.Prefix},
		identity: identity,
		stats:    stats,
		interval: opt.StatsInterval,
		ttl:      opt.heartbeatTTL(),
		logger:   opt.Logger.With(slog.String("component", "monitor")),
		stopCh:   make(chan struct{}),
	}
}

// Start registers the process right away and refreshes the entry every
// StatsInterval until Terminate. Cancelling ctx does not stop the refresh.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyStarted
	}
	if err := m.Beat(ctx); err != nil {
		return err
	}
	m.running = true
	// The entry must outlive the caller's ctx: jobs still reserved under
	// this identity are running until the manager terminates.
	bg := context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(m.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				m.beat(bg)
			case <-m.stopCh:
				return
			}
		}
	}()
	return nil
}

func (m *Monitor) beat(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	if err := m.Beat(ctx); err != nil {
		m.logger.Error("heartbeat failed", slog.String("error", err.Error()))
	}
}

// Beat writes the registration entry and flushes counter deltas in one
// transaction. Deltas are put back on failure.
func (m *Monitor) Beat(ctx context.Context) error {
	data := ProcessData{
		Identity:    m.identity,
		Heartbeat:   unixSeconds(time.Now()),
		RSS:         processRSS(),
		CurrentJobs: m.stats.CurrentJobs(),
	}
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}

	processed, failures := m.stats.drain()
	_, err = m.cmd.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, m.keys.process(m.identity), body, m.ttl)
		if processed > 0 {
			pipe.IncrBy(ctx, m.keys.processedCounter(), processed)
		}
		if failures > 0 {
			pipe.IncrBy(ctx, m.keys.failuresCounter(), failures)
		}
		return nil
	})
	if err != nil {
		m.stats.restore(processed, failures)
		return wrapStore("heartbeat", err)
	}
	m.logger.Debug("heartbeat",
		slog.Int64("processed", processed),
		slog.Int64("failures", failures),
		slog.Int("busy", len(data.CurrentJobs)),
	)
	return nil
}

// Terminate stops the heartbeat, flushes the last counters and deletes the
// registration entry.
func (m *Monitor) Terminate(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	processed, failures := m.stats.drain()
	_, err := m.cmd.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if processed > 0 {
			pipe.IncrBy(ctx, m.keys.processedCounter(), processed)
		}
		if failures > 0 {
			pipe.IncrBy(ctx, m.keys.failuresCounter(), failures)
		}
		pipe.Del(ctx, m.keys.process(m.identity))
		return nil
	})
	if err != nil {
		m.stats.restore(processed, failures)
		return wrapStore("deregister", err)
	}
	m.logger.Debug("process deregistered")
	return nil
}

// processRSS reads VmRSS in kB from /proc. It returns 0 where /proc is not
// available.
func processRSS() int64 {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		n, _ := strconv.ParseInt(fields[1], 10, 64)
		return n
	}
	return 0
}
