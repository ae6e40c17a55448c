package jiggler

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Mode selects the delivery guarantee.
type Mode string

const (
	// AtMostOnce pops jobs with BRPOP. A crash between pop and completion
	// loses the job.
	AtMostOnce Mode = "at_most_once"
	// AtLeastOnce leases jobs into a per-process reservation list that is
	// cleared on acknowledgment and recovered by the Requeuer on crash.
	AtLeastOnce Mode = "at_least_once"
)

const DefaultQueue = "default"

// QueueConfig is a queue name with its priority. A lower priority value is
// polled first.
type QueueConfig struct {
	Name     string
	Priority int
}

// ParseQueue parses "name" or "name:priority".
func ParseQueue(s string) (QueueConfig, error) {
	s = strings.TrimSpace(s)
	name, prio, found := strings.Cut(s, ":")
	q := QueueConfig{Name: strings.TrimSpace(name)}
	if found {
		n, err := strconv.Atoi(strings.TrimSpace(prio))
		if err != nil {
			return QueueConfig{}, fmt.Errorf("jiggler: queue %q: bad priority: %w", s, err)
		}
		q.Priority = n
	}
	if err := validateQueueName(q.Name); err != nil {
		return QueueConfig{}, err
	}
	return q, nil
}

func validateQueueName(name string) error {
	if name == "" || strings.Contains(name, ":") || strings.ContainsAny(name, " \t\n,|*") {
		return fmt.Errorf("%w: %q", ErrInvalidQueueName, name)
	}
	return nil
}

type Options struct {
	Prefix string
	Mode   Mode
	Queues []QueueConfig

	Concurrency         int
	FetchersConcurrency int
	AckConcurrency      int
	ShutdownTimeout     time.Duration

	MaxDeadJobs int64
	DeadTimeout time.Duration

	StatsInterval     time.Duration
	HeartbeatTTLRatio float64

	PollerEnabled     bool
	PollInterval      time.Duration
	PollerInitialWait time.Duration

	RequeueInterval time.Duration

	Logger *slog.Logger
	Meter  metric.Meter
	Tracer trace.Tracer
}

type Option func(*Options)

func WithPrefix(prefix string) Option {
	return func(o *Options) { o.Prefix = prefix }
}

func WithMode(m Mode) Option {
	return func(o *Options) { o.Mode = m }
}

// WithQueues sets the queues to process. Order breaks priority ties.
func WithQueues(queues ...QueueConfig) Option {
	return func(o *Options) { o.Queues = queues }
}

// WithQueueNames is WithQueues with every priority set to zero.
func WithQueueNames(names ...string) Option {
	return func(o *Options) {
		o.Queues = make([]QueueConfig, 0, len(names))
		for _, n := range names {
			o.Queues = append(o.Queues, QueueConfig{Name: n})
		}
	}
}

func WithConcurrency(n int) Option {
	return func(o *Options) { o.Concurrency = n }
}

// WithFetchersConcurrency sets how many reader goroutines lease from each
// queue in at-least-once mode.
func WithFetchersConcurrency(n int) Option {
	return func(o *Options) { o.FetchersConcurrency = n }
}

func WithAckConcurrency(n int) Option {
	return func(o *Options) { o.AckConcurrency = n }
}

// WithShutdownTimeout bounds how long in-flight jobs may run after Terminate
// before they are cancelled.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Options) { o.ShutdownTimeout = d }
}

// WithDeadSetLimits bounds the dead set by member count and member age.
func WithDeadSetLimits(maxJobs int64, maxAge time.Duration) Option {
	return func(o *Options) {
		o.MaxDeadJobs = maxJobs
		o.DeadTimeout = maxAge
	}
}

func WithStatsInterval(d time.Duration) Option {
	return func(o *Options) { o.StatsInterval = d }
}

// WithHeartbeatTTLRatio sets the heartbeat key TTL as a multiple of the
// stats interval. A process whose key expired is presumed dead.
func WithHeartbeatTTLRatio(r float64) Option {
	return func(o *Options) { o.HeartbeatTTLRatio = r }
}

func WithPoller(enabled bool) Option {
	return func(o *Options) { o.PollerEnabled = enabled }
}

func WithPollInterval(d time.Duration) Option {
	return func(o *Options) { o.PollInterval = d }
}

// WithPollerInitialWait sets the fixed part of the poller's startup delay.
// Up to half of it is added at random.
func WithPollerInitialWait(d time.Duration) Option {
	return func(o *Options) { o.PollerInitialWait = d }
}

func WithRequeueInterval(d time.Duration) Option {
	return func(o *Options) { o.RequeueInterval = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMeter records job counters and durations on the given meter instead
// of the global MeterProvider.
func WithMeter(m metric.Meter) Option {
	return func(o *Options) { o.Meter = m }
}

// WithTracer wraps every job execution in a span from t instead of the
// global TracerProvider.
func WithTracer(t trace.Tracer) Option {
	return func(o *Options) { o.Tracer = t }
}

func newOptions(opts ...Option) Options {
	opt := Options{
		Prefix:              "jiggler",
		Mode:                AtMostOnce,
		Concurrency:         10,
		FetchersConcurrency: 1,
		AckConcurrency:      2,
		ShutdownTimeout:     25 * time.Second,
		MaxDeadJobs:         10_000,
		DeadTimeout:         180 * 24 * time.Hour,
		StatsInterval:       10 * time.Second,
		HeartbeatTTLRatio:   2,
		PollerEnabled:       true,
		PollInterval:        5 * time.Second,
		PollerInitialWait:   10 * time.Second,
		RequeueInterval:     30 * time.Second,
	}
	for _, fn := range opts {
		if fn != nil {
			fn(&opt)
		}
	}
	if opt.Prefix == "" {
		opt.Prefix = "jiggler"
	}
	if opt.Mode == "" {
		opt.Mode = AtMostOnce
	}
	if len(opt.Queues) == 0 {
		opt.Queues = []QueueConfig{{Name: DefaultQueue}}
	}
	if opt.FetchersConcurrency <= 0 {
		opt.FetchersConcurrency = 1
	}
	if opt.AckConcurrency <= 0 {
		opt.AckConcurrency = 1
	}
	if opt.HeartbeatTTLRatio < 1 {
		opt.HeartbeatTTLRatio = 2
	}
	if opt.StatsInterval <= 0 {
		opt.StatsInterval = 10 * time.Second
	}
	if opt.PollInterval <= 0 {
		opt.PollInterval = 5 * time.Second
	}
	if opt.RequeueInterval <= 0 {
		opt.RequeueInterval = 30 * time.Second
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return opt
}

// Validate reports configuration that cannot run.
func (o Options) Validate() error {
	if o.Concurrency <= 0 {
		return fmt.Errorf("jiggler: concurrency: %d is not a valid value", o.Concurrency)
	}
	if o.ShutdownTimeout <= 0 {
		return fmt.Errorf("jiggler: shutdown timeout: %s is not a valid value", o.ShutdownTimeout)
	}
	if o.Mode != AtMostOnce && o.Mode != AtLeastOnce {
		return fmt.Errorf("jiggler: unknown mode %q", o.Mode)
	}
	seen := make(map[string]bool, len(o.Queues))
	for _, q := range o.Queues {
		if err := validateQueueName(q.Name); err != nil {
			return err
		}
		if seen[q.Name] {
			return fmt.Errorf("jiggler: duplicate queue %q", q.Name)
		}
		seen[q.Name] = true
	}
	return nil
}

// sortedQueues returns the queues ordered by ascending priority, keeping the
// configured order for equal priorities.
func (o Options) sortedQueues() []QueueConfig {
	qs := append([]QueueConfig(nil), o.Queues...)
	sort.SliceStable(qs, func(i, j int) bool { return qs[i].Priority < qs[j].Priority })
	return qs
}

func (o Options) heartbeatTTL() time.Duration {
	return time.Duration(float64(o.StatsInterval) * o.HeartbeatTTLRatio)
}
