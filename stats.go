package jiggler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instrumentationName is the scope name for jiggler metrics and spans.
const instrumentationName = "github.com/tuwukee/jiggler"

// CurrentJob is a job being executed by one worker.
type CurrentJob struct {
	JID       string  `json:"jid"`
	Name      string  `json:"name"`
	Queue     string  `json:"queue"`
	StartedAt float64 `json:"started_at"`
}

// Stats holds the counters and live-job registry of one process. The
// Monitor flushes the counters to Redis; the OTel instruments are recorded
// as jobs finish.
type Stats struct {
	processed atomic.Int64
	failures  atomic.Int64

	mu      sync.Mutex
	current map[string]CurrentJob

	executions metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewStats creates a Stats recording on meter, or on the global
// MeterProvider when meter is nil.
func NewStats(meter metric.Meter) *Stats {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	// On error the API returns noop instruments.
	executions, _ := meter.Int64Counter(
		"jiggler.job.executions",
		metric.WithDescription("Total number of job executions"),
		metric.WithUnit("{execution}"),
	)
	duration, _ := meter.Float64Histogram(
		"jiggler.job.duration",
		metric.WithDescription("Duration of job execution in seconds"),
		metric.WithUnit("s"),
	)
	return &Stats{
		current:    make(map[string]CurrentJob),
		executions: executions,
		duration:   duration,
	}
}

func (s *Stats) started(tid string, env *Envelope, queue string) {
	s.mu.Lock()
	s.current[tid] = CurrentJob{JID: env.JID, Name: env.Name, Queue: queue, StartedAt: unixSeconds(time.Now())}
	s.mu.Unlock()
}

func (s *Stats) finished(tid string) {
	s.mu.Lock()
	delete(s.current, tid)
	s.mu.Unlock()
}

// record counts one executed job.
func (s *Stats) record(ctx context.Context, name, queue string, elapsed time.Duration, failed bool) {
	s.processed.Add(1)
	status := "ok"
	if failed {
		s.failures.Add(1)
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("job_name", name),
		attribute.String("queue", queue),
		attribute.String("status", status),
	)
	s.executions.Add(ctx, 1, attrs)
	s.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// fail counts a job that failed before it could execute.
func (s *Stats) fail(ctx context.Context, queue string) {
	s.processed.Add(1)
	s.failures.Add(1)
	s.executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("status", "error"),
	))
}

// Processed returns the count not yet flushed to Redis.
func (s *Stats) Processed() int64 { return s.processed.Load() }

// Failures returns the count not yet flushed to Redis.
func (s *Stats) Failures() int64 { return s.failures.Load() }

// CurrentJobs returns a copy of the live-job registry keyed by worker id.
func (s *Stats) CurrentJobs() map[string]CurrentJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]CurrentJob, len(s.current))
	for k, v := range s.current {
		out[k] = v
	}
	return out
}

// drain resets the counters and returns what they held.
func (s *Stats) drain() (processed, failures int64) {
	return s.processed.Swap(0), s.failures.Swap(0)
}

// restore adds back counts whose flush failed.
func (s *Stats) restore(processed, failures int64) {
	s.processed.Add(processed)
	s.failures.Add(failures)
}
