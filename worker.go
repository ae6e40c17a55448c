package jiggler

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WorkerState is the phase a worker is in.
type WorkerState int32

const (
	StateIdle WorkerState = iota
	StateFetching
	StateExecuting
	StateAcking
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateExecuting:
		return "executing"
	case StateAcking:
		return "acking"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// worker runs the fetch, execute, acknowledge loop.
type worker struct {
	id       string
	fetcher  Fetcher
	acker    Acknowledger
	retrier  *Retrier
	registry *Registry
	stats    *Stats
	tracer   trace.Tracer
	logger   *slog.Logger

	stop  atomic.Bool
	state atomic.Int32
}

func (w *worker) State() WorkerState { return WorkerState(w.state.Load()) }

func (w *worker) setState(s WorkerState) { w.state.Store(int32(s)) }

// run loops until the stop flag is set, the fetcher is done, or ctx is
// cancelled; each of those is a clean exit. Any other returned error means
// the worker crashed and should be replaced.
func (w *worker) run(ctx context.Context) error {
	defer w.setState(StateStopped)

	for {
		if w.stop.Load() {
			return nil
		}
		w.setState(StateFetching)
		d, err := w.fetcher.Fetch(ctx)
		if err != nil {
			if errors.Is(err, ErrFetcherDone) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if d == nil {
			w.setState(StateIdle)
			continue
		}
		if err := w.process(ctx, d); err != nil {
			if IsShutdown(ctx, err) {
				return nil
			}
			return err
		}
		w.setState(StateIdle)
	}
}

func (w *worker) process(ctx context.Context, d *Delivery) error {
	env, err := DecodeEnvelope(d.Payload)
	if err != nil {
		w.logger.Error("dropping malformed job",
			slog.String("queue", d.Queue),
			slog.String("payload", d.Payload),
			slog.String("error", err.Error()),
		)
		w.stats.fail(ctx, d.Queue)
		w.ack(d)
		return nil
	}

	def, h, err := w.registry.Resolve(env.Name)
	if err != nil {
		return w.bury(ctx, d, env, err)
	}

	w.setState(StateExecuting)
	w.stats.started(w.id, env, d.Queue)
	start := time.Now()
	err = w.retrier.Wrapped(ctx, def, env, d.Queue, func(ctx context.Context) error {
		return w.execute(ctx, h, env, d.Queue)
	})
	elapsed := time.Since(start)
	w.stats.finished(w.id)

	switch {
	case err == nil:
		w.stats.record(ctx, env.Name, d.Queue, elapsed, false)
		w.logger.Debug("job done",
			slog.String("jid", env.JID),
			slog.String("job", env.Name),
			slog.Duration("elapsed", elapsed),
		)
	case errors.Is(err, ErrRetryHandled):
		w.stats.record(ctx, env.Name, d.Queue, elapsed, true)
		w.logJobError(env, d.Queue, err)
	case IsShutdown(ctx, err):
		// The job stays where it is: lost for at-most-once, still reserved
		// for at-least-once.
		w.logger.Warn("job interrupted by shutdown",
			slog.String("jid", env.JID),
			slog.String("job", env.Name),
		)
		return err
	default:
		w.stats.record(ctx, env.Name, d.Queue, elapsed, true)
		w.logJobError(env, d.Queue, err)
		return err
	}

	w.ack(d)
	return nil
}

// bury sends a job with no registered handler to the dead set.
func (w *worker) bury(ctx context.Context, d *Delivery, env *Envelope, err error) error {
	w.logger.Error("unknown job",
		slog.String("jid", env.JID),
		slog.String("job", env.Name),
		slog.String("queue", d.Queue),
	)
	w.stats.fail(ctx, d.Queue)
	env.ErrorClass = errorClass(err)
	env.ErrorMessage = truncateMessage(err.Error())

	kctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	if kerr := w.retrier.Kill(kctx, env); kerr != nil {
		return errors.Join(err, kerr)
	}
	w.ack(d)
	return err
}

func (w *worker) ack(d *Delivery) {
	w.setState(StateAcking)
	w.acker.Ack(d)
}

func (w *worker) logJobError(env *Envelope, queue string, err error) {
	attrs := []any{
		slog.String("jid", env.JID),
		slog.String("job", env.Name),
		slog.String("queue", queue),
		slog.String("args", argsString(env.Args)),
		slog.Int("attempt", env.Attempt),
		slog.String("error", err.Error()),
	}
	var perr *PanicError
	if errors.As(err, &perr) {
		attrs = append(attrs, slog.String("stack", string(perr.Stack)))
	}
	w.logger.Error("job failed", attrs...)
}

// execute runs the handler inside a span.
func (w *worker) execute(ctx context.Context, h Handler, env *Envelope, queue string) error {
	ctx, span := w.tracer.Start(ctx, "jiggler.job.perform",
		trace.WithAttributes(
			attribute.String("jiggler.jid", env.JID),
			attribute.String("jiggler.job", env.Name),
			attribute.String("jiggler.queue", queue),
			attribute.Int("jiggler.attempt", env.Attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	err := perform(ctx, h, env.Args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

// perform runs the handler, turning a panic into *PanicError.
func perform(ctx context.Context, h Handler, args Args) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h.Perform(ctx, args)
}

func argsString(a Args) string {
	if len(a) == 0 {
		return "[]"
	}
	b := []byte{'['}
	for i, raw := range a {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, raw...)
	}
	b = append(b, ']')
	return string(b)
}

var workerSeq atomic.Uint64

func newWorkerID() string {
	return strconv.FormatUint(workerSeq.Add(1), 36)
}
