package jiggler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ackTimeout bounds a single acknowledgment round trip.
const ackTimeout = 5 * time.Second

// Acknowledger confirms processed deliveries off the worker's path.
type Acknowledger interface {
	Start()
	Ack(d *Delivery)
	// Terminate stops accepting new requests. Pending ones are still drained.
	Terminate()
	// Wait blocks until every drain task has exited.
	Wait() error
}

func newAcknowledger(opt Options) Acknowledger {
	if opt.Mode == AtLeastOnce {
		return newReliableAcknowledger(opt)
	}
	return nopAcknowledger{}
}

type nopAcknowledger struct{}

func (nopAcknowledger) Start()        {}
func (nopAcknowledger) Ack(*Delivery) {}
func (nopAcknowledger) Terminate()    {}
func (nopAcknowledger) Wait() error   { return nil }

// reliableAcknowledger drains ack requests with a fixed number of goroutines.
type reliableAcknowledger struct {
	runners int
	logger  *slog.Logger

	mu     sync.RWMutex
	ch     chan *Delivery
	closed bool

	g errgroup.Group
}

func newReliableAcknowledger(opt Options) *reliableAcknowledger {
	return &reliableAcknowledger{
		runners: opt.AckConcurrency,
		logger:  opt.Logger.With(slog.String("component", "acknowledger")),
		ch:      make(chan *Delivery, opt.Concurrency*4),
	}
}

func (a *reliableAcknowledger) Start() {
	for i := 0; i < a.runners; i++ {
		a.g.Go(func() error {
			for d := range a.ch {
				a.ack(d)
			}
			a.logger.Debug("acknowledger exits")
			return nil
		})
	}
}

func (a *reliableAcknowledger) ack(d *Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := d.Ack(ctx); err != nil {
		a.logger.Error("could not acknowledge a job",
			slog.String("queue", d.Queue),
			slog.String("payload", d.Payload),
			slog.String("error", err.Error()),
		)
	}
}

// Ack queues d for acknowledgment. After Terminate the ack runs inline.
func (a *reliableAcknowledger) Ack(d *Delivery) {
	a.mu.RLock()
	if !a.closed {
		a.ch <- d
		a.mu.RUnlock()
		return
	}
	a.mu.RUnlock()
	a.ack(d)
}

func (a *reliableAcknowledger) Terminate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.logger.Debug("suspending the acknowledger")
	a.closed = true
	close(a.ch)
}

func (a *reliableAcknowledger) Wait() error { return a.g.Wait() }
