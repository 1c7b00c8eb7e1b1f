// SPDX-License-Identifier: MIT

// Package dispatch fans freshly appended events out to the processor
// pipeline, the subscription router, and the projection materializer from a
// bounded queue of worker goroutines. Append latency never includes
// downstream processing.
package dispatch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/meridianhq/eventd/internal/event"
	xdlog "github.com/meridianhq/eventd/internal/log"
	"github.com/meridianhq/eventd/internal/metrics"
	"github.com/meridianhq/eventd/internal/store"
)

const (
	// DefaultQueueSize bounds the in-flight backlog between the append path
	// and the workers.
	DefaultQueueSize = 1024
	// DefaultWorkers is the number of concurrent dispatch workers.
	DefaultWorkers = 8

	sweepBatchSize = 500
)

// Consumer receives each dispatched event. Consumers run concurrently for
// the same event and must tolerate at-least-once delivery.
type Consumer interface {
	HandleEvent(ctx context.Context, evt event.Event) error
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(ctx context.Context, evt event.Event) error

func (f ConsumerFunc) HandleEvent(ctx context.Context, evt event.Event) error {
	return f(ctx, evt)
}

// Dispatcher pulls events off a buffered queue and hands each one to every
// registered consumer. It is wired as the store's append hook.
type Dispatcher struct {
	store     *store.Store
	consumers []Consumer
	log       zerolog.Logger

	queue   chan event.Event
	workers int
	wg      sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// Option adjusts dispatcher construction.
type Option func(*Dispatcher)

// WithQueueSize overrides the queue capacity.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan event.Event, n)
		}
	}
}

// WithWorkers overrides the worker count.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// New builds a dispatcher over the given consumers. Call Start before
// enqueuing and Stop during shutdown.
func New(s *store.Store, consumers []Consumer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     s,
		consumers: consumers,
		log:       xdlog.WithComponent("dispatch"),
		queue:     make(chan event.Event, DefaultQueueSize),
		workers:   DefaultWorkers,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.worker(ctx)
		}()
	}
	d.log.Info().Int("workers", d.workers).Int("queue", cap(d.queue)).Msg("dispatcher started")
}

// Enqueue hands one event to the worker pool. It blocks while the queue is
// full so that producers feel backpressure instead of losing events; after
// Stop it becomes a no-op because the startup sweep will recover anything
// still pending.
func (d *Dispatcher) Enqueue(evt event.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	// the send stays under the lock so Stop cannot close the queue while a
	// producer is mid-send
	d.queue <- evt
	metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
}

// Sweep re-enqueues events that were appended but never finished
// processing, typically after an unclean shutdown. Call once on startup,
// after Start.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	pending, err := d.store.PendingEvents(ctx, sweepBatchSize)
	if err != nil {
		return 0, err
	}
	for _, evt := range pending {
		d.Enqueue(evt)
	}
	if len(pending) > 0 {
		d.log.Info().Int("events", len(pending)).Msg("re-enqueued pending events")
	}
	return len(pending), nil
}

// Stop drains the queue and waits for in-flight work to settle. The
// dispatcher cannot be restarted.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	metrics.DispatchQueueDepth.Set(0)
}

func (d *Dispatcher) worker(ctx context.Context) {
	for evt := range d.queue {
		metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		d.dispatch(ctx, evt)
	}
}

// dispatch runs every consumer concurrently for one event. A consumer
// failure is logged and recorded against the event, never propagated to the
// other consumers.
func (d *Dispatcher) dispatch(ctx context.Context, evt event.Event) {
	ctx = xdlog.ContextWithEventID(ctx, evt.ID)

	var wg sync.WaitGroup
	for _, c := range d.consumers {
		wg.Add(1)
		go func(c Consumer) {
			defer wg.Done()
			if err := c.HandleEvent(ctx, evt); err != nil {
				d.log.Error().Err(err).
					Str("event_id", evt.ID).
					Str("event_type", evt.Type).
					Msg("consumer failed")
			}
		}(c)
	}
	wg.Wait()
}
