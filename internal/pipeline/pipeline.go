// SPDX-License-Identifier: MIT

// Package pipeline executes registered processors against stored events.
// Matched processors run in priority order, isolated from each other; failed
// attempts are rescheduled with exponential backoff off the dispatch path.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/meridianhq/eventd/internal/event"
	xdlog "github.com/meridianhq/eventd/internal/log"
	"github.com/meridianhq/eventd/internal/metrics"
	"github.com/meridianhq/eventd/internal/store"
)

// Handler is the executable side of a processor. Handlers are registered in
// code by name; processor rows bind a name to a filter, priority and config.
// Handlers must be idempotent: at-least-once dispatch may re-run them.
type Handler interface {
	Handle(ctx context.Context, evt event.Event, config json.RawMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt event.Event, config json.RawMessage) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, evt event.Event, config json.RawMessage) error {
	return f(ctx, evt, config)
}

// Pipeline runs matched processors against events and resolves each event's
// processing status.
type Pipeline struct {
	store    *store.Store
	registry *Registry
	timeout  time.Duration
	backoff  time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler

	retries sync.WaitGroup
}

// New returns a pipeline. timeout bounds a single handler execution; backoff
// is the base delay for scheduled retries, doubled per attempt.
func New(s *store.Store, registry *Registry, timeout, backoff time.Duration) *Pipeline {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Pipeline{
		store:    s,
		registry: registry,
		timeout:  timeout,
		backoff:  backoff,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds executable code to a processor name.
func (p *Pipeline) RegisterHandler(name string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = h
}

func (p *Pipeline) handler(name string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[name]
	return h, ok
}

// Drain waits for all scheduled retries to finish. Called on shutdown and by
// tests that need a settled outcome.
func (p *Pipeline) Drain() {
	p.retries.Wait()
}

// Process runs the live dispatch contract for one stored event: transition
// to processing, execute matched processors in order, and resolve the final
// status once every matched processor reaches a terminal outcome.
func (p *Pipeline) Process(ctx context.Context, evt event.Event) error {
	return p.run(ctx, evt, true)
}

// Reprocess re-drives the same execution contract without touching the
// event's status fields. Used by the replay engine.
func (p *Pipeline) Reprocess(ctx context.Context, evt event.Event) error {
	return p.run(ctx, evt, false)
}

func (p *Pipeline) run(ctx context.Context, evt event.Event, mutateStatus bool) error {
	logger := xdlog.WithComponentFromContext(ctx, "pipeline")

	if mutateStatus {
		ok, err := p.store.UpdateStatus(ctx, evt.ID, event.StatusPending, event.StatusProcessing)
		if err != nil {
			return err
		}
		if !ok {
			// Someone else moved the event on; at-least-once dispatch makes
			// duplicates possible. Only a stuck processing state is resumed.
			current, err := p.store.Get(ctx, evt.ID)
			if err != nil {
				return err
			}
			if current.Status != event.StatusProcessing {
				logger.Debug().Str("event_id", evt.ID).Str("status", string(current.Status)).
					Msg("skipping dispatch for event already resolved")
				return nil
			}
		}
	}

	matched, err := p.registry.Match(ctx, evt)
	if err != nil {
		return err
	}

	if len(matched) == 0 {
		if mutateStatus {
			p.finalize(evt, true)
		}
		return nil
	}

	tr := &tracker{remaining: len(matched)}
	if mutateStatus {
		tr.done = func(allOK bool) { p.finalize(evt, allOK) }
	}

	// First attempts run sequentially so higher-priority processors complete
	// before lower-priority ones start. Retries leave this path.
	for _, proc := range matched {
		p.execute(ctx, tr, proc, evt, 1)
	}
	return nil
}

// execute runs one attempt for one processor and routes the outcome: success
// or skip completes the processor, a failure either schedules the next
// attempt or exhausts the budget.
func (p *Pipeline) execute(ctx context.Context, tr *tracker, proc event.Processor, evt event.Event, attempt int) {
	logger := xdlog.WithComponent("pipeline")

	h, ok := p.handler(proc.Name)
	if !ok {
		p.record(evt.ID, proc.Name, event.ResultSkipped, "no handler registered", attempt, 0)
		tr.complete(true)
		return
	}

	start := time.Now()
	err := p.invoke(ctx, h, evt, proc.Config)
	duration := time.Since(start)

	if bookErr := p.store.RecordProcessorRun(context.Background(), proc.Name, err); bookErr != nil {
		logger.Warn().Err(bookErr).Str("processor", proc.Name).Msg("processor bookkeeping failed")
	}

	if err == nil {
		metrics.ObserveProcessorRun(proc.Name, string(event.ResultSuccess), duration)
		p.record(evt.ID, proc.Name, event.ResultSuccess, "", attempt, duration)
		if markErr := p.store.MarkProcessorRun(context.Background(), evt.ID, proc.Name); markErr != nil {
			logger.Warn().Err(markErr).Str("event_id", evt.ID).Str("processor", proc.Name).
				Msg("failed to mark processor on event")
		}
		tr.complete(true)
		return
	}

	execErr := &event.ProcessorExecutionError{Processor: proc.Name, EventID: evt.ID, Attempt: attempt, Err: err}
	logger.Warn().Err(execErr).Int("attempt", attempt).Msg("processor execution failed")

	if attempt <= proc.MaxRetries {
		metrics.ObserveProcessorRun(proc.Name, string(event.ResultRetry), duration)
		p.record(evt.ID, proc.Name, event.ResultRetry, err.Error(), attempt, duration)
		p.schedule(tr, proc, evt, attempt+1)
		return
	}

	metrics.ObserveProcessorRun(proc.Name, string(event.ResultFailed), duration)
	p.record(evt.ID, proc.Name, event.ResultFailed, err.Error(), attempt, duration)
	tr.complete(false)
}

// invoke runs the handler bounded by the pipeline's per-execution timeout.
func (p *Pipeline) invoke(ctx context.Context, h Handler, evt event.Event, config json.RawMessage) error {
	execCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.Handle(execCtx, evt, config)
	}()

	select {
	case err := <-done:
		return err
	case <-execCtx.Done():
		return fmt.Errorf("execution timed out after %s", p.timeout)
	}
}

// schedule queues the next attempt with exponential backoff. Scheduled, not
// blocking: a slow processor's retries never hold up pipeline throughput.
func (p *Pipeline) schedule(tr *tracker, proc event.Processor, evt event.Event, attempt int) {
	delay := p.backoff << (attempt - 2)
	p.retries.Add(1)
	time.AfterFunc(delay, func() {
		defer p.retries.Done()
		p.execute(context.Background(), tr, proc, evt, attempt)
	})
}

func (p *Pipeline) record(eventID, processor string, status event.ResultStatus, message string, attempt int, d time.Duration) {
	err := p.store.RecordResult(context.Background(), event.ProcessingResult{
		EventID:   eventID,
		Processor: processor,
		Status:    status,
		Message:   message,
		Attempt:   attempt,
		Duration:  d,
	})
	if err != nil {
		logger := xdlog.WithComponent("pipeline")
		logger.Warn().Err(err).
			Str("event_id", eventID).Str("processor", processor).
			Msg("failed to record processing result")
	}
}

// finalize resolves the event's global status once all matched processors
// finished. Successful results from other processors survive a peer's
// exhausted retries; only the global status reflects the failure.
func (p *Pipeline) finalize(evt event.Event, allOK bool) {
	target := event.StatusProcessed
	if !allOK {
		target = event.StatusFailed
	}
	ok, err := p.store.UpdateStatus(context.Background(), evt.ID, event.StatusProcessing, target)
	logger := xdlog.WithComponent("pipeline")
	if err != nil {
		logger.Error().Err(err).Str("event_id", evt.ID).Msg("failed to resolve event status")
		return
	}
	if !ok {
		logger.Warn().Str("event_id", evt.ID).Str("target", string(target)).
			Msg("event status changed concurrently, resolution skipped")
		return
	}
	logger.Debug().Str("event_id", evt.ID).Str("status", string(target)).Msg("event resolved")
}

// tracker counts down matched processors for one event and fires done once
// every processor reached a terminal outcome.
type tracker struct {
	mu        sync.Mutex
	remaining int
	failed    bool
	done      func(allOK bool)
}

func (t *tracker) complete(ok bool) {
	t.mu.Lock()
	if !ok {
		t.failed = true
	}
	t.remaining--
	fire := t.remaining == 0
	allOK := !t.failed
	t.mu.Unlock()

	if fire && t.done != nil {
		t.done(allOK)
	}
}
