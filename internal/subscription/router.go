// SPDX-License-Identifier: MIT

// Package subscription matches stored events against registered
// subscriptions and delivers them to webhook or internal targets with
// retry semantics. Delivery is best-effort relative to the canonical
// store: exhausted retries are recorded but never touch the source
// event's processing status.
package subscription

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/meridianhq/eventd/internal/event"
	xdlog "github.com/meridianhq/eventd/internal/log"
	"github.com/meridianhq/eventd/internal/metrics"
	"github.com/meridianhq/eventd/internal/store"
)

// Router fans stored events out to matching subscriptions.
type Router struct {
	store    *store.Store
	registry *Registry
	webhook  *WebhookClient
	limiter  *rate.Limiter

	mu       sync.RWMutex
	channels map[string]chan event.Event

	deliveries sync.WaitGroup
}

// NewRouter returns a subscription router. outboundRPS bounds the aggregate
// outbound webhook attempt rate; zero disables the limiter.
func NewRouter(s *store.Store, registry *Registry, webhook *WebhookClient, outboundRPS int) *Router {
	var limiter *rate.Limiter
	if outboundRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(outboundRPS), outboundRPS)
	}
	return &Router{
		store:    s,
		registry: registry,
		webhook:  webhook,
		limiter:  limiter,
		channels: make(map[string]chan event.Event),
	}
}

// Channel returns (creating on first use) the in-process delivery channel
// for an internal subscription target.
func (r *Router) Channel(name string) <-chan event.Event {
	return r.channel(name)
}

func (r *Router) channel(name string) chan event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	if !ok {
		ch = make(chan event.Event, 64)
		r.channels[name] = ch
	}
	return ch
}

// Dispatch matches the event against every enabled subscription and delivers
// to each match on its own goroutine. One subscriber's failure never affects
// another's delivery, nor the event's processing status.
func (r *Router) Dispatch(ctx context.Context, evt event.Event) error {
	matched, err := r.registry.Match(ctx, evt)
	if err != nil {
		return err
	}
	for _, sub := range matched {
		r.deliveries.Add(1)
		go func(sub event.Subscription) {
			defer r.deliveries.Done()
			r.deliver(ctx, sub, evt)
		}(sub)
	}
	return nil
}

// Drain waits for in-flight deliveries. Called on shutdown and by tests.
func (r *Router) Drain() {
	r.deliveries.Wait()
}

// deliver attempts delivery with the subscription's retry policy. Retryable
// failures back off exponentially; exhaustion records a terminal failure.
func (r *Router) deliver(ctx context.Context, sub event.Subscription, evt event.Event) {
	logger := xdlog.WithComponent("router")
	policy := sub.Retry.Normalize()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if delay := policy.Delay(attempt); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				r.recordOutcome(sub, evt, event.DeliveryFailed, attempt-1, lastErr)
				return
			}
		}

		metrics.DeliveryAttemptsTotal.Inc()
		err := r.attempt(ctx, sub, evt)
		if err == nil {
			r.recordOutcome(sub, evt, event.DeliveryDelivered, attempt, nil)
			return
		}
		lastErr = err

		var dErr *event.DeliveryError
		retryable := true
		if ok := asDeliveryError(err, &dErr); ok {
			retryable = dErr.Retryable
		}
		logger.Warn().Err(err).
			Str("subscription_id", sub.ID).
			Str("event_id", evt.ID).
			Int("attempt", attempt).
			Bool("retryable", retryable).
			Msg("subscription delivery attempt failed")
		if !retryable {
			r.recordOutcome(sub, evt, event.DeliveryFailed, attempt, lastErr)
			return
		}
	}
	r.recordOutcome(sub, evt, event.DeliveryFailed, policy.MaxAttempts, lastErr)
}

func (r *Router) attempt(ctx context.Context, sub event.Subscription, evt event.Event) error {
	switch sub.Target {
	case event.TargetWebhook:
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return &event.DeliveryError{SubscriptionID: sub.ID, EventID: evt.ID, Retryable: false, Err: err}
			}
		}
		return r.webhook.Deliver(ctx, sub, evt)
	case event.TargetInternal:
		select {
		case r.channel(sub.Channel) <- evt:
			return nil
		case <-ctx.Done():
			return &event.DeliveryError{SubscriptionID: sub.ID, EventID: evt.ID, Retryable: false, Err: ctx.Err()}
		default:
			return &event.DeliveryError{SubscriptionID: sub.ID, EventID: evt.ID, Retryable: true,
				Err: errChannelFull}
		}
	default:
		return &event.DeliveryError{SubscriptionID: sub.ID, EventID: evt.ID, Retryable: false,
			Err: errUnknownTarget}
	}
}

func (r *Router) recordOutcome(sub event.Subscription, evt event.Event, outcome event.DeliveryOutcome, attempts int, lastErr error) {
	metrics.IncDelivery(string(sub.Target), string(outcome))
	d := event.Delivery{
		SubscriptionID: sub.ID,
		EventID:        evt.ID,
		Outcome:        outcome,
		Attempts:       attempts,
	}
	if lastErr != nil {
		d.LastError = lastErr.Error()
	}
	if err := r.store.RecordDelivery(context.Background(), d); err != nil {
		logger := xdlog.WithComponent("router")
		logger.Warn().Err(err).
			Str("subscription_id", sub.ID).Str("event_id", evt.ID).
			Msg("failed to record delivery outcome")
	}
}
