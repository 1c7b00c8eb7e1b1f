// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/meridianhq/eventd/internal/cache"
	"github.com/meridianhq/eventd/internal/event"
	"github.com/meridianhq/eventd/internal/store"
)

const processorsCacheKey = "registry:processors"

// Registry reads processor configuration for dispatch cycles. The processor
// table is externally-owned state; the registry caches the enabled set with
// a short TTL and invalidates explicitly on register/toggle, so mutations
// apply from the next dispatched event onward.
type Registry struct {
	store *store.Store
	cache cache.Cache
	ttl   time.Duration
}

// NewRegistry returns a processor registry over the given store and cache.
func NewRegistry(s *store.Store, c cache.Cache, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Registry{store: s, cache: c, ttl: ttl}
}

// Load returns the enabled processors sorted by priority descending with
// registration order breaking ties.
func (r *Registry) Load(ctx context.Context) ([]event.Processor, error) {
	if buf, ok := r.cache.Get(processorsCacheKey); ok {
		var procs []event.Processor
		if err := json.Unmarshal(buf, &procs); err == nil {
			return procs, nil
		}
		r.cache.Delete(processorsCacheKey)
	}

	procs, err := r.store.ListProcessors(ctx, true)
	if err != nil {
		return nil, err
	}
	if buf, err := json.Marshal(procs); err == nil {
		r.cache.Set(processorsCacheKey, buf, r.ttl)
	}
	return procs, nil
}

// Register creates a processor and invalidates the cached set.
func (r *Registry) Register(ctx context.Context, p event.Processor) (event.Processor, error) {
	created, err := r.store.CreateProcessor(ctx, p)
	if err != nil {
		return event.Processor{}, err
	}
	r.cache.Delete(processorsCacheKey)
	return created, nil
}

// Toggle flips a processor's enabled flag and invalidates the cached set.
// In-flight executions are not cancelled.
func (r *Registry) Toggle(ctx context.Context, id string, enabled bool) error {
	if err := r.store.ToggleProcessor(ctx, id, enabled); err != nil {
		return err
	}
	r.cache.Delete(processorsCacheKey)
	return nil
}

// List returns all processors including disabled ones, with bookkeeping.
func (r *Registry) List(ctx context.Context) ([]event.Processor, error) {
	return r.store.ListProcessors(ctx, false)
}

// Match returns the enabled processors whose filter matches the event, in
// execution order.
func (r *Registry) Match(ctx context.Context, evt event.Event) ([]event.Processor, error) {
	procs, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	matched := make([]event.Processor, 0, len(procs))
	for _, p := range procs {
		if p.Filter.Matches(evt) {
			matched = append(matched, p)
		}
	}
	return matched, nil
}
