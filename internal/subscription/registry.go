// SPDX-License-Identifier: MIT

package subscription

import (
	"context"
	"encoding/json"
	"time"

	"github.com/meridianhq/eventd/internal/cache"
	"github.com/meridianhq/eventd/internal/event"
	"github.com/meridianhq/eventd/internal/store"
)

const subscriptionsCacheKey = "registry:subscriptions"

// cachedSubscription mirrors event.Subscription for cache serialization; the
// secret is excluded from the public JSON shape, so it needs its own field.
type cachedSubscription struct {
	event.Subscription
	CachedSecret string `json:"cached_secret"`
}

// Registry reads subscription configuration for dispatch cycles, cached with
// a short TTL and invalidated explicitly on create/delete.
type Registry struct {
	store *store.Store
	cache cache.Cache
	ttl   time.Duration
}

// NewRegistry returns a subscription registry over the given store and cache.
func NewRegistry(s *store.Store, c cache.Cache, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Registry{store: s, cache: c, ttl: ttl}
}

// Load returns the enabled subscriptions.
func (r *Registry) Load(ctx context.Context) ([]event.Subscription, error) {
	if buf, ok := r.cache.Get(subscriptionsCacheKey); ok {
		var cached []cachedSubscription
		if err := json.Unmarshal(buf, &cached); err == nil {
			subs := make([]event.Subscription, 0, len(cached))
			for _, c := range cached {
				sub := c.Subscription
				sub.Secret = c.CachedSecret
				subs = append(subs, sub)
			}
			return subs, nil
		}
		r.cache.Delete(subscriptionsCacheKey)
	}

	subs, err := r.store.ListSubscriptions(ctx, true)
	if err != nil {
		return nil, err
	}
	cached := make([]cachedSubscription, 0, len(subs))
	for _, sub := range subs {
		cached = append(cached, cachedSubscription{Subscription: sub, CachedSecret: sub.Secret})
	}
	if buf, err := json.Marshal(cached); err == nil {
		r.cache.Set(subscriptionsCacheKey, buf, r.ttl)
	}
	return subs, nil
}

// Create registers a subscription and invalidates the cached set.
func (r *Registry) Create(ctx context.Context, sub event.Subscription) (event.Subscription, error) {
	created, err := r.store.CreateSubscription(ctx, sub)
	if err != nil {
		return event.Subscription{}, err
	}
	r.cache.Delete(subscriptionsCacheKey)
	return created, nil
}

// Delete removes a subscription and invalidates the cached set. Delivery
// history is retained.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteSubscription(ctx, id); err != nil {
		return err
	}
	r.cache.Delete(subscriptionsCacheKey)
	return nil
}

// List returns all subscriptions including disabled ones.
func (r *Registry) List(ctx context.Context) ([]event.Subscription, error) {
	return r.store.ListSubscriptions(ctx, false)
}

// Match returns enabled subscriptions whose filter matches the event.
func (r *Registry) Match(ctx context.Context, evt event.Event) ([]event.Subscription, error) {
	subs, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	matched := make([]event.Subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.Filter.Matches(evt) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}
