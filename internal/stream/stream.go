// SPDX-License-Identifier: MIT

// Package stream groups events into versioned, causally-ordered streams.
// A stream is a read index over the event store keyed by entity: the store
// owns event content, this package owns the notion of stream identity and
// ordered traversal. Version allocation itself runs inside the store's
// append transaction so that concurrent appends to one stream serialize
// while unrelated streams never contend.
package stream

import (
	"context"

	"github.com/meridianhq/eventd/internal/event"
	"github.com/meridianhq/eventd/internal/store"
)

// DefaultPageSize is how many events an iterator fetches per store read.
const DefaultPageSize = 200

// ID derives the stream key for an entity, "entity_type:entity_id".
func ID(entityType, entityID string) string {
	return event.StreamID(entityType, entityID)
}

// Manager provides ordered access to entity streams.
type Manager struct {
	store *store.Store
}

// NewManager returns a stream manager over the given store.
func NewManager(s *store.Store) *Manager {
	return &Manager{store: s}
}

// Version returns the current version counter for a stream; 0 for an unseen
// stream.
func (m *Manager) Version(ctx context.Context, streamID string) (uint64, error) {
	return m.store.StreamVersion(ctx, streamID)
}

// Read returns a lazy iterator over the stream's events with version greater
// than fromVersion, in version order. The iterator is finite and restartable:
// a fresh Read from the same position yields the same sequence.
func (m *Manager) Read(streamID string, fromVersion uint64) *Iterator {
	return &Iterator{
		store:    m.store,
		streamID: streamID,
		cursor:   fromVersion,
		pageSize: DefaultPageSize,
	}
}

// Iterator pages through one stream in version order.
type Iterator struct {
	store    *store.Store
	streamID string
	cursor   uint64
	pageSize int
	page     []event.Event
	pos      int
	done     bool
}

// Next returns the next event in the stream. The second return value is
// false once the stream is exhausted.
func (it *Iterator) Next(ctx context.Context) (event.Event, bool, error) {
	if it.done {
		return event.Event{}, false, nil
	}
	if it.pos >= len(it.page) {
		page, err := it.store.ListStream(ctx, it.streamID, it.cursor, it.pageSize)
		if err != nil {
			return event.Event{}, false, err
		}
		if len(page) == 0 {
			it.done = true
			return event.Event{}, false, nil
		}
		it.page = page
		it.pos = 0
	}
	evt := it.page[it.pos]
	it.pos++
	it.cursor = evt.StreamVersion
	return evt, true, nil
}

// Collect drains the iterator into a slice. Intended for bounded streams and
// tests; replay uses Next directly so it can honor cancellation per event.
func (it *Iterator) Collect(ctx context.Context) ([]event.Event, error) {
	var events []event.Event
	for {
		evt, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return events, nil
		}
		events = append(events, evt)
	}
}
