// SPDX-License-Identifier: MIT

// Package projection folds ordered event streams into versioned, queryable
// state snapshots. Folds are pure and deterministic so that replaying a
// stream from version 0 reproduces bit-identical state; the materializer is
// the only writer of projection records.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/singleflight"

	"github.com/meridianhq/eventd/internal/event"
	xdlog "github.com/meridianhq/eventd/internal/log"
	"github.com/meridianhq/eventd/internal/metrics"
	"github.com/meridianhq/eventd/internal/replay"
)

// Folder defines one projection: a named, entity-scoped pure fold.
// Implementations must be deterministic and side-effect-free.
type Folder interface {
	// Name identifies the projection.
	Name() string
	// EntityType is the entity type whose streams this projection folds.
	EntityType() string
	// Init returns the empty state a rebuild starts from.
	Init() json.RawMessage
	// Fold produces the next state from the current state and one event.
	Fold(state json.RawMessage, evt event.Event) (json.RawMessage, error)
}

// Key addresses one materialized projection instance.
type Key struct {
	EntityType string
	EntityID   string
	Name       string
}

// StreamID returns the stream this projection folds.
func (k Key) StreamID() string {
	return event.StreamID(k.EntityType, k.EntityID)
}

func (k Key) storageKey() []byte {
	return []byte(fmt.Sprintf("proj:%s:%s:%s", k.EntityType, k.EntityID, k.Name))
}

func (k Key) String() string {
	return string(k.storageKey())
}

// record is the persisted projection shape in the KV store.
type record struct {
	State       json.RawMessage `json:"state"`
	Version     uint64          `json:"version"`
	LastEventID string          `json:"last_event_id,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Materializer owns all projection state. Incremental applies verify stream
// version continuity; a gap forces an automatic rebuild through the replay
// engine.
type Materializer struct {
	db     *badger.DB
	engine *replay.Engine

	mu      sync.RWMutex
	folders map[string]Folder

	// keys serializes load-fold-save per projection instance
	keys     sync.Map
	rebuilds singleflight.Group
}

// Open creates a materializer with projection state stored at path. An empty
// path keeps state in memory, for tests.
func Open(path string, engine *replay.Engine) (*Materializer, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open projection store: %w", err)
	}
	return &Materializer{
		db:      db,
		engine:  engine,
		folders: make(map[string]Folder),
	}, nil
}

// Close releases the projection store.
func (m *Materializer) Close() error {
	return m.db.Close()
}

// RegisterFolder binds a projection definition. Registration order does not
// matter; folders are looked up by name.
func (m *Materializer) RegisterFolder(f Folder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folders[f.Name()] = f
}

// lockKey acquires the per-projection write lock and returns its release.
func (m *Materializer) lockKey(key Key) func() {
	v, _ := m.keys.LoadOrStore(key.String(), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (m *Materializer) folder(name string) (Folder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.folders[name]
	if !ok {
		return nil, fmt.Errorf("projection %q: %w", name, event.ErrNotFound)
	}
	return f, nil
}

// Get returns the current materialized state for a key.
func (m *Materializer) Get(_ context.Context, key Key) (event.Projection, error) {
	rec, err := m.load(key)
	if err != nil {
		return event.Projection{}, err
	}
	return projectionFromRecord(key, rec), nil
}

// HandleEvent folds a stream event into every projection registered for its
// entity type. Events outside any stream are ignored.
func (m *Materializer) HandleEvent(ctx context.Context, evt event.Event) error {
	if !evt.HasEntity() {
		return nil
	}

	m.mu.RLock()
	var matched []Folder
	for _, f := range m.folders {
		if f.EntityType() == evt.EntityType {
			matched = append(matched, f)
		}
	}
	m.mu.RUnlock()

	for _, f := range matched {
		key := Key{EntityType: evt.EntityType, EntityID: evt.EntityID, Name: f.Name()}
		if _, err := m.Apply(ctx, key, evt); err != nil {
			return err
		}
	}
	return nil
}

// Apply folds one new event into the projection. The incoming stream version
// must be exactly projection version + 1; any gap signals a missed event and
// forces an automatic rebuild instead of silently skipping.
func (m *Materializer) Apply(ctx context.Context, key Key, evt event.Event) (event.Projection, error) {
	f, err := m.folder(key.Name)
	if err != nil {
		return event.Projection{}, err
	}

	unlock := m.lockKey(key)

	rec, err := m.load(key)
	if errors.Is(err, event.ErrNotFound) {
		rec = record{State: f.Init()}
	} else if err != nil {
		unlock()
		return event.Projection{}, err
	}

	if evt.StreamVersion == rec.Version {
		// duplicate delivery of the already-folded event; idempotent no-op
		if evt.ID == rec.LastEventID {
			unlock()
			return projectionFromRecord(key, rec), nil
		}
		unlock()
		return m.rebuild(ctx, key, f)
	}
	if evt.StreamVersion != rec.Version+1 {
		conflict := &event.VersionConflictError{
			StreamID: key.StreamID(),
			Expected: rec.Version + 1,
			Got:      evt.StreamVersion,
		}
		logger := xdlog.WithComponentFromContext(ctx, "projection")
		logger.Warn().
			Str("projection", key.String()).
			Uint64("expected", conflict.Expected).
			Uint64("got", conflict.Got).
			Msg("stream version gap detected, rebuilding projection")
		unlock()
		return m.rebuild(ctx, key, f)
	}

	next, err := f.Fold(rec.State, evt)
	if err != nil {
		unlock()
		return event.Projection{}, fmt.Errorf("fold %s: %w", key.String(), err)
	}
	rec = record{
		State:       next,
		Version:     evt.StreamVersion,
		LastEventID: evt.ID,
		UpdatedAt:   time.Now().UTC(),
	}
	err = m.save(key, rec)
	unlock()
	if err != nil {
		return event.Projection{}, err
	}
	return projectionFromRecord(key, rec), nil
}

// Rebuild discards current state and re-folds the bound stream from version
// 0 through the replay engine.
func (m *Materializer) Rebuild(ctx context.Context, key Key) (event.Projection, error) {
	f, err := m.folder(key.Name)
	if err != nil {
		return event.Projection{}, err
	}
	return m.rebuild(ctx, key, f)
}

// rebuild collapses concurrent callers for the same key into one replay.
// Callers must not hold the per-key lock; the rebuilt record is persisted
// under it, and only if no newer incremental state landed during the replay.
func (m *Materializer) rebuild(ctx context.Context, key Key, f Folder) (event.Projection, error) {
	v, err, _ := m.rebuilds.Do(key.String(), func() (any, error) {
		metrics.ProjectionRebuildsTotal.Inc()

		rec := record{State: f.Init()}
		target := replay.TargetFunc{
			ID: "projection:" + key.String(),
			Fn: func(_ context.Context, evt event.Event) error {
				next, err := f.Fold(rec.State, evt)
				if err != nil {
					return err
				}
				rec.State = next
				rec.Version = evt.StreamVersion
				rec.LastEventID = evt.ID
				return nil
			},
		}

		if _, err := m.engine.Replay(ctx, replay.Options{
			StreamID: key.StreamID(),
			Target:   target,
		}); err != nil {
			return nil, err
		}

		rec.UpdatedAt = time.Now().UTC()

		unlock := m.lockKey(key)
		defer unlock()
		if cur, err := m.load(key); err == nil && cur.Version > rec.Version {
			return cur, nil
		}
		if err := m.save(key, rec); err != nil {
			return nil, err
		}
		return rec, nil
	})
	if err != nil {
		return event.Projection{}, err
	}
	return projectionFromRecord(key, v.(record)), nil
}

func (m *Materializer) load(key Key) (record, error) {
	var rec record
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key.storageKey())
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return record{}, fmt.Errorf("projection %s: %w", key.String(), event.ErrNotFound)
	}
	if err != nil {
		return record{}, fmt.Errorf("load projection %s: %w", key.String(), err)
	}
	return rec, nil
}

func (m *Materializer) save(key Key, rec record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode projection %s: %w", key.String(), err)
	}
	err = m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key.storageKey(), buf)
	})
	if err != nil {
		return fmt.Errorf("save projection %s: %w", key.String(), err)
	}
	return nil
}

func projectionFromRecord(key Key, rec record) event.Projection {
	return event.Projection{
		EntityType:  key.EntityType,
		EntityID:    key.EntityID,
		Name:        key.Name,
		State:       rec.State,
		Version:     rec.Version,
		LastEventID: rec.LastEventID,
		UpdatedAt:   rec.UpdatedAt,
	}
}
