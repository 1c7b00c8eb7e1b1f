// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/eventd/internal/event"
	"github.com/meridianhq/eventd/internal/metrics"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func orderDraft(entityID string) event.Draft {
	return event.Draft{
		Type:       "order.placed",
		Source:     event.SourceBackend,
		Category:   "commerce",
		EntityType: "order",
		EntityID:   entityID,
		Payload:    json.RawMessage(`{"total": 42}`),
	}
}

func TestAppendGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	draft := orderDraft("o1")
	draft.UserID = "u1"
	draft.CorrelationID = "corr-7"
	draft.Metadata = map[string]string{"client_ip": "10.0.0.1"}

	appended, err := s.Append(ctx, draft)
	require.NoError(t, err)
	assert.NotEmpty(t, appended.ID)
	assert.Equal(t, event.StatusPending, appended.Status)
	assert.Equal(t, uint64(1), appended.StreamVersion)

	got, err := s.Get(ctx, appended.ID)
	require.NoError(t, err)
	assert.Equal(t, appended.ID, got.ID)
	assert.Equal(t, "order.placed", got.Type)
	assert.Equal(t, event.SourceBackend, got.Source)
	assert.Equal(t, "commerce", got.Category)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "corr-7", got.CorrelationID)
	assert.Equal(t, map[string]string{"client_ip": "10.0.0.1"}, got.Metadata)
	assert.JSONEq(t, `{"total": 42}`, string(got.Payload))
	assert.Equal(t, event.StatusPending, got.Status)
	assert.Equal(t, uint64(1), got.StreamVersion)
	assert.Equal(t, event.SchemaVersion, got.SchemaVersion)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, event.ErrNotFound)
}

func TestAppendInvalidDraft(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append(context.Background(), event.Draft{Source: event.SourceBackend})
	require.Error(t, err)
	assert.True(t, event.IsValidation(err))
}

func TestAppendErrorsAreCounted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.AppendErrorsTotal)

	_, err := s.Append(ctx, event.Draft{Source: event.SourceBackend})
	require.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AppendErrorsTotal))

	_, err = s.AppendBatch(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.AppendErrorsTotal))

	_, err = s.Append(ctx, orderDraft("o1"))
	require.NoError(t, err)
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.AppendErrorsTotal))
}

func TestAppendBatchAtomicity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	drafts := make([]event.Draft, 10)
	for i := range drafts {
		drafts[i] = orderDraft(fmt.Sprintf("o%d", i))
	}
	drafts[6].Type = "" // draft #7 invalid

	_, err := s.AppendBatch(ctx, drafts)
	require.Error(t, err)
	assert.True(t, event.IsValidation(err))

	_, total, err := s.QueryEvents(ctx, Query{})
	require.NoError(t, err)
	assert.Zero(t, total, "no events from a failed batch may be visible")
}

func TestAppendBatchSizeCap(t *testing.T) {
	s := newTestStore(t)
	drafts := make([]event.Draft, MaxBatchSize+1)
	for i := range drafts {
		drafts[i] = orderDraft(fmt.Sprintf("o%d", i))
	}
	_, err := s.AppendBatch(context.Background(), drafts)
	require.Error(t, err)
	assert.True(t, event.IsValidation(err))
}

func TestAppendBatchSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events, err := s.AppendBatch(ctx, []event.Draft{orderDraft("o1"), orderDraft("o1"), orderDraft("o2")})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].StreamVersion)
	assert.Equal(t, uint64(2), events[1].StreamVersion)
	assert.Equal(t, uint64(1), events[2].StreamVersion)
}

func TestConcurrentStreamVersionsGapFree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 5

	var wg sync.WaitGroup
	errCh := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Go(func() {
			for i := 0; i < perWriter; i++ {
				if _, err := s.Append(ctx, orderDraft("o-contended")); err != nil {
					errCh <- err
				}
			}
		})
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent append failed: %v", err)
	}

	events, err := s.ListStream(ctx, event.StreamID("order", "o-contended"), 0, MaxPageSize)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)

	versions := make([]int, 0, len(events))
	for _, evt := range events {
		versions = append(versions, int(evt.StreamVersion))
	}
	sort.Ints(versions)
	for i, v := range versions {
		assert.Equal(t, i+1, v, "versions must be strictly increasing with no gaps or duplicates")
	}

	current, err := s.StreamVersion(ctx, event.StreamID("order", "o-contended"))
	require.NoError(t, err)
	assert.Equal(t, uint64(writers*perWriter), current)
}

func TestEventWithoutEntitySkipsStream(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	evt, err := s.Append(ctx, event.Draft{Type: "system.tick", Source: event.SourceSystem, Category: "ops"})
	require.NoError(t, err)
	assert.Zero(t, evt.StreamVersion)
	assert.Empty(t, evt.StreamID())
}

func TestUnseenStreamIsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	version, err := s.StreamVersion(ctx, "order:never-seen")
	require.NoError(t, err)
	assert.Zero(t, version)

	events, err := s.ListStream(ctx, "order:never-seen", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestQueryFiltersAndClamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		d := orderDraft(fmt.Sprintf("o%d", i))
		d.OccurredAt = base.Add(time.Duration(i) * time.Minute)
		_, err := s.Append(ctx, d)
		require.NoError(t, err)
	}
	_, err := s.Append(ctx, event.Draft{
		Type: "session.started", Source: event.SourceFrontend, Category: "session",
		OccurredAt: base.Add(time.Hour),
	})
	require.NoError(t, err)

	events, total, err := s.QueryEvents(ctx, Query{Type: "order.placed"})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, events, 5)
	// newest first
	assert.True(t, events[0].OccurredAt.After(events[4].OccurredAt))

	events, total, err = s.QueryEvents(ctx, Query{Source: event.SourceFrontend})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, events, 1)

	events, total, err = s.QueryEvents(ctx, Query{From: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	// limit=2000 is clamped to the hard maximum
	q := Query{Limit: 2000}
	q.clamp()
	assert.Equal(t, MaxPageSize, q.Limit)

	events, total, err = s.QueryEvents(ctx, Query{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	assert.Len(t, events, 2)
}

func TestUpdateStatusCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	evt, err := s.Append(ctx, orderDraft("o1"))
	require.NoError(t, err)

	ok, err := s.UpdateStatus(ctx, evt.ID, event.StatusPending, event.StatusProcessing)
	require.NoError(t, err)
	assert.True(t, ok)

	// stale expectation fails without touching the row
	ok, err = s.UpdateStatus(ctx, evt.ID, event.StatusPending, event.StatusProcessing)
	require.NoError(t, err)
	assert.False(t, ok)

	// illegal transition rejected before touching the store
	_, err = s.UpdateStatus(ctx, evt.ID, event.StatusProcessing, event.StatusPending)
	require.Error(t, err)

	ok, err = s.UpdateStatus(ctx, evt.ID, event.StatusProcessing, event.StatusProcessed)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusProcessed, got.Status)
}

func TestArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	evt, err := s.Append(ctx, orderDraft("o1"))
	require.NoError(t, err)

	// archiving a pending event is illegal
	require.Error(t, s.Archive(ctx, evt.ID))

	_, err = s.UpdateStatus(ctx, evt.ID, event.StatusPending, event.StatusProcessing)
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, evt.ID, event.StatusProcessing, event.StatusFailed)
	require.NoError(t, err)

	require.NoError(t, s.Archive(ctx, evt.ID))
	got, err := s.Get(ctx, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusArchived, got.Status)

	// terminal: nothing leaves archived
	require.Error(t, s.Archive(ctx, evt.ID))
}

func TestMarkProcessorRunIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	evt, err := s.Append(ctx, orderDraft("o1"))
	require.NoError(t, err)

	require.NoError(t, s.MarkProcessorRun(ctx, evt.ID, "enricher"))
	require.NoError(t, s.MarkProcessorRun(ctx, evt.ID, "enricher"))
	require.NoError(t, s.MarkProcessorRun(ctx, evt.ID, "notifier"))

	got, err := s.Get(ctx, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"enricher", "notifier"}, got.Processors)
}

func TestProcessingResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	evt, err := s.Append(ctx, orderDraft("o1"))
	require.NoError(t, err)

	require.NoError(t, s.RecordResult(ctx, event.ProcessingResult{
		EventID: evt.ID, Processor: "enricher", Status: event.ResultRetry,
		Message: "timeout", Attempt: 1, Duration: 120 * time.Millisecond,
	}))
	require.NoError(t, s.RecordResult(ctx, event.ProcessingResult{
		EventID: evt.ID, Processor: "enricher", Status: event.ResultSuccess, Attempt: 2,
	}))

	results, err := s.ListResults(ctx, evt.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, event.ResultRetry, results[0].Status)
	assert.Equal(t, 120*time.Millisecond, results[0].Duration)
	assert.Equal(t, event.ResultSuccess, results[1].Status)
	assert.Equal(t, 2, results[1].Attempt)
}

func TestProcessorRegistry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low, err := s.CreateProcessor(ctx, event.Processor{Name: "audit", Enabled: true, Priority: 1})
	require.NoError(t, err)
	high, err := s.CreateProcessor(ctx, event.Processor{
		Name: "enricher", Enabled: true, Priority: 10,
		Filter: event.TypeFilter("order.placed"),
	})
	require.NoError(t, err)
	tieA, err := s.CreateProcessor(ctx, event.Processor{Name: "tie-a", Enabled: true, Priority: 5})
	require.NoError(t, err)
	tieB, err := s.CreateProcessor(ctx, event.Processor{Name: "tie-b", Enabled: true, Priority: 5})
	require.NoError(t, err)

	procs, err := s.ListProcessors(ctx, true)
	require.NoError(t, err)
	require.Len(t, procs, 4)
	assert.Equal(t, high.Name, procs[0].Name)
	assert.Equal(t, tieA.Name, procs[1].Name, "priority ties break by registration order")
	assert.Equal(t, tieB.Name, procs[2].Name)
	assert.Equal(t, low.Name, procs[3].Name)

	// duplicate names rejected
	_, err = s.CreateProcessor(ctx, event.Processor{Name: "audit", Enabled: true})
	require.Error(t, err)

	require.NoError(t, s.ToggleProcessor(ctx, low.ID, false))
	procs, err = s.ListProcessors(ctx, true)
	require.NoError(t, err)
	assert.Len(t, procs, 3)

	all, err := s.ListProcessors(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	require.ErrorIs(t, s.ToggleProcessor(ctx, "nope", true), event.ErrNotFound)

	require.NoError(t, s.RecordProcessorRun(ctx, "enricher", fmt.Errorf("boom")))
	all, err = s.ListProcessors(ctx, false)
	require.NoError(t, err)
	for _, p := range all {
		if p.Name == "enricher" {
			assert.Equal(t, int64(1), p.ErrorCount)
			assert.Equal(t, "boom", p.LastError)
			assert.False(t, p.LastRunAt.IsZero())
		}
	}
}

func TestSubscriptionRegistry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub, err := s.CreateSubscription(ctx, event.Subscription{
		Subscriber: "billing",
		Filter:     event.TypeFilter("order.placed"),
		Target:     event.TargetWebhook,
		URL:        "https://billing.internal/hooks/orders",
		Secret:     "s3cret",
		Enabled:    true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, 3, sub.Retry.MaxAttempts, "retry policy defaults applied")

	got, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "billing", got.Subscriber)
	assert.Equal(t, "s3cret", got.Secret)

	subs, err := s.ListSubscriptions(ctx, true)
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	require.NoError(t, s.DeleteSubscription(ctx, sub.ID))
	require.ErrorIs(t, s.DeleteSubscription(ctx, sub.ID), event.ErrNotFound)

	subs, err = s.ListSubscriptions(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestDeliveryHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordDelivery(ctx, event.Delivery{
		SubscriptionID: "sub-1", EventID: "evt-1",
		Outcome: event.DeliveryFailed, Attempts: 3, LastError: "status 500",
	}))
	require.NoError(t, s.RecordDelivery(ctx, event.Delivery{
		SubscriptionID: "sub-1", EventID: "evt-2",
		Outcome: event.DeliveryDelivered, Attempts: 1,
	}))

	history, err := s.ListDeliveries(ctx, "sub-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, event.DeliveryDelivered, history[0].Outcome, "newest first")
	assert.Equal(t, event.DeliveryFailed, history[1].Outcome)
	assert.Equal(t, 3, history[1].Attempts)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 15, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		d := orderDraft(fmt.Sprintf("o%d", i))
		d.OccurredAt = base.Add(time.Duration(i) * time.Minute)
		_, err := s.Append(ctx, d)
		require.NoError(t, err)
	}
	d := event.Draft{Type: "session.started", Source: event.SourceFrontend, Category: "session", OccurredAt: base.Add(2 * time.Hour)}
	_, err := s.Append(ctx, d)
	require.NoError(t, err)

	stats, err := s.Stats(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(4), stats.ByStatus["pending"])
	assert.Equal(t, int64(3), stats.BySource["backend"])
	assert.Equal(t, int64(1), stats.BySource["frontend"])
	assert.Equal(t, int64(3), stats.ByType["order.placed"])
	assert.Equal(t, int64(1), stats.ByCategory["session"])
	require.Len(t, stats.Hourly, 2)
	assert.Equal(t, int64(3), stats.Hourly[0].Count)
	assert.Equal(t, base.Truncate(time.Hour), stats.Hourly[0].Hour)
}

func TestAppendHook(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	s.SetAppendHook(func(evt event.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, evt.ID)
	})

	evt, err := s.Append(ctx, orderDraft("o1"))
	require.NoError(t, err)
	batch, err := s.AppendBatch(ctx, []event.Draft{orderDraft("o2"), orderDraft("o3")})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Equal(t, evt.ID, seen[0])
	assert.Equal(t, batch[0].ID, seen[1])
	assert.Equal(t, batch[1].ID, seen[2])
}
