// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/eventd/internal/cache"
	"github.com/meridianhq/eventd/internal/event"
	"github.com/meridianhq/eventd/internal/pipeline"
	"github.com/meridianhq/eventd/internal/projection"
	"github.com/meridianhq/eventd/internal/replay"
	"github.com/meridianhq/eventd/internal/store"
	"github.com/meridianhq/eventd/internal/stream"
	"github.com/meridianhq/eventd/internal/subscription"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	streams := stream.NewManager(s)
	procs := pipeline.NewRegistry(s, cache.NewMemory(), time.Minute)
	pipe := pipeline.New(s, procs, 5*time.Second, 5*time.Millisecond)
	subs := subscription.NewRegistry(s, cache.NewMemory(), time.Minute)
	router := subscription.NewRouter(s, subs, subscription.NewWebhookClient(time.Second), 100)
	engine := replay.NewEngine(s, streams)

	mat, err := projection.Open("", engine)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mat.Close() })
	mat.RegisterFolder(countFolder{})

	srv := httptest.NewServer(New(Deps{
		Store:         s,
		Streams:       streams,
		Processors:    procs,
		Pipeline:      pipe,
		Subscriptions: subs,
		Router:        router,
		Replay:        engine,
		Projections:   mat,
	}).Handler())
	t.Cleanup(srv.Close)
	return srv, s
}

type countFolder struct{}

func (countFolder) Name() string             { return "order_counts" }
func (countFolder) EntityType() string       { return "order" }
func (countFolder) Init() json.RawMessage    { return json.RawMessage(`{"n":0}`) }
func (countFolder) Fold(state json.RawMessage, _ event.Event) (json.RawMessage, error) {
	var st struct {
		N int `json:"n"`
	}
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, err
	}
	st.N++
	return json.Marshal(st)
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func orderDraft(id string) event.Draft {
	return event.Draft{
		Type:       "order.placed",
		Source:     event.SourceFrontend,
		Category:   "commerce",
		EntityType: "order",
		EntityID:   id,
		Payload:    json.RawMessage(`{"total":42}`),
		OccurredAt: time.Now().UTC().Add(-time.Minute),
	}
}

func TestAppendAndGet(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/events", orderDraft("o1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[event.Event](t, resp)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, event.StatusPending, created.Status)
	assert.Equal(t, uint64(1), created.StreamVersion)

	got, err := http.Get(srv.URL + "/api/events/" + created.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, got.StatusCode)
	fetched := decodeBody[event.Event](t, got)
	assert.Equal(t, created.ID, fetched.ID)
}

func TestAppendValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	draft := orderDraft("o1")
	draft.Type = ""
	resp := postJSON(t, srv.URL+"/api/events", draft)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "type", body["field"])
}

func TestGetUnknownEvent(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/events/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestBatchAtomicity(t *testing.T) {
	srv, s := newTestServer(t)

	drafts := []event.Draft{orderDraft("o1"), orderDraft("o2")}
	drafts[1].Source = "carrier_pigeon"
	resp := postJSON(t, srv.URL+"/api/events/batch", drafts)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	_, total, err := s.QueryEvents(t.Context(), store.Query{})
	require.NoError(t, err)
	assert.Zero(t, total)

	resp = postJSON(t, srv.URL+"/api/events/batch", []event.Draft{orderDraft("o1"), orderDraft("o2")})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody[struct {
		Count int `json:"count"`
	}](t, resp)
	assert.Equal(t, 2, body.Count)
}

func TestQueryFiltersAndClamp(t *testing.T) {
	srv, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		resp := postJSON(t, srv.URL+"/api/events", orderDraft(fmt.Sprintf("o%d", i)))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		_ = resp.Body.Close()
	}
	other := orderDraft("u1")
	other.Type = "user.signed_up"
	other.Category = "identity"
	resp := postJSON(t, srv.URL+"/api/events", other)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	got, err := http.Get(srv.URL + "/api/events?category=commerce&limit=2000")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, got.StatusCode)
	body := decodeBody[struct {
		Total int `json:"total"`
		Count int `json:"count"`
	}](t, got)
	assert.Equal(t, 3, body.Total)
	assert.Equal(t, 3, body.Count)
}

func TestArchiveLifecycle(t *testing.T) {
	srv, s := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/events", orderDraft("o1"))
	created := decodeBody[event.Event](t, resp)

	// pending events cannot be archived
	archived := postJSON(t, srv.URL+"/api/events/"+created.ID+"/archive", nil)
	assert.Equal(t, http.StatusConflict, archived.StatusCode)
	_ = archived.Body.Close()

	ctx := t.Context()
	_, err := s.UpdateStatus(ctx, created.ID, event.StatusPending, event.StatusProcessing)
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, created.ID, event.StatusProcessing, event.StatusProcessed)
	require.NoError(t, err)

	archived = postJSON(t, srv.URL+"/api/events/"+created.ID+"/archive", nil)
	assert.Equal(t, http.StatusOK, archived.StatusCode)
	_ = archived.Body.Close()
}

func TestReadStream(t *testing.T) {
	srv, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		resp := postJSON(t, srv.URL+"/api/events", orderDraft("o1"))
		_ = resp.Body.Close()
	}

	got, err := http.Get(srv.URL + "/api/streams/order/o1?from_version=1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, got.StatusCode)
	body := decodeBody[struct {
		StreamID string        `json:"stream_id"`
		Version  uint64        `json:"version"`
		Events   []event.Event `json:"events"`
	}](t, got)
	assert.Equal(t, "order:o1", body.StreamID)
	assert.Equal(t, uint64(3), body.Version)
	require.Len(t, body.Events, 2)
	assert.Equal(t, uint64(2), body.Events[0].StreamVersion)
}

func TestProcessorRegistry(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/processors", event.Processor{
		Name:    "enrich",
		Enabled: true,
		Filter:  event.TypeFilter("order.placed"),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[event.Processor](t, resp)
	require.NotEmpty(t, created.ID)

	toggled := postJSON(t, srv.URL+"/api/processors/"+created.ID+"/toggle", map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, toggled.StatusCode)
	_ = toggled.Body.Close()

	got, err := http.Get(srv.URL + "/api/processors")
	require.NoError(t, err)
	body := decodeBody[struct {
		Processors []event.Processor `json:"processors"`
	}](t, got)
	require.Len(t, body.Processors, 1)
	assert.False(t, body.Processors[0].Enabled)
}

func TestSubscriptionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/subscriptions", map[string]any{
		"subscriber": "audit",
		"enabled":    true,
		"target":     "webhook",
		"url":        "https://example.com/hook",
		"secret":     "hunter2",
		"filter":     event.TypeFilter("order.placed"),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[event.Subscription](t, resp)
	require.NotEmpty(t, created.ID)
	// the webhook secret never serializes back out
	assert.Empty(t, created.Secret)

	got, err := http.Get(srv.URL + "/api/subscriptions/" + created.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, got.StatusCode)
	_ = got.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/subscriptions/"+created.ID, nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, del.StatusCode)
	_ = del.Body.Close()

	got, err = http.Get(srv.URL + "/api/subscriptions/" + created.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, got.StatusCode)
	_ = got.Body.Close()
}

func TestDryRunReplay(t *testing.T) {
	srv, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		resp := postJSON(t, srv.URL+"/api/events", orderDraft("o1"))
		_ = resp.Body.Close()
	}

	resp := postJSON(t, srv.URL+"/api/replay", replayRequest{
		EntityType: "order",
		EntityID:   "o1",
		DryRun:     true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := decodeBody[replay.Summary](t, resp)
	assert.Equal(t, 3, summary.Count)
	assert.True(t, summary.DryRun)
	assert.Len(t, summary.EventIDs, 3)

	// stream_id form addresses the same stream directly
	resp = postJSON(t, srv.URL+"/api/replay", replayRequest{
		StreamID:    "order:o1",
		FromVersion: 2,
		DryRun:      true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary = decodeBody[replay.Summary](t, resp)
	assert.Equal(t, 1, summary.Count)
}

func TestReplayRequiresTarget(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/replay", replayRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/replay", replayRequest{Target: "carrier_pigeon"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/replay", replayRequest{EntityType: "order"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestReplayedDeliveriesOutliveRequestContext(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	var hits atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(50 * time.Millisecond)
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(hook.Close)

	subs := subscription.NewRegistry(s, cache.NewMemory(), time.Minute)
	router := subscription.NewRouter(s, subs, subscription.NewWebhookClient(time.Second), 100)
	createdSub, err := subs.Create(t.Context(), event.Subscription{
		Subscriber: "audit",
		Filter:     event.TypeFilter("order.placed"),
		Target:     event.TargetWebhook,
		URL:        hook.URL,
		Secret:     "s",
		Enabled:    true,
		Retry:      event.RetryPolicy{MaxAttempts: 1, Backoff: 5 * time.Millisecond},
	})
	require.NoError(t, err)

	evt, err := s.Append(t.Context(), orderDraft("o1"))
	require.NoError(t, err)

	srv := &Server{router: router}
	target, err := srv.resolveTarget(targetSubscriptions)
	require.NoError(t, err)

	// the request context ends as soon as the summary is written; the
	// delivery must still land
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, target.Emit(ctx, evt))
	cancel()
	router.Drain()

	assert.Equal(t, int32(1), hits.Load())
	deliveries, err := s.ListDeliveries(t.Context(), createdSub.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, deliveries)
	assert.Equal(t, event.DeliveryDelivered, deliveries[0].Outcome)
}

func TestProjectionEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	for i := 0; i < 2; i++ {
		resp := postJSON(t, srv.URL+"/api/events", orderDraft("o1"))
		_ = resp.Body.Close()
	}

	rebuilt := postJSON(t, srv.URL+"/api/projections/order/o1/order_counts/rebuild", nil)
	require.Equal(t, http.StatusOK, rebuilt.StatusCode)
	proj := decodeBody[event.Projection](t, rebuilt)
	assert.Equal(t, uint64(2), proj.Version)

	got, err := http.Get(srv.URL + "/api/projections/order/o1/order_counts")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, got.StatusCode)
	fetched := decodeBody[event.Projection](t, got)
	assert.Equal(t, proj.Version, fetched.Version)

	missing, err := http.Get(srv.URL + "/api/projections/order/absent/order_counts")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	_ = missing.Body.Close()
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestStats(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/events", orderDraft("o1"))
	_ = resp.Body.Close()

	got, err := http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, got.StatusCode)
	stats := decodeBody[store.Stats](t, got)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.BySource["frontend"])
}
