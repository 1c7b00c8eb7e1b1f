// SPDX-License-Identifier: MIT

package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDraftValidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		draft   Draft
		wantErr string
	}{
		{
			name:  "valid minimal",
			draft: Draft{Type: "order.placed", Source: SourceBackend, Category: "commerce"},
		},
		{
			name:    "missing type",
			draft:   Draft{Source: SourceBackend, Category: "commerce"},
			wantErr: "type",
		},
		{
			name:    "unknown source",
			draft:   Draft{Type: "order.placed", Source: "mainframe", Category: "commerce"},
			wantErr: "source",
		},
		{
			name:    "missing category",
			draft:   Draft{Type: "order.placed", Source: SourceBackend},
			wantErr: "category",
		},
		{
			name: "future timestamp",
			draft: Draft{
				Type: "order.placed", Source: SourceBackend, Category: "commerce",
				OccurredAt: now.Add(time.Hour),
			},
			wantErr: "occurred_at",
		},
		{
			name: "entity id without type",
			draft: Draft{
				Type: "order.placed", Source: SourceBackend, Category: "commerce",
				EntityID: "o1",
			},
			wantErr: "entity_id",
		},
		{
			name: "invalid payload",
			draft: Draft{
				Type: "order.placed", Source: SourceBackend, Category: "commerce",
				Payload: json.RawMessage(`{"broken`),
			},
			wantErr: "payload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.draft.Validate(now)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsValidation(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDraftValidateDefaults(t *testing.T) {
	now := time.Now()
	d := Draft{Type: "session.started", Source: SourceFrontend, Category: "session"}
	require.NoError(t, d.Validate(now))
	assert.Equal(t, now, d.OccurredAt)
	assert.Equal(t, SchemaVersion, d.SchemaVersion)
}

func TestStatusTransitions(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusPending, StatusProcessing},
		{StatusProcessing, StatusProcessed},
		{StatusProcessing, StatusFailed},
		{StatusProcessed, StatusArchived},
		{StatusFailed, StatusArchived},
	}
	for _, tr := range legal {
		assert.True(t, tr.from.CanTransition(tr.to), "%s -> %s should be legal", tr.from, tr.to)
		assert.NoError(t, tr.from.CheckTransition(tr.to))
	}

	illegal := []struct{ from, to Status }{
		{StatusPending, StatusProcessed},
		{StatusPending, StatusFailed},
		{StatusProcessed, StatusPending},
		{StatusProcessed, StatusProcessing},
		{StatusFailed, StatusProcessing},
		{StatusArchived, StatusPending},
		{StatusArchived, StatusProcessed},
	}
	for _, tr := range illegal {
		assert.False(t, tr.from.CanTransition(tr.to), "%s -> %s should be illegal", tr.from, tr.to)
		assert.Error(t, tr.from.CheckTransition(tr.to))
	}
}

func TestFilterMatches(t *testing.T) {
	evt := Event{Type: "order.placed", Source: SourceBackend, Category: "commerce"}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty matches all", Filter{}, true},
		{"exact type", TypeFilter("order.placed"), true},
		{"wrong type", TypeFilter("order.cancelled"), false},
		{
			"in-set source",
			Filter{{Field: FieldSource, Op: OpIn, Values: []string{"frontend", "backend"}}},
			true,
		},
		{
			"contains type",
			Filter{{Field: FieldType, Op: OpContains, Values: []string{"order."}}},
			true,
		},
		{
			"conjunction fails on one rule",
			Filter{
				{Field: FieldType, Op: OpEquals, Values: []string{"order.placed"}},
				{Field: FieldCategory, Op: OpEquals, Values: []string{"billing"}},
			},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(evt))
		})
	}
}

func TestFilterValidate(t *testing.T) {
	require.NoError(t, Filter{}.Validate())
	require.NoError(t, TypeFilter("a.b").Validate())

	assert.Error(t, Filter{{Field: "payload", Op: OpEquals, Values: []string{"x"}}}.Validate())
	assert.Error(t, Filter{{Field: FieldType, Op: "regex", Values: []string{"x"}}}.Validate())
	assert.Error(t, Filter{{Field: FieldType, Op: OpIn}}.Validate())
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, Backoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}

	assert.Equal(t, time.Duration(0), p.Delay(1))
	assert.Equal(t, 100*time.Millisecond, p.Delay(2))
	assert.Equal(t, 200*time.Millisecond, p.Delay(3))
	assert.Equal(t, 300*time.Millisecond, p.Delay(4)) // capped

	norm := RetryPolicy{}.Normalize()
	assert.Equal(t, 3, norm.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, norm.Backoff)
}

func TestSubscriptionValidate(t *testing.T) {
	ok := Subscription{Subscriber: "billing", Target: TargetWebhook, URL: "https://example.com/hook"}
	require.NoError(t, ok.Validate())

	missingURL := Subscription{Subscriber: "billing", Target: TargetWebhook}
	assert.Error(t, missingURL.Validate())

	missingChannel := Subscription{Subscriber: "billing", Target: TargetInternal}
	assert.Error(t, missingChannel.Validate())

	badTarget := Subscription{Subscriber: "billing", Target: "smtp"}
	assert.Error(t, badTarget.Validate())
}
