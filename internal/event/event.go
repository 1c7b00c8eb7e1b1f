// SPDX-License-Identifier: MIT

// Package event defines the domain model shared by the event service core:
// immutable event records, their lifecycle state machine, filter predicates,
// and the registered processor/subscription/projection configuration types.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source identifies where an event originated.
type Source string

const (
	SourceFrontend    Source = "frontend"
	SourceBackend     Source = "backend"
	SourceSystem      Source = "system"
	SourceIoTDevice   Source = "iot_device"
	SourceExternalAPI Source = "external_api"
	SourceScheduled   Source = "scheduled"
)

// IsValid reports whether the source is a known enum value.
func (s Source) IsValid() bool {
	switch s {
	case SourceFrontend, SourceBackend, SourceSystem, SourceIoTDevice, SourceExternalAPI, SourceScheduled:
		return true
	}
	return false
}

// SchemaVersion is the current event schema version stamped on new records.
const SchemaVersion = 1

// Event is an immutable fact. Once appended, every field except Status and
// Processors is frozen; those two are the only mutable shared state and are
// updated via compare-and-set in the store.
type Event struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Source         Source            `json:"source"`
	Category       string            `json:"category"`
	UserID         string            `json:"user_id,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	OrganizationID string            `json:"organization_id,omitempty"`
	DeviceID       string            `json:"device_id,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	EntityType     string            `json:"entity_type,omitempty"`
	EntityID       string            `json:"entity_id,omitempty"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Status         Status            `json:"status"`
	Processors     []string          `json:"processors,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
	SchemaVersion  int               `json:"schema_version"`
	StreamVersion  uint64            `json:"stream_version,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// HasEntity reports whether the event carries a resolvable entity reference
// and therefore participates in a stream.
func (e Event) HasEntity() bool {
	return e.EntityType != "" && e.EntityID != ""
}

// Draft is the caller-supplied input to an append. The store assigns the id,
// initial status, stream version, and creation timestamp.
type Draft struct {
	Type           string            `json:"type"`
	Source         Source            `json:"source"`
	Category       string            `json:"category"`
	UserID         string            `json:"user_id,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	OrganizationID string            `json:"organization_id,omitempty"`
	DeviceID       string            `json:"device_id,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	EntityType     string            `json:"entity_type,omitempty"`
	EntityID       string            `json:"entity_id,omitempty"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at,omitempty"`
	SchemaVersion  int               `json:"schema_version,omitempty"`
}

// Validate checks the draft's required fields. The occurrence timestamp
// defaults to now when absent and must not lie in the future.
func (d *Draft) Validate(now time.Time) error {
	if d.Type == "" {
		return &ValidationError{Field: "type", Reason: "must not be empty"}
	}
	if !d.Source.IsValid() {
		return &ValidationError{Field: "source", Reason: fmt.Sprintf("unknown source %q", d.Source)}
	}
	if d.Category == "" {
		return &ValidationError{Field: "category", Reason: "must not be empty"}
	}
	if d.OccurredAt.IsZero() {
		d.OccurredAt = now
	} else if d.OccurredAt.After(now) {
		return &ValidationError{Field: "occurred_at", Reason: "must not be in the future"}
	}
	if (d.EntityType == "") != (d.EntityID == "") {
		return &ValidationError{Field: "entity_id", Reason: "entity_type and entity_id must be set together"}
	}
	if len(d.Payload) > 0 && !json.Valid(d.Payload) {
		return &ValidationError{Field: "payload", Reason: "must be valid JSON"}
	}
	if d.SchemaVersion == 0 {
		d.SchemaVersion = SchemaVersion
	}
	return nil
}
