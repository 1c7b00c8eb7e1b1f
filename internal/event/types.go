// SPDX-License-Identifier: MIT

package event

import (
	"encoding/json"
	"time"
)

// Processor is a registered handler definition. It is configuration, not
// code: the executable handler is looked up by name in the pipeline's
// handler registry. Processors are never deleted, only disabled.
type Processor struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Enabled    bool            `json:"enabled"`
	Priority   int             `json:"priority"` // higher runs first
	Filter     Filter          `json:"filter"`
	Config     json.RawMessage `json:"config,omitempty"`
	MaxRetries int             `json:"max_retries"` // additional attempts after the first
	ErrorCount int64           `json:"error_count"`
	LastError  string          `json:"last_error,omitempty"`
	LastRunAt  time.Time       `json:"last_run_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`

	// Seq is the registration order, used to break priority ties.
	Seq int64 `json:"-"`
}

// ResultStatus classifies one processor execution attempt.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
	ResultSkipped ResultStatus = "skipped"
	ResultRetry   ResultStatus = "retry"
)

// ProcessingResult is an append-only audit record of one (event, processor)
// execution attempt. Never mutated after write.
type ProcessingResult struct {
	EventID   string       `json:"event_id"`
	Processor string       `json:"processor"`
	Status    ResultStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	Attempt   int          `json:"attempt"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time    `json:"created_at"`
}

// TargetKind selects a subscription delivery mechanism.
type TargetKind string

const (
	TargetWebhook  TargetKind = "webhook"
	TargetInternal TargetKind = "internal"
)

// RetryPolicy bounds subscription delivery retries.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`     // base delay, doubled per attempt
	MaxBackoff  time.Duration `json:"max_backoff"` // cap, 0 means uncapped
}

// Normalize fills defaults for unset policy fields.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Backoff <= 0 {
		p.Backoff = 500 * time.Millisecond
	}
	return p
}

// Delay returns the backoff before the given attempt (1-based). The first
// attempt is immediate.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.Backoff << (attempt - 2)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Subscription is a registered interest in matching events.
type Subscription struct {
	ID         string      `json:"id"`
	Subscriber string      `json:"subscriber"`
	Filter     Filter      `json:"filter"`
	Target     TargetKind  `json:"target"`
	URL        string      `json:"url,omitempty"`     // webhook target
	Secret     string      `json:"-"`                 // HMAC shared secret, never serialized
	Channel    string      `json:"channel,omitempty"` // internal target
	Enabled    bool        `json:"enabled"`
	Retry      RetryPolicy `json:"retry"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Validate checks the subscription's required fields.
func (s *Subscription) Validate() error {
	if s.Subscriber == "" {
		return &ValidationError{Field: "subscriber", Reason: "must not be empty"}
	}
	switch s.Target {
	case TargetWebhook:
		if s.URL == "" {
			return &ValidationError{Field: "url", Reason: "required for webhook target"}
		}
	case TargetInternal:
		if s.Channel == "" {
			return &ValidationError{Field: "channel", Reason: "required for internal target"}
		}
	default:
		return &ValidationError{Field: "target", Reason: "must be webhook or internal"}
	}
	return s.Filter.Validate()
}

// DeliveryOutcome classifies a finished subscription delivery.
type DeliveryOutcome string

const (
	DeliveryDelivered DeliveryOutcome = "delivered"
	DeliveryFailed    DeliveryOutcome = "failed"
)

// Delivery records the terminal outcome of delivering one event to one
// subscription.
type Delivery struct {
	SubscriptionID string          `json:"subscription_id"`
	EventID        string          `json:"event_id"`
	Outcome        DeliveryOutcome `json:"outcome"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Projection is a materialized read model folded from one stream.
type Projection struct {
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Name        string          `json:"name"`
	State       json.RawMessage `json:"state"`
	Version     uint64          `json:"version"`
	LastEventID string          `json:"last_event_id,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
