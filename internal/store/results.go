// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"time"

	"github.com/meridianhq/eventd/internal/event"
)

// RecordResult appends one processing audit record. Results are append-only
// and never mutated after write.
func (s *Store) RecordResult(ctx context.Context, r event.ProcessingResult) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO processing_results (event_id, processor, status, message, attempt, duration_us, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.EventID, r.Processor, string(r.Status), r.Message, r.Attempt,
		r.Duration.Microseconds(), unixNano(r.CreatedAt))
	if err != nil {
		return storeErr("insert processing result", err)
	}
	return nil
}

// ListResults returns the audit trail for one event in execution order.
func (s *Store) ListResults(ctx context.Context, eventID string) ([]event.ProcessingResult, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT event_id, processor, status, message, attempt, duration_us, created_at
	FROM processing_results WHERE event_id = ? ORDER BY rowid_seq ASC`, eventID)
	if err != nil {
		return nil, storeErr("list processing results", err)
	}
	defer func() { _ = rows.Close() }()

	var results []event.ProcessingResult
	for rows.Next() {
		var (
			r          event.ProcessingResult
			status     string
			durationUS int64
			createdAt  int64
		)
		if err := rows.Scan(&r.EventID, &r.Processor, &status, &r.Message, &r.Attempt, &durationUS, &createdAt); err != nil {
			return nil, storeErr("scan processing result", err)
		}
		r.Status = event.ResultStatus(status)
		r.Duration = time.Duration(durationUS) * time.Microsecond
		r.CreatedAt = fromUnixNano(createdAt)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list processing results", err)
	}
	return results, nil
}

// RecordDelivery stores the terminal outcome of one subscription delivery.
func (s *Store) RecordDelivery(ctx context.Context, d event.Delivery) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO deliveries (subscription_id, event_id, outcome, attempts, last_error, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		d.SubscriptionID, d.EventID, string(d.Outcome), d.Attempts, d.LastError, unixNano(d.CreatedAt))
	if err != nil {
		return storeErr("insert delivery", err)
	}
	return nil
}

// ListDeliveries returns delivery history for one subscription, newest first.
func (s *Store) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]event.Delivery, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT subscription_id, event_id, outcome, attempts, last_error, created_at
	FROM deliveries WHERE subscription_id = ?
	ORDER BY rowid_seq DESC LIMIT ?`, subscriptionID, limit)
	if err != nil {
		return nil, storeErr("list deliveries", err)
	}
	defer func() { _ = rows.Close() }()

	var deliveries []event.Delivery
	for rows.Next() {
		var (
			d         event.Delivery
			outcome   string
			createdAt int64
		)
		if err := rows.Scan(&d.SubscriptionID, &d.EventID, &outcome, &d.Attempts, &d.LastError, &createdAt); err != nil {
			return nil, storeErr("scan delivery", err)
		}
		d.Outcome = event.DeliveryOutcome(outcome)
		d.CreatedAt = fromUnixNano(createdAt)
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list deliveries", err)
	}
	return deliveries, nil
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
