// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/meridianhq/eventd/internal/event"
)

// CreateProcessor registers a new processor configuration. Names are unique;
// processors are never deleted afterwards, only disabled.
func (s *Store) CreateProcessor(ctx context.Context, p event.Processor) (event.Processor, error) {
	if p.Name == "" {
		return event.Processor{}, &event.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if err := p.Filter.Validate(); err != nil {
		return event.Processor{}, err
	}
	if p.MaxRetries < 0 {
		return event.Processor{}, &event.ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}

	p.ID = uuid.NewString()
	p.CreatedAt = s.now().UTC()

	filterJSON, err := marshalJSON(p.Filter)
	if err != nil {
		return event.Processor{}, &event.ValidationError{Field: "filter", Reason: err.Error()}
	}
	if filterJSON == "" {
		filterJSON = "[]"
	}

	res, err := s.db.ExecContext(ctx, `
	INSERT INTO processors (id, name, enabled, priority, filter, config, max_retries, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, boolToInt(p.Enabled), p.Priority, filterJSON,
		nullableString(string(p.Config)), p.MaxRetries, unixNano(p.CreatedAt))
	if err != nil {
		return event.Processor{}, storeErr("insert processor", err)
	}
	p.Seq, _ = res.LastInsertId()
	return p, nil
}

// ListProcessors returns processors ordered by priority descending with
// registration order breaking ties. With enabledOnly set, disabled
// processors are excluded.
func (s *Store) ListProcessors(ctx context.Context, enabledOnly bool) ([]event.Processor, error) {
	query := `
	SELECT seq, id, name, enabled, priority, filter, config, max_retries,
	       error_count, last_error, last_run_at, created_at
	FROM processors`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY priority DESC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr("list processors", err)
	}
	defer func() { _ = rows.Close() }()

	var processors []event.Processor
	for rows.Next() {
		var (
			p                     event.Processor
			enabled               int
			filterJSON            string
			config                sql.NullString
			lastRunAt, createdAt  int64
		)
		if err := rows.Scan(&p.Seq, &p.ID, &p.Name, &enabled, &p.Priority, &filterJSON,
			&config, &p.MaxRetries, &p.ErrorCount, &p.LastError, &lastRunAt, &createdAt); err != nil {
			return nil, storeErr("scan processor", err)
		}
		p.Enabled = enabled == 1
		if err := json.Unmarshal([]byte(filterJSON), &p.Filter); err != nil {
			return nil, storeErr("decode processor filter", err)
		}
		if config.Valid {
			p.Config = json.RawMessage(config.String)
		}
		p.LastRunAt = fromUnixNano(lastRunAt)
		p.CreatedAt = fromUnixNano(createdAt)
		processors = append(processors, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list processors", err)
	}
	return processors, nil
}

// ToggleProcessor flips the enabled flag. Takes effect from the next
// dispatched event onward; in-flight executions are not cancelled.
func (s *Store) ToggleProcessor(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE processors SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return storeErr("toggle processor", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("toggle processor", err)
	}
	if n == 0 {
		return fmt.Errorf("processor %s: %w", id, event.ErrNotFound)
	}
	return nil
}

// RecordProcessorRun updates execution bookkeeping after an attempt.
func (s *Store) RecordProcessorRun(ctx context.Context, name string, runErr error) error {
	now := unixNano(s.now().UTC())
	var err error
	if runErr != nil {
		_, err = s.db.ExecContext(ctx, `
		UPDATE processors SET error_count = error_count + 1, last_error = ?, last_run_at = ?
		WHERE name = ?`, runErr.Error(), now, name)
	} else {
		_, err = s.db.ExecContext(ctx, `
		UPDATE processors SET last_run_at = ? WHERE name = ?`, now, name)
	}
	if err != nil {
		return storeErr("record processor run", err)
	}
	return nil
}

// CreateSubscription registers a new subscription.
func (s *Store) CreateSubscription(ctx context.Context, sub event.Subscription) (event.Subscription, error) {
	if err := sub.Validate(); err != nil {
		return event.Subscription{}, err
	}
	sub.Retry = sub.Retry.Normalize()
	sub.ID = uuid.NewString()
	sub.CreatedAt = s.now().UTC()

	filterJSON, err := marshalJSON(sub.Filter)
	if err != nil {
		return event.Subscription{}, &event.ValidationError{Field: "filter", Reason: err.Error()}
	}
	if filterJSON == "" {
		filterJSON = "[]"
	}

	_, err = s.db.ExecContext(ctx, `
	INSERT INTO subscriptions (id, subscriber, filter, target, url, secret, channel, enabled,
		max_attempts, backoff_ms, max_backoff_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Subscriber, filterJSON, string(sub.Target), sub.URL, sub.Secret, sub.Channel,
		boolToInt(sub.Enabled), sub.Retry.MaxAttempts, sub.Retry.Backoff.Milliseconds(),
		sub.Retry.MaxBackoff.Milliseconds(), unixNano(sub.CreatedAt))
	if err != nil {
		return event.Subscription{}, storeErr("insert subscription", err)
	}
	return sub, nil
}

// ListSubscriptions returns subscriptions, optionally only enabled ones.
func (s *Store) ListSubscriptions(ctx context.Context, enabledOnly bool) ([]event.Subscription, error) {
	query := `
	SELECT id, subscriber, filter, target, url, secret, channel, enabled,
	       max_attempts, backoff_ms, max_backoff_ms, created_at
	FROM subscriptions`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr("list subscriptions", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []event.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, storeErr("scan subscription", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list subscriptions", err)
	}
	return subs, nil
}

// GetSubscription returns one subscription by id.
func (s *Store) GetSubscription(ctx context.Context, id string) (event.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT id, subscriber, filter, target, url, secret, channel, enabled,
	       max_attempts, backoff_ms, max_backoff_ms, created_at
	FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Subscription{}, fmt.Errorf("subscription %s: %w", id, event.ErrNotFound)
	}
	if err != nil {
		return event.Subscription{}, storeErr("get subscription", err)
	}
	return sub, nil
}

// DeleteSubscription removes a subscription. Delivery history is retained.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete subscription", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("delete subscription", err)
	}
	if n == 0 {
		return fmt.Errorf("subscription %s: %w", id, event.ErrNotFound)
	}
	return nil
}

func scanSubscription(row rowScanner) (event.Subscription, error) {
	var (
		sub                      event.Subscription
		filterJSON, target       string
		enabled                  int
		backoffMS, maxBackoffMS  int64
		createdAt                int64
	)
	err := row.Scan(&sub.ID, &sub.Subscriber, &filterJSON, &target, &sub.URL, &sub.Secret,
		&sub.Channel, &enabled, &sub.Retry.MaxAttempts, &backoffMS, &maxBackoffMS, &createdAt)
	if err != nil {
		return event.Subscription{}, err
	}
	if err := json.Unmarshal([]byte(filterJSON), &sub.Filter); err != nil {
		return event.Subscription{}, err
	}
	sub.Target = event.TargetKind(target)
	sub.Enabled = enabled == 1
	sub.Retry.Backoff = msToDuration(backoffMS)
	sub.Retry.MaxBackoff = msToDuration(maxBackoffMS)
	sub.CreatedAt = fromUnixNano(createdAt)
	return sub, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
