// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/eventd/internal/event"
	"github.com/meridianhq/eventd/internal/metrics"
)

const eventColumns = `id, type, source, category, user_id, session_id, organization_id, device_id,
	correlation_id, entity_type, entity_id, payload, metadata, status, processors,
	occurred_at, schema_version, stream_id, stream_version, created_at`

// Append validates the draft, assigns an id and a per-stream version, and
// persists the record in one transaction. The stream version allocation runs
// inside the same transaction as the insert, so concurrent appends to one
// stream serialize on the counter row while unrelated streams proceed
// independently.
func (s *Store) Append(ctx context.Context, draft event.Draft) (event.Event, error) {
	evt, err := s.appendOne(ctx, draft)
	if err != nil {
		metrics.AppendErrorsTotal.Inc()
		return event.Event{}, err
	}

	metrics.IncEventAppended(string(evt.Source))
	if s.hook != nil {
		s.hook(evt)
	}
	return evt, nil
}

func (s *Store) appendOne(ctx context.Context, draft event.Draft) (event.Event, error) {
	now := s.now().UTC()
	if err := draft.Validate(now); err != nil {
		return event.Event{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, storeErr("begin append", err)
	}
	defer func() { _ = tx.Rollback() }()

	evt, err := s.appendInTx(ctx, tx, draft, now)
	if err != nil {
		return event.Event{}, err
	}

	if err := tx.Commit(); err != nil {
		return event.Event{}, storeErr("commit append", err)
	}
	return evt, nil
}

// AppendBatch persists up to MaxBatchSize drafts atomically. Every draft is
// validated up front; a single invalid draft fails the whole batch with
// nothing persisted.
func (s *Store) AppendBatch(ctx context.Context, drafts []event.Draft) ([]event.Event, error) {
	events, err := s.appendBatch(ctx, drafts)
	if err != nil {
		metrics.AppendErrorsTotal.Inc()
		return nil, err
	}

	for _, evt := range events {
		metrics.IncEventAppended(string(evt.Source))
		if s.hook != nil {
			s.hook(evt)
		}
	}
	return events, nil
}

func (s *Store) appendBatch(ctx context.Context, drafts []event.Draft) ([]event.Event, error) {
	if len(drafts) == 0 {
		return nil, &event.ValidationError{Field: "events", Reason: "batch must not be empty"}
	}
	if len(drafts) > MaxBatchSize {
		return nil, &event.ValidationError{Field: "events", Reason: fmt.Sprintf("batch size %d exceeds maximum %d", len(drafts), MaxBatchSize)}
	}

	now := s.now().UTC()
	for i := range drafts {
		if err := drafts[i].Validate(now); err != nil {
			return nil, fmt.Errorf("draft %d: %w", i, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin batch append", err)
	}
	defer func() { _ = tx.Rollback() }()

	events := make([]event.Event, 0, len(drafts))
	for i, d := range drafts {
		evt, err := s.appendInTx(ctx, tx, d, now)
		if err != nil {
			return nil, fmt.Errorf("draft %d: %w", i, err)
		}
		events = append(events, evt)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit batch append", err)
	}
	return events, nil
}

func (s *Store) appendInTx(ctx context.Context, tx *sql.Tx, draft event.Draft, now time.Time) (event.Event, error) {
	evt := event.Event{
		ID:             uuid.NewString(),
		Type:           draft.Type,
		Source:         draft.Source,
		Category:       draft.Category,
		UserID:         draft.UserID,
		SessionID:      draft.SessionID,
		OrganizationID: draft.OrganizationID,
		DeviceID:       draft.DeviceID,
		CorrelationID:  draft.CorrelationID,
		EntityType:     draft.EntityType,
		EntityID:       draft.EntityID,
		Payload:        draft.Payload,
		Metadata:       draft.Metadata,
		Status:         event.StatusPending,
		OccurredAt:     draft.OccurredAt.UTC(),
		SchemaVersion:  draft.SchemaVersion,
		CreatedAt:      now,
	}

	streamID := evt.StreamID()
	if streamID != "" {
		version, err := allocateVersion(ctx, tx, streamID)
		if err != nil {
			return event.Event{}, storeErr("allocate stream version", err)
		}
		evt.StreamVersion = version
	}

	metaJSON, err := marshalJSON(evt.Metadata)
	if err != nil {
		return event.Event{}, &event.ValidationError{Field: "metadata", Reason: err.Error()}
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO events (`+eventColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.Type, string(evt.Source), evt.Category, evt.UserID, evt.SessionID,
		evt.OrganizationID, evt.DeviceID, evt.CorrelationID, evt.EntityType, evt.EntityID,
		nullableString(string(evt.Payload)), nullableString(metaJSON), string(evt.Status), "[]",
		unixNano(evt.OccurredAt), evt.SchemaVersion, streamID, evt.StreamVersion, unixNano(evt.CreatedAt))
	if err != nil {
		return event.Event{}, storeErr("insert event", err)
	}
	return evt, nil
}

// allocateVersion increments the stream's version counter and returns the
// freshly claimed slot. First event of a new stream gets version 1. Version
// order follows append order, not claimed occurrence timestamps.
func allocateVersion(ctx context.Context, tx *sql.Tx, streamID string) (uint64, error) {
	var version uint64
	err := tx.QueryRowContext(ctx, `
	INSERT INTO stream_versions (stream_id, version) VALUES (?, 1)
	ON CONFLICT(stream_id) DO UPDATE SET version = version + 1
	RETURNING version`, streamID).Scan(&version)
	return version, err
}

// Get returns the event with the given id, or event.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (event.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, fmt.Errorf("event %s: %w", id, event.ErrNotFound)
	}
	if err != nil {
		return event.Event{}, storeErr("get event", err)
	}
	return evt, nil
}

// Query describes an event store query.
type Query struct {
	Type       string
	Source     event.Source
	Category   string
	Status     event.Status
	UserID     string
	EntityType string
	EntityID   string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// clamp applies the default and the hard page-size cap.
func (q *Query) clamp() {
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	if q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
}

// QueryEvents returns matching events ordered newest-first, plus the total
// match count for pagination.
func (s *Store) QueryEvents(ctx context.Context, q Query) ([]event.Event, int, error) {
	q.clamp()

	var where []string
	var args []any
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}

	if q.Type != "" {
		add("type = ?", q.Type)
	}
	if q.Source != "" {
		add("source = ?", string(q.Source))
	}
	if q.Category != "" {
		add("category = ?", q.Category)
	}
	if q.Status != "" {
		add("status = ?", string(q.Status))
	}
	if q.UserID != "" {
		add("user_id = ?", q.UserID)
	}
	if q.EntityType != "" {
		add("entity_type = ?", q.EntityType)
	}
	if q.EntityID != "" {
		add("entity_id = ?", q.EntityID)
	}
	if !q.From.IsZero() {
		add("occurred_at >= ?", unixNano(q.From))
	}
	if !q.To.IsZero() {
		add("occurred_at <= ?", unixNano(q.To))
	}

	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`+cond, args...).Scan(&total); err != nil {
		return nil, 0, storeErr("count events", err)
	}

	query := `SELECT ` + eventColumns + ` FROM events` + cond +
		` ORDER BY occurred_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, storeErr("query events", err)
	}
	defer func() { _ = rows.Close() }()

	events, err := collectEvents(rows)
	if err != nil {
		return nil, 0, storeErr("scan events", err)
	}
	return events, total, nil
}

// UpdateStatus performs a compare-and-set status transition. The transition
// must be legal for the current status; a stale expectation leaves the row
// untouched and returns false.
func (s *Store) UpdateStatus(ctx context.Context, id string, from, to event.Status) (bool, error) {
	if err := from.CheckTransition(to); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return false, storeErr("update status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("update status", err)
	}
	return n == 1, nil
}

// MarkProcessorRun appends the processor name to the event's processors list.
// The read-modify-write runs in a transaction, serialized by the sqlite
// writer, so concurrent completions do not lose updates.
func (s *Store) MarkProcessorRun(ctx context.Context, eventID, processor string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin mark processor", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT processors FROM events WHERE id = ?`, eventID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("event %s: %w", eventID, event.ErrNotFound)
	}
	if err != nil {
		return storeErr("read processors", err)
	}

	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return storeErr("decode processors", err)
	}
	for _, n := range names {
		if n == processor {
			return tx.Commit() // idempotent re-run
		}
	}
	names = append(names, processor)

	buf, err := json.Marshal(names)
	if err != nil {
		return storeErr("encode processors", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE events SET processors = ? WHERE id = ?`, string(buf), eventID); err != nil {
		return storeErr("write processors", err)
	}
	return tx.Commit()
}

// Archive moves an already-processed or failed event to the terminal
// archived state. Administrative, never reversible.
func (s *Store) Archive(ctx context.Context, id string) error {
	evt, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := evt.Status.CheckTransition(event.StatusArchived); err != nil {
		return err
	}
	ok, err := s.UpdateStatus(ctx, id, evt.Status, event.StatusArchived)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("event %s changed concurrently, archive not applied", id)
	}
	return nil
}

// PendingEvents lists events still in pending status, oldest first. Used by
// the dispatcher's startup sweep to recover work lost to a crash.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = MaxPageSize
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+eventColumns+` FROM events
	WHERE status = 'pending'
	ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, storeErr("query pending events", err)
	}
	defer func() { _ = rows.Close() }()

	events, err := collectEvents(rows)
	if err != nil {
		return nil, storeErr("scan pending events", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		evt                        event.Event
		source, status             string
		payload, metadata          sql.NullString
		processors                 string
		occurredAt, createdAt      int64
	)
	err := row.Scan(&evt.ID, &evt.Type, &source, &evt.Category, &evt.UserID, &evt.SessionID,
		&evt.OrganizationID, &evt.DeviceID, &evt.CorrelationID, &evt.EntityType, &evt.EntityID,
		&payload, &metadata, &status, &processors,
		&occurredAt, &evt.SchemaVersion, new(string), &evt.StreamVersion, &createdAt)
	if err != nil {
		return event.Event{}, err
	}

	evt.Source = event.Source(source)
	evt.Status = event.Status(status)
	if payload.Valid && payload.String != "" {
		evt.Payload = json.RawMessage(payload.String)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &evt.Metadata); err != nil {
			return event.Event{}, err
		}
	}
	if err := json.Unmarshal([]byte(processors), &evt.Processors); err != nil {
		return event.Event{}, err
	}
	evt.OccurredAt = fromUnixNano(occurredAt)
	evt.CreatedAt = fromUnixNano(createdAt)
	return evt, nil
}

func collectEvents(rows *sql.Rows) ([]event.Event, error) {
	var events []event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
