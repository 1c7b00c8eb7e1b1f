// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/meridianhq/eventd/internal/event"
)

// StreamVersion returns the current version counter for a stream. An unseen
// stream reports version 0, not an error.
func (s *Store) StreamVersion(ctx context.Context, streamID string) (uint64, error) {
	var version uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM stream_versions WHERE stream_id = ?`, streamID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr("stream version", err)
	}
	return version, nil
}

// ListStream returns up to limit stream events with version > afterVersion,
// in version order. The paged shape keeps stream reads lazy and restartable.
func (s *Store) ListStream(ctx context.Context, streamID string, afterVersion uint64, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+eventColumns+` FROM events
	WHERE stream_id = ? AND stream_version > ?
	ORDER BY stream_version ASC LIMIT ?`, streamID, afterVersion, limit)
	if err != nil {
		return nil, storeErr("list stream", err)
	}
	defer func() { _ = rows.Close() }()

	events, err := collectEvents(rows)
	if err != nil {
		return nil, storeErr("scan stream", err)
	}
	return events, nil
}

// ListAllAfter pages through the full store in original occurrence order,
// with a stable (occurred_at, id) cursor. Used by global replay.
func (s *Store) ListAllAfter(ctx context.Context, afterOccurred int64, afterID string, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+eventColumns+` FROM events
	WHERE (occurred_at > ?) OR (occurred_at = ? AND id > ?)
	ORDER BY occurred_at ASC, id ASC LIMIT ?`, afterOccurred, afterOccurred, afterID, limit)
	if err != nil {
		return nil, storeErr("list events after cursor", err)
	}
	defer func() { _ = rows.Close() }()

	events, err := collectEvents(rows)
	if err != nil {
		return nil, storeErr("scan events after cursor", err)
	}
	return events, nil
}
