// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"time"
)

// TimeBucket is one hourly count in the statistics report.
type TimeBucket struct {
	Hour  time.Time `json:"hour"`
	Count int64     `json:"count"`
}

// Stats aggregates event counts for the statistics surface.
type Stats struct {
	Total      int64            `json:"total"`
	ByStatus   map[string]int64 `json:"by_status"`
	BySource   map[string]int64 `json:"by_source"`
	ByCategory map[string]int64 `json:"by_category"`
	ByType     map[string]int64 `json:"by_type"`
	Hourly     []TimeBucket     `json:"hourly"`
}

// Stats computes aggregate counts and per-dimension breakdowns, plus hourly
// buckets over the given window (both bounds optional).
func (s *Store) Stats(ctx context.Context, from, to time.Time) (Stats, error) {
	stats := Stats{
		ByStatus:   make(map[string]int64),
		BySource:   make(map[string]int64),
		ByCategory: make(map[string]int64),
		ByType:     make(map[string]int64),
	}

	cond := " WHERE 1=1"
	var args []any
	if !from.IsZero() {
		cond += " AND occurred_at >= ?"
		args = append(args, unixNano(from))
	}
	if !to.IsZero() {
		cond += " AND occurred_at <= ?"
		args = append(args, unixNano(to))
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`+cond, args...).Scan(&stats.Total); err != nil {
		return Stats{}, storeErr("count events", err)
	}

	for _, dim := range []struct {
		column string
		dest   map[string]int64
	}{
		{"status", stats.ByStatus},
		{"source", stats.BySource},
		{"category", stats.ByCategory},
		{"type", stats.ByType},
	} {
		if err := s.countBy(ctx, dim.column, cond, args, dim.dest); err != nil {
			return Stats{}, err
		}
	}

	hourly, err := s.hourlyBuckets(ctx, cond, args)
	if err != nil {
		return Stats{}, err
	}
	stats.Hourly = hourly
	return stats, nil
}

func (s *Store) countBy(ctx context.Context, column, cond string, args []any, dest map[string]int64) error {
	// column is one of a fixed set above, never caller input
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) FROM events`+cond+` GROUP BY `+column, args...)
	if err != nil {
		return storeErr("group by "+column, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return storeErr("scan "+column+" bucket", err)
		}
		dest[key] = count
	}
	return rows.Err()
}

func (s *Store) hourlyBuckets(ctx context.Context, cond string, args []any) ([]TimeBucket, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT (occurred_at / 3600000000000) * 3600000000000 AS hour, COUNT(*)
	FROM events`+cond+`
	GROUP BY hour ORDER BY hour ASC`, args...)
	if err != nil {
		return nil, storeErr("hourly buckets", err)
	}
	defer func() { _ = rows.Close() }()

	var buckets []TimeBucket
	for rows.Next() {
		var hour, count int64
		if err := rows.Scan(&hour, &count); err != nil {
			return nil, storeErr("scan hourly bucket", err)
		}
		buckets = append(buckets, TimeBucket{Hour: fromUnixNano(hour), Count: count})
	}
	return buckets, rows.Err()
}
