// SPDX-License-Identifier: MIT

// Package replay re-emits historical events to a target consumer, either for
// one stream in version order or globally in occurrence order. Replay never
// mutates original event records; it only re-drives downstream consumers.
package replay

import (
	"context"
	"fmt"

	"github.com/meridianhq/eventd/internal/event"
	xdlog "github.com/meridianhq/eventd/internal/log"
	"github.com/meridianhq/eventd/internal/metrics"
	"github.com/meridianhq/eventd/internal/store"
	"github.com/meridianhq/eventd/internal/stream"
)

// pageSize bounds each store read; replay holds no lock across pages, so
// live ingestion is never blocked by a long-running replay.
const pageSize = 200

// Target consumes re-emitted events.
type Target interface {
	// Name identifies the target in summaries and errors.
	Name() string
	// Emit receives one replayed event. An error aborts the replay run.
	Emit(ctx context.Context, evt event.Event) error
}

// TargetFunc adapts a function to the Target interface.
type TargetFunc struct {
	ID string
	Fn func(ctx context.Context, evt event.Event) error
}

// Name returns the target identifier.
func (t TargetFunc) Name() string { return t.ID }

// Emit invokes the wrapped function.
func (t TargetFunc) Emit(ctx context.Context, evt event.Event) error { return t.Fn(ctx, evt) }

// Options configures one replay run.
type Options struct {
	// StreamID scopes the replay to one stream, replayed in version order
	// starting after FromVersion. Empty means the full store in original
	// occurrence order.
	StreamID    string
	FromVersion uint64
	// DryRun previews the run: count and identities only, zero side effects.
	DryRun bool
	// Target receives the events. Required unless DryRun is set.
	Target Target
}

// Summary reports a finished (or aborted) replay run.
type Summary struct {
	Target   string   `json:"target,omitempty"`
	StreamID string   `json:"stream_id,omitempty"`
	Count    int      `json:"count"`
	DryRun   bool     `json:"dry_run"`
	EventIDs []string `json:"event_ids,omitempty"` // dry run only
	Aborted  bool     `json:"aborted,omitempty"`
}

// Engine re-drives historical events through dispatch targets.
type Engine struct {
	store   *store.Store
	streams *stream.Manager
}

// NewEngine returns a replay engine.
func NewEngine(s *store.Store, streams *stream.Manager) *Engine {
	return &Engine{store: s, streams: streams}
}

// Replay runs one replay per opts. The run is cancellable through ctx; on a
// target error it aborts with a partial summary and a ReplayTargetError.
// Already-emitted effects are not rolled back.
func (e *Engine) Replay(ctx context.Context, opts Options) (Summary, error) {
	if !opts.DryRun && opts.Target == nil {
		return Summary{}, fmt.Errorf("replay target is required")
	}

	summary := Summary{StreamID: opts.StreamID, DryRun: opts.DryRun}
	if opts.Target != nil {
		summary.Target = opts.Target.Name()
	}

	logger := xdlog.WithComponentFromContext(ctx, "replay")
	logger.Info().
		Str("stream_id", opts.StreamID).
		Uint64("from_version", opts.FromVersion).
		Bool("dry_run", opts.DryRun).
		Msg("replay started")

	emit := func(evt event.Event) error {
		if err := ctx.Err(); err != nil {
			summary.Aborted = true
			return err
		}
		if opts.DryRun {
			summary.EventIDs = append(summary.EventIDs, evt.ID)
			summary.Count++
			return nil
		}
		if err := opts.Target.Emit(ctx, evt); err != nil {
			summary.Aborted = true
			return &event.ReplayTargetError{Target: opts.Target.Name(), EventID: evt.ID, Err: err}
		}
		summary.Count++
		metrics.ReplayedEventsTotal.WithLabelValues(opts.Target.Name()).Inc()
		return nil
	}

	var err error
	if opts.StreamID != "" {
		err = e.replayStream(ctx, opts, emit)
	} else {
		err = e.replayAll(ctx, emit)
	}
	if err != nil {
		logger.Warn().Err(err).Int("count", summary.Count).Msg("replay aborted")
		return summary, err
	}

	logger.Info().Int("count", summary.Count).Bool("dry_run", opts.DryRun).Msg("replay finished")
	return summary, nil
}

func (e *Engine) replayStream(ctx context.Context, opts Options, emit func(event.Event) error) error {
	it := e.streams.Read(opts.StreamID, opts.FromVersion)
	for {
		evt, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := emit(evt); err != nil {
			return err
		}
	}
}

func (e *Engine) replayAll(ctx context.Context, emit func(event.Event) error) error {
	var afterOccurred int64
	var afterID string
	for {
		page, err := e.store.ListAllAfter(ctx, afterOccurred, afterID, pageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for _, evt := range page {
			if err := emit(evt); err != nil {
				return err
			}
		}
		last := page[len(page)-1]
		afterOccurred = last.OccurredAt.UnixNano()
		afterID = last.ID
	}
}
