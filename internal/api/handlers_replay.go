// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meridianhq/eventd/internal/event"
	"github.com/meridianhq/eventd/internal/projection"
	"github.com/meridianhq/eventd/internal/replay"
)

// replay target names accepted over the API
const (
	targetPipeline      = "pipeline"
	targetSubscriptions = "subscriptions"
)

type replayRequest struct {
	StreamID    string `json:"stream_id,omitempty"`
	EntityType  string `json:"entity_type,omitempty"`
	EntityID    string `json:"entity_id,omitempty"`
	FromVersion uint64 `json:"from_version,omitempty"`
	DryRun      bool   `json:"dry_run,omitempty"`
	Target      string `json:"target,omitempty"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if (req.EntityType == "") != (req.EntityID == "") {
		writeBadRequest(w, "entity_type and entity_id must be provided together")
		return
	}

	opts := replay.Options{
		StreamID:    req.StreamID,
		FromVersion: req.FromVersion,
		DryRun:      req.DryRun,
	}
	if req.EntityType != "" {
		if req.StreamID != "" {
			writeBadRequest(w, "stream_id and entity pair are mutually exclusive")
			return
		}
		opts.StreamID = event.StreamID(req.EntityType, req.EntityID)
	}

	if !req.DryRun {
		target, err := s.resolveTarget(req.Target)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		opts.Target = target
	}

	summary, err := s.engine.Replay(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// resolveTarget maps an API target name onto a replay sink. Replayed events
// keep their stored status; both sinks run in no-mutate mode.
func (s *Server) resolveTarget(name string) (replay.Target, error) {
	switch name {
	case targetPipeline:
		return replay.TargetFunc{
			ID: targetPipeline,
			Fn: func(ctx context.Context, evt event.Event) error {
				return s.pipe.Reprocess(ctx, evt)
			},
		}, nil
	case targetSubscriptions:
		return replay.TargetFunc{
			ID: targetSubscriptions,
			Fn: func(ctx context.Context, evt event.Event) error {
				// deliveries run on goroutines that outlive the replay
				// request, so they must not die with its context
				return s.router.Dispatch(context.WithoutCancel(ctx), evt)
			},
		}, nil
	case "":
		return nil, fmt.Errorf("target is required unless dry_run is set")
	default:
		return nil, fmt.Errorf("unknown replay target %q", name)
	}
}

func (s *Server) handleGetProjection(w http.ResponseWriter, r *http.Request) {
	proj, err := s.projections.Get(r.Context(), projectionKey(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

func (s *Server) handleRebuildProjection(w http.ResponseWriter, r *http.Request) {
	proj, err := s.projections.Rebuild(r.Context(), projectionKey(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

func projectionKey(r *http.Request) projection.Key {
	return projection.Key{
		Name:       chi.URLParam(r, "name"),
		EntityType: chi.URLParam(r, "entityType"),
		EntityID:   chi.URLParam(r, "entityID"),
	}
}
