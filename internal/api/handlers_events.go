// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meridianhq/eventd/internal/event"
	"github.com/meridianhq/eventd/internal/store"
)

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var draft event.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	evt, err := s.store.Append(r.Context(), draft)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, evt)
}

func (s *Server) handleAppendBatch(w http.ResponseWriter, r *http.Request) {
	var drafts []event.Draft
	if err := json.NewDecoder(r.Body).Decode(&drafts); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	events, err := s.store.AppendBatch(r.Context(), drafts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"count":  len(events),
		"events": events,
	})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	evt, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evt)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q, err := queryFromRequest(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	events, total, err := s.store.QueryEvents(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":  total,
		"count":  len(events),
		"events": events,
	})
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	results, err := s.store.ListResults(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Archive(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (s *Server) handleReadStream(w http.ResponseWriter, r *http.Request) {
	streamID := event.StreamID(chi.URLParam(r, "entityType"), chi.URLParam(r, "entityID"))

	fromVersion, err := parseUint(r.URL.Query().Get("from_version"))
	if err != nil {
		writeBadRequest(w, "invalid from_version")
		return
	}

	events, err := s.streams.Read(streamID, fromVersion).Collect(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	version, err := s.streams.Version(r.Context(), streamID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stream_id": streamID,
		"version":   version,
		"count":     len(events),
		"events":    events,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	from, err := parseTime(r.URL.Query().Get("from"))
	if err != nil {
		writeBadRequest(w, "invalid from timestamp")
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"))
	if err != nil {
		writeBadRequest(w, "invalid to timestamp")
		return
	}

	stats, err := s.store.Stats(r.Context(), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func queryFromRequest(r *http.Request) (store.Query, error) {
	v := r.URL.Query()
	q := store.Query{
		Type:       v.Get("type"),
		Source:     event.Source(v.Get("source")),
		Category:   v.Get("category"),
		Status:     event.Status(v.Get("status")),
		UserID:     v.Get("user_id"),
		EntityType: v.Get("entity_type"),
		EntityID:   v.Get("entity_id"),
	}

	var err error
	if q.From, err = parseTime(v.Get("from")); err != nil {
		return q, err
	}
	if q.To, err = parseTime(v.Get("to")); err != nil {
		return q, err
	}
	if raw := v.Get("limit"); raw != "" {
		if q.Limit, err = strconv.Atoi(raw); err != nil {
			return q, err
		}
	}
	if raw := v.Get("offset"); raw != "" {
		if q.Offset, err = strconv.Atoi(raw); err != nil {
			return q, err
		}
	}
	return q, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parseUint(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
