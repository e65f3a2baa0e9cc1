package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"changehook/internal/changelog"
	"changehook/internal/model"
	"changehook/internal/search"
	"changehook/internal/webhooks"
)

type mutationIn struct {
	ObjectType string         `json:"object_type"`
	ObjectID   string         `json:"object_id"`
	Repr       string         `json:"repr"`
	Action     string         `json:"action"`
	PreChange  map[string]any `json:"prechange"`
	PostChange map[string]any `json:"postchange"`
}

type recordRequest struct {
	User      string       `json:"user"`
	Mutations []mutationIn `json:"mutations"`
	Abort     bool         `json:"abort"`
}

// RecordChangesHandler handles POST /v1/changes: one request body is one unit
// of work.
func (s *Server) RecordChangesHandler(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.User(r)
	if err != nil {
		s.writeError(w, r, "Unauthenticated", err)
		return
	}
	var req recordRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, "Invalid JSON", err)
		return
	}
	if user == "" {
		user = strings.TrimSpace(req.User)
	}
	if len(req.Mutations) == 0 {
		s.writeError(w, r, "Invalid unit of work", fmt.Errorf("%w: mutations are required", errInvalid))
		return
	}

	uow, err := s.audit.Begin(r.Context(), user, r.Header.Get(webhooks.RequestIDHeader))
	if err != nil {
		s.writeError(w, r, "Begin unit of work failed", err)
		return
	}
	w.Header().Set(webhooks.RequestIDHeader, uow.RequestID())

	for i, m := range req.Mutations {
		action, err := model.ParseAction(m.Action)
		if err != nil {
			err = fmt.Errorf("%w: %v", errInvalid, err)
		} else {
			_, err = uow.Record(r.Context(), changelog.Object{
				Type:   strings.TrimSpace(m.ObjectType),
				ID:     strings.TrimSpace(m.ObjectID),
				Repr:   m.Repr,
				Fields: m.PostChange,
				Prior:  m.PreChange,
			}, action)
		}
		if err != nil {
			_ = uow.Abort()
			s.writeError(w, r, "Record change failed", fmt.Errorf("mutation %d: %w", i, err))
			return
		}
	}

	if req.Abort {
		if err := uow.Abort(); err != nil {
			s.writeError(w, r, "Abort failed", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"request_id": uow.RequestID(), "aborted": true, "discarded": len(req.Mutations)})
		return
	}
	res, err := uow.Commit(r.Context())
	if err != nil {
		s.writeError(w, r, "Commit failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListChangesHandler handles GET /v1/changes.
func (s *Server) ListChangesHandler(w http.ResponseWriter, r *http.Request) {
	f, err := changeFilter(r)
	if err != nil {
		s.writeError(w, r, "Invalid filter", err)
		return
	}
	items, next, err := s.store.ListChanges(r.Context(), f)
	if err != nil {
		s.writeError(w, r, "List changes failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

func changeFilter(r *http.Request) (model.ChangeFilter, error) {
	q := r.URL.Query()
	f := model.ChangeFilter{
		ObjectTypes: q["object_type"],
		ObjectID:    q.Get("object_id"),
		User:        q.Get("user"),
		RequestID:   q.Get("request_id"),
		Query:       q.Get("q"),
		Lookup:      string(search.ParseLookup(q.Get("lookup"))),
		Ascending:   strings.EqualFold(q.Get("order"), "asc"),
		Cursor:      q.Get("cursor"),
	}
	var err error
	if f.Limit, err = queryInt(r, "limit", 0); err != nil {
		return f, err
	}
	for key, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("%w: %s must be RFC 3339", errInvalid, key)
			}
			*dst = t
		}
	}
	return f, nil
}

// GetChangeHandler handles GET /v1/changes/{id}.
func (s *Server) GetChangeHandler(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetChange(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, "Get change failed", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	if s.queue != nil {
		if _, err := s.queue.Len(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", "job queue: "+err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
