package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"changehook/internal/model"
	"changehook/internal/queue"
	"changehook/internal/store"
)

var jobStatuses = map[model.JobStatus]bool{
	model.JobPending: true, model.JobInFlight: true, model.JobRetrying: true,
	model.JobSuccess: true, model.JobFailed: true, model.JobCancelled: true,
}

// ListDeliveriesHandler handles GET /v1/admin/deliveries.
func (s *Server) ListDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.JobFilter{
		Status:    model.JobStatus(strings.ToLower(q.Get("status"))),
		WebhookID: q.Get("webhook_id"),
		RequestID: q.Get("request_id"),
		Cursor:    q.Get("cursor"),
	}
	if f.Status != "" && !jobStatuses[f.Status] {
		s.writeError(w, r, "Invalid filter", fmt.Errorf("%w: unknown status %q", errInvalid, f.Status))
		return
	}
	var err error
	if f.Limit, err = queryInt(r, "limit", 0); err != nil {
		s.writeError(w, r, "Invalid filter", err)
		return
	}
	items, next, err := s.store.ListDeliveryJobs(r.Context(), f)
	if err != nil {
		s.writeError(w, r, "List deliveries failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// GetDeliveryHandler handles GET /v1/admin/deliveries/{id}.
func (s *Server) GetDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetDeliveryJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, "Get delivery failed", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// RetryDeliveryHandler handles POST /v1/admin/deliveries/{id}/retry.
func (s *Server) RetryDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.dispatcher.Requeue(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, job)
	case errors.Is(err, queue.ErrQueueFull):
		// requeued in the store; the sweeper pushes it later
		writeJSON(w, http.StatusAccepted, map[string]any{"job": job, "warning": err.Error()})
	case errors.Is(err, store.ErrInvalidState):
		writeProblem(w, http.StatusConflict, "Retry delivery failed",
			fmt.Sprintf("job is %s; only failed or cancelled jobs can be retried", job.Status), r.URL.Path)
	default:
		s.writeError(w, r, "Retry delivery failed", err)
	}
}

// CancelDeliveryHandler handles POST /v1/admin/deliveries/{id}/cancel.
func (s *Server) CancelDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.dispatcher.Cancel(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrInvalidState) {
		writeProblem(w, http.StatusConflict, "Cancel delivery failed",
			fmt.Sprintf("job is %s; only pending or retrying jobs can be cancelled", job.Status), r.URL.Path)
		return
	}
	if err != nil {
		s.writeError(w, r, "Cancel delivery failed", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// DeliveryStatsHandler handles GET /v1/admin/deliveries/stats.
// Query: sinceHours (default 24), buckets (comma separated latency edges in ms).
func (s *Server) DeliveryStatsHandler(w http.ResponseWriter, r *http.Request) {
	sinceHours, err := queryInt(r, "sinceHours", 24)
	if err != nil {
		s.writeError(w, r, "Invalid filter", err)
		return
	}
	var buckets []int
	if v := r.URL.Query().Get("buckets"); v != "" {
		for _, p := range strings.Split(v, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil || n <= 0 || (len(buckets) > 0 && n <= buckets[len(buckets)-1]) {
				s.writeError(w, r, "Invalid filter", fmt.Errorf("%w: buckets must be increasing positive integers", errInvalid))
				return
			}
			buckets = append(buckets, n)
		}
	}
	var since time.Time
	if sinceHours > 0 {
		since = time.Now().Add(-time.Duration(sinceHours) * time.Hour)
	}
	items, err := s.store.DeliveryStats(r.Context(), since, buckets)
	if err != nil {
		s.writeError(w, r, "Delivery stats failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
