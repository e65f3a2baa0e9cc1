package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"changehook/internal/conditions"
	"changehook/internal/model"
)

// webhookIn is the create and patch body; nil fields are left unchanged on patch.
type webhookIn struct {
	Name              *string            `json:"name"`
	ContentTypes      *[]string          `json:"content_types"`
	TypeCreate        *bool              `json:"type_create"`
	TypeUpdate        *bool              `json:"type_update"`
	TypeDelete        *bool              `json:"type_delete"`
	PayloadURL        *string            `json:"payload_url"`
	HTTPMethod        *string            `json:"http_method"`
	HTTPContentType   *string            `json:"http_content_type"`
	AdditionalHeaders *map[string]string `json:"additional_headers"`
	Secret            *string            `json:"secret"`
	Conditions        *json.RawMessage   `json:"conditions"`
	Enabled           *bool              `json:"enabled"`
}

func (in webhookIn) apply(w *model.Webhook) {
	if in.Name != nil {
		w.Name = strings.TrimSpace(*in.Name)
	}
	if in.ContentTypes != nil {
		w.ContentTypes = nil
		for _, ct := range *in.ContentTypes {
			if ct = strings.ToLower(strings.TrimSpace(ct)); ct != "" {
				w.ContentTypes = append(w.ContentTypes, ct)
			}
		}
	}
	if in.TypeCreate != nil {
		w.TypeCreate = *in.TypeCreate
	}
	if in.TypeUpdate != nil {
		w.TypeUpdate = *in.TypeUpdate
	}
	if in.TypeDelete != nil {
		w.TypeDelete = *in.TypeDelete
	}
	if in.PayloadURL != nil {
		w.PayloadURL = strings.TrimSpace(*in.PayloadURL)
	}
	if in.HTTPMethod != nil {
		w.HTTPMethod = strings.ToUpper(strings.TrimSpace(*in.HTTPMethod))
	}
	if in.HTTPContentType != nil {
		w.HTTPContentType = strings.TrimSpace(*in.HTTPContentType)
	}
	if in.AdditionalHeaders != nil {
		w.AdditionalHeaders = *in.AdditionalHeaders
	}
	if in.Secret != nil {
		w.Secret = *in.Secret
	}
	if in.Conditions != nil {
		w.Conditions = *in.Conditions
		if string(w.Conditions) == "null" {
			w.Conditions = nil
		}
	}
	if in.Enabled != nil {
		w.Enabled = *in.Enabled
	}
}

var allowedMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true,
}

func validateWebhook(w model.Webhook) error {
	switch {
	case w.Name == "":
		return fmt.Errorf("%w: name is required", errInvalid)
	case len(w.ContentTypes) == 0:
		return fmt.Errorf("%w: content_types must name at least one object type", errInvalid)
	case !w.TypeCreate && !w.TypeUpdate && !w.TypeDelete:
		return fmt.Errorf("%w: at least one of type_create, type_update, type_delete is required", errInvalid)
	case w.HTTPMethod != "" && !allowedMethods[w.HTTPMethod]:
		return fmt.Errorf("%w: unsupported http_method %q", errInvalid, w.HTTPMethod)
	}
	u, err := url.Parse(w.PayloadURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: payload_url must be an absolute http(s) URL", errInvalid)
	}
	for k := range w.AdditionalHeaders {
		if strings.EqualFold(k, "Content-Type") || strings.HasPrefix(strings.ToLower(k), "x-hook-") {
			return fmt.Errorf("%w: header %q is set by the service", errInvalid, k)
		}
	}
	return conditions.Validate(w.Conditions)
}

// webhookOut hides the secret.
type webhookOut struct {
	model.Webhook
	Secret    string `json:"secret,omitempty"`
	HasSecret bool   `json:"has_secret"`
}

func redact(w model.Webhook) webhookOut {
	return webhookOut{Webhook: w, HasSecret: w.Secret != ""}
}

// ListWebhooksHandler handles GET /v1/webhooks.
func (s *Server) ListWebhooksHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, "Invalid filter", err)
		return
	}
	items, next, err := s.store.ListWebhooks(r.Context(), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.writeError(w, r, "List webhooks failed", err)
		return
	}
	out := make([]webhookOut, len(items))
	for i, h := range items {
		out[i] = redact(h)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "nextCursor": next})
}

// CreateWebhookHandler handles POST /v1/webhooks.
func (s *Server) CreateWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var in webhookIn
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, "Invalid JSON", err)
		return
	}
	hook := model.Webhook{Enabled: true}
	in.apply(&hook)
	if err := validateWebhook(hook); err != nil {
		s.writeError(w, r, "Invalid webhook", err)
		return
	}
	created, err := s.store.CreateWebhook(r.Context(), hook)
	if err != nil {
		s.writeError(w, r, "Create webhook failed", err)
		return
	}
	s.log.Infow("webhook created", "webhook_id", created.ID, "name", created.Name)
	writeJSON(w, http.StatusCreated, redact(created))
}

// GetWebhookHandler handles GET /v1/webhooks/{id}.
func (s *Server) GetWebhookHandler(w http.ResponseWriter, r *http.Request) {
	hook, err := s.store.GetWebhook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, "Get webhook failed", err)
		return
	}
	writeJSON(w, http.StatusOK, redact(hook))
}

// UpdateWebhookHandler handles PATCH /v1/webhooks/{id}. Queued jobs keep the
// settings they were created with.
func (s *Server) UpdateWebhookHandler(w http.ResponseWriter, r *http.Request) {
	hook, err := s.store.GetWebhook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, "Get webhook failed", err)
		return
	}
	var in webhookIn
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, "Invalid JSON", err)
		return
	}
	in.apply(&hook)
	if err := validateWebhook(hook); err != nil {
		s.writeError(w, r, "Invalid webhook", err)
		return
	}
	updated, err := s.store.UpdateWebhook(r.Context(), hook)
	if err != nil {
		s.writeError(w, r, "Update webhook failed", err)
		return
	}
	writeJSON(w, http.StatusOK, redact(updated))
}

// DeleteWebhookHandler handles DELETE /v1/webhooks/{id} and cancels the
// webhook's queued jobs.
func (s *Server) DeleteWebhookHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteWebhook(r.Context(), id); err != nil {
		s.writeError(w, r, "Delete webhook failed", err)
		return
	}
	if _, err := s.dispatcher.CancelForWebhook(r.Context(), id); err != nil {
		s.log.Errorw("cancel jobs of deleted webhook failed", "webhook_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}
