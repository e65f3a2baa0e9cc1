package model

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultHTTPMethod  = http.MethodPost
	DefaultContentType = "application/json"
)

// Webhook is a subscription to changes of one or more object types.
type Webhook struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	ContentTypes      []string          `json:"content_types"`
	TypeCreate        bool              `json:"type_create"`
	TypeUpdate        bool              `json:"type_update"`
	TypeDelete        bool              `json:"type_delete"`
	PayloadURL        string            `json:"payload_url"`
	HTTPMethod        string            `json:"http_method"`
	HTTPContentType   string            `json:"http_content_type"`
	AdditionalHeaders map[string]string `json:"additional_headers,omitempty"`
	Secret            string            `json:"secret,omitempty"`
	Conditions        json.RawMessage   `json:"conditions,omitempty"`
	Enabled           bool              `json:"enabled"`
	Created           time.Time         `json:"created"`
	LastUpdated       time.Time         `json:"last_updated"`
}

// Triggers reports whether the webhook fires for the action.
func (w Webhook) Triggers(a Action) bool {
	switch a {
	case ActionCreate:
		return w.TypeCreate
	case ActionUpdate:
		return w.TypeUpdate
	case ActionDelete:
		return w.TypeDelete
	}
	return false
}

// Subscribes reports whether objectType is one of the webhook's content types.
func (w Webhook) Subscribes(objectType string) bool {
	for _, ct := range w.ContentTypes {
		if strings.EqualFold(ct, objectType) {
			return true
		}
	}
	return false
}

// Method returns the configured HTTP method or POST.
func (w Webhook) Method() string {
	if w.HTTPMethod == "" {
		return DefaultHTTPMethod
	}
	return strings.ToUpper(w.HTTPMethod)
}

// ContentType returns the configured request content type or application/json.
func (w Webhook) ContentType() string {
	if w.HTTPContentType == "" {
		return DefaultContentType
	}
	return w.HTTPContentType
}
