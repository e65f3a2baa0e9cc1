// Package api implements the HTTP surface of the change audit service.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"changehook/internal/audit"
	"changehook/internal/auth"
	"changehook/internal/changefeed"
	"changehook/internal/metrics"
	"changehook/internal/queue"
	"changehook/internal/store"
	"changehook/internal/webhooks"
)

// Deps are the collaborators the HTTP handlers use.
type Deps struct {
	Store      store.Store
	Audit      *audit.Service
	Dispatcher *webhooks.Dispatcher
	Queue      queue.Queue
	Feed       changefeed.Feed
	Auth       *auth.Verifier
	Log        *zap.SugaredLogger
	// AllowOrigins limits browser origins on the change stream; empty allows any.
	AllowOrigins []string
	// Info is merged into /debug/info.
	Info map[string]any
}

type Server struct {
	store      store.Store
	audit      *audit.Service
	dispatcher *webhooks.Dispatcher
	queue      queue.Queue
	feed       changefeed.Feed
	auth       *auth.Verifier
	log        *zap.SugaredLogger
	info       map[string]any
	upgrader   websocket.Upgrader
}

func NewServer(d Deps) *Server {
	s := &Server{
		store:      d.Store,
		audit:      d.Audit,
		dispatcher: d.Dispatcher,
		queue:      d.Queue,
		feed:       d.Feed,
		auth:       d.Auth,
		log:        d.Log,
		info:       d.Info,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: originChecker(d.AllowOrigins)}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	if s.auth == nil {
		s.auth, _ = auth.NewVerifier(auth.Config{})
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.HealthHandler)
	r.Get("/readyz", s.ReadyHandler)
	r.Get("/debug/info", s.DebugJSON)
	r.Get("/openapi.yaml", s.OpenAPIHandler)
	r.Get("/docs", s.DocsHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(v1 chi.Router) {
		v1.Route("/changes", func(c chi.Router) {
			c.With(middleware.Timeout(30*time.Second)).Post("/", s.RecordChangesHandler)
			c.Get("/", s.ListChangesHandler)
			c.Get("/stream", s.ChangeStreamHandler)
			c.Get("/{id}", s.GetChangeHandler)
		})
		v1.Route("/webhooks", func(wh chi.Router) {
			wh.Get("/", s.ListWebhooksHandler)
			wh.Post("/", s.CreateWebhookHandler)
			wh.Get("/{id}", s.GetWebhookHandler)
			wh.Patch("/{id}", s.UpdateWebhookHandler)
			wh.Delete("/{id}", s.DeleteWebhookHandler)
		})
		v1.Route("/admin/deliveries", func(d chi.Router) {
			d.Get("/", s.ListDeliveriesHandler)
			d.Get("/stats", s.DeliveryStatsHandler)
			d.Get("/{id}", s.GetDeliveryHandler)
			d.Post("/{id}/retry", s.RetryDeliveryHandler)
			d.Post("/{id}/cancel", s.CancelDeliveryHandler)
		})
	})
	return r
}
