// Package api exposes the LandWatch analysis engine over HTTP.
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/landwatch/internal/domain"
)

const idleTimeout = 2 * time.Minute

// Server is the LandWatch HTTP API.
type Server struct {
	router  *chi.Mux
	handler *Handler
	httpSrv *http.Server
}

// NewServer wires the handler into a chi router. Health, readiness and
// metrics are served without a tenant; everything else requires one.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	h := NewHandler(deps)
	r := chi.NewRouter()

	r.Use(CORSMiddleware, RecoverMiddleware, TracingMiddleware, LoggingMiddleware)
	if deps.Metrics != nil {
		r.Use(MetricsMiddleware(deps.Metrics))
	}
	r.Use(middleware.RealIP, middleware.Compress(5))

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)
		mountAnalysis(r, h)
		mountAdmin(r, h)
	})

	return &Server{
		router:  r,
		handler: h,
		httpSrv: &http.Server{
			Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:      r,
			ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
			IdleTimeout:  idleTimeout,
		},
	}
}

func mountAnalysis(r chi.Router, h *Handler) {
	r.Post("/analyze", h.Analyze)
	r.Post("/analyze/batch", h.AnalyzeBatch)
	r.Post("/detect/text", h.DetectText)

	r.Post("/records", h.IngestRecord)
	r.Get("/records/{id}", h.GetRecord)
	r.Get("/verdicts/{id}", h.GetVerdict)

	r.Route("/model", func(r chi.Router) {
		r.Get("/", h.GetModel)
		r.Post("/train", h.TrainModel)
	})
}

// mountAdmin registers rule and typology management.
func mountAdmin(r chi.Router, h *Handler) {
	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.ListRules)
		r.Post("/", h.CreateRule)
		r.Post("/reload", h.ReloadRules)
		r.Get("/{id}", h.GetRule)
	})
	r.Route("/typologies", func(r chi.Router) {
		r.Get("/", h.ListTypologies)
		r.Post("/", h.CreateTypology)
		r.Post("/reload", h.ReloadTypologies)
		r.Get("/{id}", h.GetTypology)
		r.Put("/{id}", h.UpdateTypology)
		r.Delete("/{id}", h.DeleteTypology)
	})
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the router so tests can drive it without a listener.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) Handler() *Handler {
	return s.handler
}
