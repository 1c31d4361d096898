package handler

import (
	"context"
	"net/http"

	"locsync/api/openapi"
	"locsync/internal/middleware"
	ws "locsync/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig wires the control API.
type RouterConfig struct {
	Engine           Engine
	Hub              *ws.Hub
	ControlToken     string
	AllowedOrigins   []string
	ValidateRequests bool
	Checks           []HealthCheck
}

// NewRouter builds the control API. Rate limiter cleanup stops with ctx.
func NewRouter(ctx context.Context, cfg RouterConfig) (http.Handler, error) {
	var validatorCfg *middleware.OpenAPIValidatorConfig
	if cfg.ValidateRequests {
		doc, err := openapi.Load(openapi.ControlSpec)
		if err != nil {
			return nil, err
		}
		validatorCfg = middleware.DefaultOpenAPIValidatorConfig(doc)
	}
	validator, err := middleware.OpenAPIValidator(validatorCfg)
	if err != nil {
		return nil, err
	}

	control := NewControlHandler(cfg.Engine)
	wsHandler := NewWebSocketHandler(cfg.Hub, cfg.AllowedOrigins)

	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(middleware.Metrics())

	r.Get("/health", Health)
	r.Get("/health/ready", Ready(cfg.Checks...))
	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not Found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		sessionLimiter := middleware.NewRateLimiter(ctx, 1, 5)
		apiLimiter := middleware.NewRateLimiter(ctx, 20, 50)

		r.Use(middleware.ControlToken(cfg.ControlToken))
		r.Use(validator)

		r.Group(func(r chi.Router) {
			r.Use(sessionLimiter.Middleware())
			r.Post("/session/login", control.Login)
			r.Post("/session/register", control.Register)
		})

		r.Group(func(r chi.Router) {
			r.Use(apiLimiter.Middleware())
			r.Post("/session/logout", control.Logout)
			r.Get("/status", control.Status)
			r.Put("/interval", control.SetInterval)
			r.Get("/intervals", control.Intervals)
			r.Post("/sync", control.Sync)
		})
	})

	r.With(middleware.ControlToken(cfg.ControlToken)).Get("/ws/status", wsHandler.HandleConnection)

	return r, nil
}
