package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/groundguard/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/groundguard/internal/http/middleware"
	"github.com/wolfman30/groundguard/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Answer             *handlers.AnswerHandler
	GatewayJWTSecret   string
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
	// Ready reports dependency health for /health; nil means always ready.
	Ready func(ctx context.Context) error
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	// Public endpoints
	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler(cfg.Ready))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	if cfg.Answer != nil {
		r.Route("/v1", func(v1 chi.Router) {
			v1.Use(httpmiddleware.GatewayAuth(cfg.GatewayJWTSecret))
			v1.Post("/answer", cfg.Answer.Stream)
			v1.Get("/answer/ws", cfg.Answer.WebSocket)
		})
	}

	return r
}

func healthHandler(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	}
}
