// Package router wires the scheduling engine's HTTP handlers into a chi
// router, grounded on the teacher's internal/api/router package.
package router

import (
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/quantumlife-health/radsched/internal/http/handlers"
	httpmiddleware "github.com/quantumlife-health/radsched/internal/http/middleware"
	"github.com/quantumlife-health/radsched/pkg/logging"
)

// Config holds router configuration. Admin handlers and RedisClient are
// optional; when AdminJWTSecret is empty the /admin tree is not mounted.
type Config struct {
	Logger             *logging.Logger
	Webhooks           *handlers.WebhookHandler
	Admin              *handlers.AdminSessionsHandler
	AdminJWTSecret     string
	CORSAllowedOrigins []string

	DB             *sql.DB
	RedisClient    *redis.Client
	HasSMSProvider bool
	HasRISConfig   bool
}

// New builds the chi router serving webhooks, admin API, health, and metrics.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler)
		public.Get("/ready", readinessHandler(cfg))
		public.Handle("/metrics", promhttp.Handler())

		if cfg.Webhooks != nil {
			public.Route("/webhooks/ris", func(r chi.Router) {
				r.Use(httpmiddleware.RateLimit(50, 100))
				r.Post("/orders", cfg.Webhooks.HandleOrderIntake)
				r.Post("/schedule-response", cfg.Webhooks.HandleScheduleResponse)
				r.Post("/appointment-notification", cfg.Webhooks.HandleAppointmentNotification)
			})
			public.Route("/webhooks/telnyx", func(r chi.Router) {
				r.Use(httpmiddleware.RateLimit(100, 200))
				r.Post("/messages", cfg.Webhooks.HandleInboundSMS)
			})
		}
	})

	if cfg.Admin != nil && cfg.AdminJWTSecret != "" {
		r.Route("/admin/sessions", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminJWTSecret))
			admin.Get("/", cfg.Admin.ListSessions)
			admin.Get("/stats", cfg.Admin.GetStats)
			admin.Post("/bulk-delete", cfg.Admin.BulkDeleteTerminalSessions)
			admin.Get("/{sessionID}", cfg.Admin.GetSession)
			admin.Delete("/{sessionID}", cfg.Admin.DeleteSession)
			admin.Get("/{sessionID}/transcript", cfg.Admin.ExportTranscript)
			admin.Post("/{sessionID}/force-state", cfg.Admin.ForceTransitionSession)
			admin.Post("/{sessionID}/retry/{step}", cfg.Admin.RetryStep)
			admin.Post("/{sessionID}/sms", cfg.Admin.SendManualSMS)
		})
	}

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// readinessHandler returns 200 only when critical services are connected.
func readinessHandler(cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{}
		ready := true

		if cfg.DB != nil {
			if err := cfg.DB.PingContext(r.Context()); err != nil {
				checks["database"] = "unhealthy: " + err.Error()
				ready = false
			} else {
				checks["database"] = "ok"
			}
		} else {
			checks["database"] = "not configured"
			ready = false
		}

		if cfg.RedisClient != nil {
			if err := cfg.RedisClient.Ping(r.Context()).Err(); err != nil {
				checks["redis"] = "unhealthy: " + err.Error()
				ready = false
			} else {
				checks["redis"] = "ok"
			}
		} else {
			checks["redis"] = "not configured"
		}

		if cfg.HasSMSProvider {
			checks["sms"] = "ok"
		} else {
			checks["sms"] = "no provider configured"
			ready = false
		}
		if cfg.HasRISConfig {
			checks["ris"] = "ok"
		} else {
			checks["ris"] = "not configured"
			ready = false
		}

		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]any{"ready": ready, "checks": checks})
	}
}
