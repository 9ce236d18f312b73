package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Service            BookingService
	Log                *zap.Logger
	JWTSecret          string
	RateLimitPerMinute int
	Dependencies       []Dependency
	Env                string
	Version            string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Patient-ID"},
	}))
	if cfg.RateLimitPerMinute > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimitPerMinute, time.Minute))
	}

	health := NewHealthHandler(cfg.Dependencies, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Route("/appointments", func(r chi.Router) {
		r.Use(PatientAuth(cfg.JWTSecret))

		r.Post("/book", bookHandler(cfg.Service))
		r.Patch("/{id}/reschedule", rescheduleHandler(cfg.Service))
		r.Delete("/{id}/cancel", cancelHandler(cfg.Service))
		r.Get("/mine", listMineHandler(cfg.Service))
		r.Get("/doctor/{doctorID}", listForDoctorHandler(cfg.Service))
	})

	return r
}
