package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/konveksi/konveksi/internal/materials"
	"github.com/konveksi/konveksi/internal/observability"
	"github.com/konveksi/konveksi/internal/orders"
	"github.com/konveksi/konveksi/internal/platform/httpx"
	"github.com/konveksi/konveksi/internal/progress"
	"github.com/konveksi/konveksi/jobs"
)

// Pinger reports whether a backing store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	Metrics          *observability.Metrics
	Database         Pinger
	OrdersHandler    *orders.Handler
	ProgressHandler  *progress.Handler
	MaterialsHandler *materials.Handler
	JobHandler       *jobs.Handler
}

// NewRouter constructs the chi.Router with the API defaults.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if params.Database != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := params.Database.Ping(ctx); err != nil {
				params.Logger.Warn("readiness check", slog.Any("error", err))
				httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "database unreachable")
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Group(func(r chi.Router) {
		r.Use(ActorMiddleware)
		if params.OrdersHandler != nil || params.ProgressHandler != nil {
			r.Route("/orders", func(r chi.Router) {
				if params.OrdersHandler != nil {
					params.OrdersHandler.MountRoutes(r)
				}
				if params.ProgressHandler != nil {
					params.ProgressHandler.MountRoutes(r)
				}
			})
		}
		if params.MaterialsHandler != nil {
			r.Route("/materials", params.MaterialsHandler.MountRoutes)
		}
	})

	if params.ProgressHandler != nil {
		r.Route("/public", params.ProgressHandler.MountPublicRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
