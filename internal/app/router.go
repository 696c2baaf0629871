package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/stockledger/internal/audit"
	"github.com/odyssey-erp/stockledger/internal/corrections"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/procurement"
	"github.com/odyssey-erp/stockledger/internal/transfers"
	"github.com/odyssey-erp/stockledger/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	Metrics           *observability.Metrics
	InventoryHandler  *inventory.Handler
	ReceiptHandler    *procurement.Handler
	TransferHandler   *transfers.Handler
	CorrectionHandler *corrections.Handler
	AuditHandler      *audit.Handler
	JobHandler        *jobs.Handler
	// Ready reports whether backing stores are reachable. Nil means always ready.
	Ready         func(ctx context.Context) error
	MutationLimit int
}

// NewRouter constructs the chi.Router with stockledger defaults.
func NewRouter(params RouterParams) http.Handler {
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
		if params.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := params.Ready(ctx); err != nil {
				params.Logger.Warn("readiness check failed", slog.Any("error", err))
				httpx.Problem(w, http.StatusServiceUnavailable, "Not Ready", "backing store unavailable")
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(MutationRateLimit(params.MutationLimit))
		if params.InventoryHandler != nil {
			r.Route("/inventory", params.InventoryHandler.MountRoutes)
		}
		if params.ReceiptHandler != nil {
			params.ReceiptHandler.MountRoutes(r)
		}
		if params.TransferHandler != nil {
			params.TransferHandler.MountRoutes(r)
		}
		if params.CorrectionHandler != nil {
			params.CorrectionHandler.MountRoutes(r)
		}
		if params.AuditHandler != nil {
			params.AuditHandler.MountRoutes(r)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}
