package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/medcore/stockcore/internal/accounting/journals"
	"github.com/medcore/stockcore/internal/adjustment"
	"github.com/medcore/stockcore/internal/inventory"
	"github.com/medcore/stockcore/internal/masterdata/items"
	"github.com/medcore/stockcore/internal/observability"
	"github.com/medcore/stockcore/internal/opname"
	"github.com/medcore/stockcore/internal/procurement"
	"github.com/medcore/stockcore/internal/requisition"
	"github.com/medcore/stockcore/internal/transfer"
	"github.com/medcore/stockcore/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	InventoryHandler   *inventory.Handler
	RequisitionHandler *requisition.Handler
	TransferHandler    *transfer.Handler
	AdjustmentHandler  *adjustment.Handler
	OpnameHandler      *opname.Handler
	ProcurementHandler *procurement.Handler
	JournalHandler     *journals.Handler
	ItemsHandler       *items.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with stock core defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		if params.InventoryHandler != nil {
			r.Route("/inventory", params.InventoryHandler.MountRoutes)
		}
		if params.RequisitionHandler != nil {
			r.Route("/stock-requests", params.RequisitionHandler.MountRoutes)
		}
		if params.TransferHandler != nil {
			r.Route("/transfers", params.TransferHandler.MountRoutes)
		}
		if params.AdjustmentHandler != nil {
			r.Route("/adjustments", params.AdjustmentHandler.MountRoutes)
		}
		if params.OpnameHandler != nil {
			r.Route("/opnames", params.OpnameHandler.MountRoutes)
		}
		if params.ProcurementHandler != nil {
			r.Route("/purchases", params.ProcurementHandler.MountRoutes)
		}
		if params.JournalHandler != nil {
			r.Route("/journals", params.JournalHandler.MountRoutes)
		}
		if params.ItemsHandler != nil {
			r.Route("/items", params.ItemsHandler.MountRoutes)
		}
	})
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
