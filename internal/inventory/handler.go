package inventory

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/medcore/stockcore/internal/platform/httpx"
	"github.com/medcore/stockcore/internal/shared"
)

// Handler exposes read-only ledger endpoints. Stock only moves through the
// workflow services.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/balances/{itemID}", h.handleBalance)
	r.Get("/stock-card/{itemID}", h.handleStockCard)
	r.Get("/reconstruct/{itemID}", h.handleReconstruct)
	r.Post("/reconcile", h.handleReconcile)
}

func (h *Handler) key(r *http.Request) (int64, Location, error) {
	itemID, err := httpx.IDParam(r, "itemID")
	if err != nil {
		return 0, Location{}, err
	}
	raw := r.URL.Query().Get("location")
	if raw == "" {
		raw = "central"
	}
	loc, err := ParseLocation(raw)
	return itemID, loc, err
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	itemID, loc, err := h.key(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	bal, err := h.service.Balance(r.Context(), itemID, loc)
	if err != nil {
		h.fail(w, "load balance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, balanceDTO(bal))
}

func (h *Handler) handleStockCard(w http.ResponseWriter, r *http.Request) {
	itemID, loc, err := h.key(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter := MovementFilter{ItemID: itemID, Location: loc, Limit: 500}
	q := r.URL.Query()
	if from := q.Get("from"); from != "" {
		if filter.From, err = time.Parse("2006-01-02", from); err != nil {
			httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "from must be YYYY-MM-DD")
			return
		}
	}
	if to := q.Get("to"); to != "" {
		parsed, err := time.Parse("2006-01-02", to)
		if err != nil {
			httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "to must be YYYY-MM-DD")
			return
		}
		filter.To = parsed.Add(24*time.Hour - time.Nanosecond)
	}
	entries, err := h.service.StockCard(r.Context(), filter)
	if err != nil {
		h.fail(w, "load stock card", err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"number":        e.Number,
			"type":          e.Type,
			"movement_date": e.MovementDate,
			"qty_in":        e.QtyIn,
			"qty_out":       e.QtyOut,
			"balance_qty":   e.BalanceQty,
			"unit_cost":     e.UnitCost,
			"ref_module":    e.Ref.Module,
			"ref_number":    e.Ref.Number,
			"note":          e.Note,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (h *Handler) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	itemID, loc, err := h.key(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	total, err := h.service.ReconstructBalance(r.Context(), itemID, loc)
	if err != nil {
		h.fail(w, "reconstruct balance", err)
		return
	}
	bal, err := h.service.Balance(r.Context(), itemID, loc)
	if err != nil {
		h.fail(w, "load balance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"item_id":       itemID,
		"location":      loc.String(),
		"journal_total": total,
		"live_quantity": bal.QuantityOnHand,
		"consistent":    total.Equal(bal.QuantityOnHand),
	})
}

type reconcileRequest struct {
	Repair bool `json:"repair"`
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	drifts, err := h.service.Reconcile(r.Context(), ReconcileOptions{
		Repair:  req.Repair,
		ActorID: shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "reconcile", err)
		return
	}
	out := make([]map[string]any, 0, len(drifts))
	for _, d := range drifts {
		out = append(out, map[string]any{
			"item_id":       d.Key.ItemID,
			"location":      d.Key.Location.String(),
			"live_quantity": d.LiveQuantity,
			"journal_total": d.JournalTotal,
			"repaired":      d.Repaired,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"drifts": out})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if status, _ := httpx.Classify(err); status >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func balanceDTO(b Balance) map[string]any {
	return map[string]any{
		"item_id":            b.ItemID,
		"location":           b.Location.String(),
		"quantity_on_hand":   b.QuantityOnHand,
		"reserved_quantity":  b.ReservedQuantity,
		"available_quantity": b.Available(),
		"last_unit_cost":     b.LastUnitCost,
		"average_unit_cost":  b.AverageUnitCost,
		"total_value":        b.TotalValue,
		"updated_at":         b.UpdatedAt,
	}
}
