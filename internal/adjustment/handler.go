package adjustment

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/platform/httpx"
)

// Handler wires HTTP endpoints for central stock adjustments.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs adjustment handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers adjustment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.Put("/{id}", h.handleUpdate)
	r.Delete("/{id}", h.handleDelete)
	r.Post("/{id}/approve", h.handleApprove)
	r.Post("/{id}/post-journal", h.handlePostJournal)
}

type adjustmentRequest struct {
	ItemID    int64           `json:"item_id" validate:"required,gt=0"`
	Kind      string          `json:"tipe_adjustment" validate:"required,oneof=shortage overage"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Note      string          `json:"note" validate:"max=500"`
}

func (b adjustmentRequest) input(actor int64) Input {
	return Input{
		ItemID:    b.ItemID,
		Kind:      Kind(b.Kind),
		Quantity:  b.Quantity,
		UnitPrice: b.UnitPrice,
		Note:      b.Note,
		ActorID:   actor,
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	itemID, err := httpx.QueryInt64(r, "item_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	list, err := h.service.List(r.Context(), ListFilter{ItemID: itemID, Status: Status(r.URL.Query().Get("status"))})
	if err != nil {
		h.fail(w, "list adjustments", err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, a := range list {
		out = append(out, adjustmentDTO(a))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"adjustments": out})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	a, err := h.service.Get(r.Context(), id)
	h.respond(w, http.StatusOK, "get adjustment", a, err)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body adjustmentRequest
	if err := httpx.DecodeAndValidate(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	a, err := h.service.Create(r.Context(), body.input(actor))
	h.respond(w, http.StatusCreated, "create adjustment", a, err)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	var body adjustmentRequest
	if err := httpx.DecodeAndValidate(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	a, err := h.service.Update(r.Context(), id, body.input(actor))
	h.respond(w, http.StatusOK, "update adjustment", a, err)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id, actor); err != nil {
		h.fail(w, "delete adjustment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	a, err := h.service.Approve(r.Context(), id, actor)
	h.respond(w, http.StatusOK, "approve adjustment", a, err)
}

func (h *Handler) handlePostJournal(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	a, err := h.service.PostToJournal(r.Context(), id, actor)
	h.respond(w, http.StatusOK, "post adjustment journal", a, err)
}

func (h *Handler) target(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return 0, 0, false
	}
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return 0, 0, false
	}
	return id, actor, true
}

func (h *Handler) respond(w http.ResponseWriter, status int, op string, a Adjustment, err error) {
	if err != nil {
		h.fail(w, op, err)
		return
	}
	httpx.JSON(w, status, adjustmentDTO(a))
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if status, _ := httpx.Classify(err); status >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func adjustmentDTO(a Adjustment) map[string]any {
	return map[string]any{
		"id":              a.ID,
		"number":          a.Number,
		"item_id":         a.ItemID,
		"tipe_adjustment": a.Kind,
		"quantity":        a.Quantity,
		"unit_price":      a.UnitPrice,
		"amount":          a.Amount(),
		"status":          a.Status,
		"note":            a.Note,
		"approved_at":     a.ApprovedAt,
		"jurnal_posted":   a.JournalPosted,
		"journal_ref":     a.JournalRef,
	}
}
