package transfer

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/platform/httpx"
)

// Handler wires HTTP endpoints for stock transfers.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs transfer handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers transfer routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Get("/in-transit", h.handleInTransit)
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.Put("/{id}", h.handleUpdate)
	r.Delete("/{id}", h.handleDelete)
	r.Post("/{id}/approve", h.handleApprove)
	r.Post("/{id}/receive", h.handleReceive)
}

type transferRequest struct {
	FromDepartmentID int64           `json:"from_department_id" validate:"required,gt=0"`
	ToDepartmentID   int64           `json:"to_department_id" validate:"required,gt=0,nefield=FromDepartmentID"`
	ItemID           int64           `json:"item_id" validate:"required,gt=0"`
	Quantity         decimal.Decimal `json:"quantity"`
	Note             string          `json:"note" validate:"max=500"`
}

func (b transferRequest) input(actor int64) Input {
	return Input{
		FromDepartmentID: b.FromDepartmentID,
		ToDepartmentID:   b.ToDepartmentID,
		ItemID:           b.ItemID,
		Quantity:         b.Quantity,
		Note:             b.Note,
		ActorID:          actor,
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	dept, err := httpx.QueryInt64(r, "department_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	list, err := h.service.List(r.Context(), ListFilter{DepartmentID: dept, Status: Status(r.URL.Query().Get("status"))})
	h.respondList(w, "list transfers", list, err)
}

func (h *Handler) handleInTransit(w http.ResponseWriter, r *http.Request) {
	dept, err := httpx.QueryInt64(r, "department_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	list, err := h.service.InTransit(r.Context(), dept)
	h.respondList(w, "list in-transit transfers", list, err)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	t, err := h.service.Get(r.Context(), id)
	h.respond(w, http.StatusOK, "get transfer", t, err)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body transferRequest
	if err := httpx.DecodeAndValidate(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	t, err := h.service.Create(r.Context(), body.input(actor))
	h.respond(w, http.StatusCreated, "create transfer", t, err)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	var body transferRequest
	if err := httpx.DecodeAndValidate(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	t, err := h.service.Update(r.Context(), id, body.input(actor))
	h.respond(w, http.StatusOK, "update transfer", t, err)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id, actor); err != nil {
		h.fail(w, "delete transfer", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	t, err := h.service.Approve(r.Context(), id, actor)
	h.respond(w, http.StatusOK, "approve transfer", t, err)
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	t, err := h.service.Receive(r.Context(), id, actor)
	h.respond(w, http.StatusOK, "receive transfer", t, err)
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

func (h *Handler) respondList(w http.ResponseWriter, op string, list []Transfer, err error) {
	if err != nil {
		h.fail(w, op, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, t := range list {
		out = append(out, transferDTO(t))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transfers": out})
}

func (h *Handler) respond(w http.ResponseWriter, status int, op string, t Transfer, err error) {
	if err != nil {
		h.fail(w, op, err)
		return
	}
	httpx.JSON(w, status, transferDTO(t))
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if status, _ := httpx.Classify(err); status >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func transferDTO(t Transfer) map[string]any {
	return map[string]any{
		"id":                 t.ID,
		"number":             t.Number,
		"from_department_id": t.FromDepartmentID,
		"to_department_id":   t.ToDepartmentID,
		"item_id":            t.ItemID,
		"quantity":           t.Quantity,
		"unit_cost":          t.UnitCost,
		"status":             t.Status,
		"note":               t.Note,
		"approved_at":        t.ApprovedAt,
		"received_at":        t.ReceivedAt,
	}
}
