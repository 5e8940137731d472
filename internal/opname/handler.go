package opname

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/platform/httpx"
	"github.com/medcore/stockcore/internal/shared"
)

// Handler wires HTTP endpoints for stock opname.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs opname handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers opname routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.Put("/{id}/counts", h.handleCounts)
	r.Post("/{id}/submit", h.handleSubmit)
	r.Post("/{id}/approve", h.handleApprove)
	r.Post("/{id}/reject", h.handleReject)
	r.Post("/{id}/post-journal", h.handlePostJournal)
}

type createRequest struct {
	DepartmentID int64   `json:"department_id" validate:"required,gt=0"`
	Period       string  `json:"period" validate:"omitempty,datetime=2006-01"`
	ItemIDs      []int64 `json:"item_ids" validate:"dive,gt=0"`
	Note         string  `json:"note" validate:"max=500"`
}

type countRequest struct {
	Counts []struct {
		LineID   int64           `json:"line_id" validate:"required,gt=0"`
		Quantity decimal.Decimal `json:"quantity"`
	} `json:"counts" validate:"required,min=1,dive"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	dept, err := httpx.QueryInt64(r, "department_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	list, err := h.service.List(r.Context(), ListFilter{DepartmentID: dept, Status: Status(r.URL.Query().Get("status"))})
	if err != nil {
		h.fail(w, "list opnames", err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, o := range list {
		out = append(out, opnameDTO(o))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"opnames": out})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	o, err := h.service.Get(r.Context(), id)
	h.respond(w, http.StatusOK, "get opname", o, err)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body createRequest
	if err := httpx.DecodeAndValidate(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := CreateInput{DepartmentID: body.DepartmentID, ItemIDs: body.ItemIDs, ActorID: actor, Note: body.Note}
	if body.Period != "" {
		if in.Period, err = shared.ParseMonth(body.Period); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	o, err := h.service.Create(r.Context(), in)
	h.respond(w, http.StatusCreated, "create opname", o, err)
}

func (h *Handler) handleCounts(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	var body countRequest
	if err := httpx.DecodeAndValidate(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	counts := make(map[int64]decimal.Decimal, len(body.Counts))
	for _, c := range body.Counts {
		counts[c.LineID] = c.Quantity
	}
	o, err := h.service.UpdateCounts(r.Context(), id, actor, counts)
	h.respond(w, http.StatusOK, "update opname counts", o, err)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	o, err := h.service.Submit(r.Context(), id, actor)
	h.respond(w, http.StatusOK, "submit opname", o, err)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	o, err := h.service.Approve(r.Context(), id, actor)
	h.respond(w, http.StatusOK, "approve opname", o, err)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	var body rejectRequest
	if err := httpx.DecodeAndValidate(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	o, err := h.service.Reject(r.Context(), id, actor, body.Reason)
	h.respond(w, http.StatusOK, "reject opname", o, err)
}

func (h *Handler) handlePostJournal(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	o, err := h.service.PostToJournal(r.Context(), id, actor)
	h.respond(w, http.StatusOK, "post opname journal", o, err)
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

func (h *Handler) respond(w http.ResponseWriter, status int, op string, o Opname, err error) {
	if err != nil {
		h.fail(w, op, err)
		return
	}
	httpx.JSON(w, status, opnameDTO(o))
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if status, _ := httpx.Classify(err); status >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func opnameDTO(o Opname) map[string]any {
	lines := make([]map[string]any, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, map[string]any{
			"id":               l.ID,
			"item_id":          l.ItemID,
			"system_quantity":  l.SystemQuantity,
			"counted_quantity": l.CountedQuantity,
			"variance":         l.Variance(),
			"unit_cost":        l.UnitCost,
		})
	}
	return map[string]any{
		"id":             o.ID,
		"number":         o.Number,
		"department_id":  o.DepartmentID,
		"period":         o.Period.Key(),
		"status":         o.Status,
		"note":           o.Note,
		"reject_reason":  o.RejectReason,
		"approved_at":    o.ApprovedAt,
		"journal_posted": o.JournalPosted,
		"journal_ref":    o.JournalRef,
		"lines":          lines,
	}
}
