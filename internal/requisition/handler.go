package requisition

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/platform/httpx"
)

// Handler wires HTTP endpoints for stock requests.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs requisition handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers requisition routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.Put("/{id}/lines", h.handleUpdateLines)
	r.Post("/{id}/submit", h.handleSubmit)
	r.Post("/{id}/approve", h.handleApprove)
	r.Post("/{id}/reject", h.handleReject)
	r.Post("/{id}/complete", h.handleComplete)
	r.Post("/{id}/cancel", h.handleCancel)
}

type lineRequest struct {
	ItemID   int64           `json:"item_id" validate:"required,gt=0"`
	Quantity decimal.Decimal `json:"quantity"`
	Note     string          `json:"note"`
}

type createRequest struct {
	DepartmentID int64         `json:"department_id" validate:"required,gt=0"`
	Priority     string        `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	Note         string        `json:"note"`
	Lines        []lineRequest `json:"lines" validate:"dive"`
}

type updateLinesRequest struct {
	Lines []lineRequest `json:"lines" validate:"dive"`
}

type approveRequest struct {
	Approvals map[int64]decimal.Decimal `json:"approvals"`
	Notes     string                    `json:"notes"`
}

type completeRequest struct {
	Issued map[int64]decimal.Decimal `json:"issued"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func toLineInputs(lines []lineRequest) []LineInput {
	out := make([]LineInput, 0, len(lines))
	for _, l := range lines {
		out = append(out, LineInput{ItemID: l.ItemID, Quantity: l.Quantity, Note: l.Note})
	}
	return out
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	dept, err := httpx.QueryInt64(r, "department_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	reqs, err := h.service.List(r.Context(), ListFilter{DepartmentID: dept, Status: Status(r.URL.Query().Get("status"))})
	if err != nil {
		h.fail(w, "list stock requests", err)
		return
	}
	out := make([]map[string]any, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, requestDTO(req))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"requests": out})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	req, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get stock request", err)
		return
	}
	httpx.JSON(w, http.StatusOK, requestDTO(req))
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
	req, err := h.service.Create(r.Context(), CreateInput{
		DepartmentID: body.DepartmentID,
		ActorID:      actor,
		Priority:     Priority(body.Priority),
		Note:         body.Note,
		Lines:        toLineInputs(body.Lines),
	})
	h.respond(w, http.StatusCreated, "create stock request", req, err)
}

func (h *Handler) handleUpdateLines(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	var body updateLinesRequest
	if err := httpx.DecodeAndValidate(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	req, err := h.service.UpdateLines(r.Context(), id, actor, toLineInputs(body.Lines))
	h.respond(w, http.StatusOK, "update stock request lines", req, err)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	req, err := h.service.Submit(r.Context(), id, actor)
	h.respond(w, http.StatusOK, "submit stock request", req, err)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	var body approveRequest
	if err := httpx.DecodeAndValidate(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	req, err := h.service.Approve(r.Context(), ApproveInput{RequestID: id, ActorID: actor, Approvals: body.Approvals, Notes: body.Notes})
	h.respond(w, http.StatusOK, "approve stock request", req, err)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	var body reasonRequest
	if err := httpx.DecodeAndValidate(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	req, err := h.service.Reject(r.Context(), id, actor, body.Reason)
	h.respond(w, http.StatusOK, "reject stock request", req, err)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	var body completeRequest
	if err := httpx.DecodeAndValidate(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	req, err := h.service.Complete(r.Context(), CompleteInput{RequestID: id, ActorID: actor, Issued: body.Issued})
	h.respond(w, http.StatusOK, "complete stock request", req, err)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	var body reasonRequest
	if err := httpx.DecodeAndValidate(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	req, err := h.service.Cancel(r.Context(), id, actor, body.Reason)
	h.respond(w, http.StatusOK, "cancel stock request", req, err)
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

func (h *Handler) respond(w http.ResponseWriter, status int, op string, req Request, err error) {
	if err != nil {
		h.fail(w, op, err)
		return
	}
	httpx.JSON(w, status, requestDTO(req))
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if status, _ := httpx.Classify(err); status >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func requestDTO(req Request) map[string]any {
	lines := make([]map[string]any, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, map[string]any{
			"id":                 l.ID,
			"item_id":            l.ItemID,
			"quantity_requested": l.QuantityRequested,
			"quantity_approved":  l.QuantityApproved,
			"quantity_issued":    l.QuantityIssued,
			"unit_cost":          l.UnitCost,
			"note":               l.Note,
		})
	}
	return map[string]any{
		"id":            req.ID,
		"number":        req.Number,
		"department_id": req.DepartmentID,
		"requested_by":  req.RequestedBy,
		"priority":      req.Priority,
		"status":        req.Status,
		"note":          req.Note,
		"approval_note": req.ApprovalNote,
		"approved_by":   req.ApprovedBy,
		"approved_at":   req.ApprovedAt,
		"completed_at":  req.CompletedAt,
		"lines":         lines,
	}
}
