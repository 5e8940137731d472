package procurement

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/platform/httpx"
)

// Handler manages procurement endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.Put("/{id}/items", h.handleUpdateItems)
	r.Post("/{id}/submit", h.handleSubmit)
	r.Post("/{id}/approve", h.handleApprove)
	r.Post("/{id}/order", h.handleOrder)
	r.Post("/{id}/cancel", h.handleCancel)
	r.Get("/{id}/receipts", h.handleReceipts)
	r.Post("/{id}/items/{itemID}/receive", h.handleReceive)
	r.Post("/{id}/post-journal", h.handlePostJournal)
	r.Get("/{id}/payments", h.handlePayments)
	r.Post("/{id}/payments", h.handlePayment)
}

type itemRequest struct {
	ItemID    int64           `json:"item_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type createRequest struct {
	SupplierID int64         `json:"supplier_id" validate:"required,gt=0"`
	Note       string        `json:"note" validate:"max=500"`
	Items      []itemRequest `json:"items" validate:"required,min=1,dive"`
}

type itemsRequest struct {
	Items []itemRequest `json:"items" validate:"required,min=1,dive"`
}

type receiveRequest struct {
	Quantity    decimal.Decimal `json:"quantity"`
	BatchNumber string          `json:"batch_number" validate:"max=64"`
	ExpiryDate  *time.Time      `json:"expiry_date"`
}

type paymentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method" validate:"required,max=32"`
	Reference string          `json:"reference" validate:"max=128"`
	PaidAt    time.Time       `json:"paid_at"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func itemInputs(in []itemRequest) []ItemInput {
	out := make([]ItemInput, 0, len(in))
	for _, it := range in {
		out = append(out, ItemInput{ItemID: it.ItemID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return out
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	supplierID, err := httpx.QueryInt64(r, "supplier_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	list, err := h.service.List(r.Context(), ListFilter{SupplierID: supplierID, Status: Status(r.URL.Query().Get("status"))})
	if err != nil {
		h.fail(w, "list purchases", err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, p := range list {
		out = append(out, purchaseDTO(p))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"purchases": out})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.Get(r.Context(), id)
	h.respond(w, http.StatusOK, "get purchase", p, err)
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
	p, err := h.service.Create(r.Context(), CreateInput{
		SupplierID: body.SupplierID,
		Note:       body.Note,
		ActorID:    actor,
		Items:      itemInputs(body.Items),
	})
	h.respond(w, http.StatusCreated, "create purchase", p, err)
}

func (h *Handler) handleUpdateItems(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	var body itemsRequest
	if err := httpx.DecodeAndValidate(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.UpdateItems(r.Context(), id, actor, itemInputs(body.Items))
	h.respond(w, http.StatusOK, "update purchase items", p, err)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	p, err := h.service.Submit(r.Context(), id, actor)
	h.respond(w, http.StatusOK, "submit purchase", p, err)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	p, err := h.service.Approve(r.Context(), id, actor)
	h.respond(w, http.StatusOK, "approve purchase", p, err)
}

func (h *Handler) handleOrder(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	p, err := h.service.MarkOrdered(r.Context(), id, actor)
	h.respond(w, http.StatusOK, "order purchase", p, err)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	var body cancelRequest
	if err := httpx.DecodeAndValidate(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.Cancel(r.Context(), id, actor, body.Reason)
	h.respond(w, http.StatusOK, "cancel purchase", p, err)
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	lineID, err := httpx.IDParam(r, "itemID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body receiveRequest
	if err := httpx.DecodeAndValidate(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	rc, err := h.service.ReceiveItem(r.Context(), ReceiveInput{
		PurchaseID:     id,
		PurchaseItemID: lineID,
		Quantity:       body.Quantity,
		BatchNumber:    body.BatchNumber,
		ExpiryDate:     body.ExpiryDate,
		ActorID:        actor,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.fail(w, "receive purchase item", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, receiptDTO(rc))
}

func (h *Handler) handleReceipts(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	list, err := h.service.Receipts(r.Context(), id)
	if err != nil {
		h.fail(w, "list purchase receipts", err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, rc := range list {
		out = append(out, receiptDTO(rc))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"receipts": out})
}

func (h *Handler) handlePostJournal(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	p, err := h.service.PostToJournal(r.Context(), id, actor)
	h.respond(w, http.StatusOK, "post purchase journal", p, err)
}

func (h *Handler) handlePayment(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	var body paymentRequest
	if err := httpx.DecodeAndValidate(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.RecordPayment(r.Context(), PaymentInput{
		PurchaseID: id,
		Amount:     body.Amount,
		Method:     body.Method,
		Reference:  body.Reference,
		PaidAt:     body.PaidAt,
		ActorID:    actor,
	})
	if err != nil {
		h.fail(w, "record purchase payment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, paymentDTO(p))
}

func (h *Handler) handlePayments(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	list, err := h.service.Payments(r.Context(), id)
	if err != nil {
		h.fail(w, "list purchase payments", err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, p := range list {
		out = append(out, paymentDTO(p))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payments": out})
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

func (h *Handler) respond(w http.ResponseWriter, status int, op string, p Purchase, err error) {
	if err != nil {
		h.fail(w, op, err)
		return
	}
	httpx.JSON(w, status, purchaseDTO(p))
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if status, _ := httpx.Classify(err); status >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func purchaseDTO(p Purchase) map[string]any {
	items := make([]map[string]any, 0, len(p.Items))
	for _, it := range p.Items {
		items = append(items, map[string]any{
			"id":                it.ID,
			"item_id":           it.ItemID,
			"quantity_ordered":  it.QuantityOrdered,
			"quantity_received": it.QuantityReceived,
			"unit_price":        it.UnitPrice,
		})
	}
	return map[string]any{
		"id":             p.ID,
		"number":         p.Number,
		"supplier_id":    p.SupplierID,
		"status":         p.Status,
		"note":           p.Note,
		"total":          p.Total(),
		"paid_amount":    p.PaidAmount,
		"payment_status": p.PaymentStatus,
		"approved_at":    p.ApprovedAt,
		"ordered_at":     p.OrderedAt,
		"jurnal_posted":  p.JournalPosted,
		"journal_ref":    p.JournalRef,
		"items":          items,
	}
}

func receiptDTO(rc Receipt) map[string]any {
	return map[string]any{
		"id":               rc.ID,
		"purchase_item_id": rc.PurchaseItemID,
		"item_id":          rc.ItemID,
		"quantity":         rc.Quantity,
		"unit_price":       rc.UnitPrice,
		"batch_number":     rc.BatchNumber,
		"expiry_date":      rc.ExpiryDate,
		"movement_number":  rc.MovementNumber,
		"received_at":      rc.ReceivedAt,
	}
}

func paymentDTO(p Payment) map[string]any {
	return map[string]any{
		"id":        p.ID,
		"amount":    p.Amount,
		"method":    p.Method,
		"reference": p.Reference,
		"paid_at":   p.PaidAt,
	}
}
