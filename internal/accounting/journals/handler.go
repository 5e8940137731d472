package journals

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/medcore/stockcore/internal/platform/httpx"
)

type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.service.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("list journals", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryDTO(e))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"journal_entries": out})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entry, err := h.service.Get(r.Context(), id)
	if err != nil {
		if status, _ := httpx.Classify(err); status >= http.StatusInternalServerError {
			h.logger.Error("get journal", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entryDTO(entry))
}

func entryDTO(e JournalEntry) map[string]any {
	lines := make([]map[string]any, 0, len(e.Lines))
	for _, l := range e.Lines {
		lines = append(lines, map[string]any{
			"account_id": l.AccountID,
			"debit":      l.Debit.StringFixed(2),
			"credit":     l.Credit.StringFixed(2),
		})
	}
	return map[string]any{
		"id":            e.ID,
		"number":        e.Number,
		"reference":     e.Reference(),
		"date":          e.Date.Format("2006-01-02"),
		"source_module": e.SourceModule,
		"source_id":     e.SourceID,
		"memo":          e.Memo,
		"posted_by":     e.PostedBy,
		"posted_at":     e.PostedAt,
		"lines":         lines,
	}
}
