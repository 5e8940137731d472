// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/medcore/stockcore/internal/shared"
)

// RespondError maps stock core errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	status, title := Classify(err)
	detail := ""
	if status != http.StatusInternalServerError {
		detail = err.Error()
	}
	Problem(w, status, title, detail)
}

// Classify resolves the HTTP status and title for err.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, shared.ErrInsufficientStock):
		return http.StatusConflict, "Insufficient Stock"
	case errors.Is(err, shared.ErrInvalidState):
		return http.StatusConflict, "Invalid State"
	case errors.Is(err, shared.ErrComplianceBlocked):
		return http.StatusConflict, "Compliance Blocked"
	case errors.Is(err, shared.ErrOverReceipt):
		return http.StatusConflict, "Over Receipt"
	case errors.Is(err, shared.ErrAlreadyPosted):
		return http.StatusConflict, "Already Posted"
	case errors.Is(err, shared.ErrIdempotencyConflict):
		return http.StatusConflict, "Duplicate Request"
	case errors.Is(err, shared.ErrInvalidReservation):
		return http.StatusUnprocessableEntity, "Invalid Reservation"
	case errors.Is(err, shared.ErrUnbalancedJournal):
		return http.StatusUnprocessableEntity, "Unbalanced Journal"
	case errors.Is(err, shared.ErrValidation):
		return http.StatusUnprocessableEntity, "Validation Failed"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}
