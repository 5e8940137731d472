package httpx

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/medcore/stockcore/internal/shared"
)

func TestClassifyWrappedErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("requisition: complete: %w", shared.ErrInsufficientStock), http.StatusConflict},
		{fmt.Errorf("transfer: %w", shared.ErrComplianceBlocked), http.StatusConflict},
		{fmt.Errorf("opname: %w", shared.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("journal: %w", shared.ErrUnbalancedJournal), http.StatusUnprocessableEntity},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := Classify(tc.err)
		require.Equal(t, tc.status, status, tc.err.Error())
	}
}

func TestRespondErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, fmt.Errorf("pg: connection refused"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "connection refused")
}
