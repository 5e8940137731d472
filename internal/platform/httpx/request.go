package httpx

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/medcore/stockcore/internal/shared"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeAndValidate decodes a JSON body and runs struct validation. An empty
// body leaves target untouched. Failures wrap shared.ErrValidation.
func DecodeAndValidate(r *http.Request, target any) error {
	if err := DecodeJSON(r, target); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed body: %v", shared.ErrValidation, err)
	}
	if err := validate.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", shared.ErrValidation, strings.Join(msgs, ", "))
		}
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	return nil
}

// IDParam parses a positive int64 route parameter.
func IDParam(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", shared.ErrValidation, name, raw)
	}
	return id, nil
}

// QueryInt64 parses an optional positive int64 query value; missing yields 0.
func QueryInt64(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", shared.ErrValidation, name, raw)
	}
	return id, nil
}

// Actor returns the authenticated actor id or a validation error when absent.
func Actor(r *http.Request) (int64, error) {
	id := shared.ActorFromContext(r.Context())
	if id <= 0 {
		return 0, fmt.Errorf("%w: actor id required", shared.ErrValidation)
	}
	return id, nil
}
