package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/warp/tontine-engine/ledger"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Error codes returned in ErrorResponse.Code.
const (
	codeValidation          = "validation_error"
	codeInsufficientBalance = "insufficient_balance"
	codeTermLocked          = "term_locked"
	codeStateConflict       = "state_conflict"
	codeForbidden           = "forbidden"
	codeNotFound            = "not_found"
	codeDuplicateEarning    = "duplicate_earning"
	codeInternal            = "internal_error"
)

// writeError maps a ledger error to its HTTP status:
//
//	ValidationError             400
//	ErrForbidden                403
//	NotFoundError               404
//	StateConflictError          409, retry: true
//	DuplicateEarningError       409
//	InsufficientBalanceError    422, available
//	TermLockError               422, unlock_date
//	anything else               500, logged
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *ledger.ValidationError
		ib *ledger.InsufficientBalanceError
		tl *ledger.TermLockError
		sc *ledger.StateConflictError
	)
	status := http.StatusInternalServerError
	resp := ErrorResponse{Error: err.Error(), Code: codeInternal}

	switch {
	case errors.As(err, &ib):
		status = http.StatusUnprocessableEntity
		resp.Code = codeInsufficientBalance
		available := ib.Available
		resp.Available = &available
	case errors.As(err, &tl):
		status = http.StatusUnprocessableEntity
		resp.Code = codeTermLocked
		resp.UnlockDate = tl.UnlockDate.Format(dateLayout)
	case errors.Is(err, ledger.ErrValidation):
		status = http.StatusBadRequest
		resp.Code = codeValidation
		if errors.As(err, &ve) {
			resp.Field = ve.Field
		}
	case errors.Is(err, ledger.ErrStateConflict):
		status = http.StatusConflict
		resp.Code = codeStateConflict
		resp.Retry = true
		if errors.As(err, &sc) {
			resp.Current = string(sc.Current)
		}
	case errors.Is(err, ledger.ErrDuplicateEarning):
		status = http.StatusConflict
		resp.Code = codeDuplicateEarning
	case errors.Is(err, ledger.ErrForbidden):
		status = http.StatusForbidden
		resp.Code = codeForbidden
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
		resp.Code = codeNotFound
	}

	if status == http.StatusInternalServerError {
		h.Logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		if !errors.Is(err, ledger.ErrReferentialIntegrity) {
			resp.Error = "internal error"
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON reads a JSON body into v. Unknown fields and trailing data are
// validation errors.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, ledger.ErrValidation) {
			return err
		}
		return ledger.NewValidationError("body", "invalid request body: %v", err)
	}
	if dec.More() {
		return ledger.NewValidationError("body", "unexpected data after the JSON object")
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be empty.
func decodeOptionalJSON(r *http.Request, v any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if strings.TrimSpace(body) == "" {
		return nil
	}
	r.Body = io.NopCloser(strings.NewReader(body))
	return decodeJSON(r, v)
}

func forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ledger.ErrForbidden, fmt.Sprintf(format, args...))
}

func readBody(r *http.Request) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(b), nil
}
