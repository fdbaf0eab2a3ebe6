package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/woo-catalog-sync/internal/domain"
)

// apiError is the wire form of a failed request: a stable machine code
// plus a human-readable message. It always travels inside an "error"
// envelope so clients can tell payloads from failures.
type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

// errorStatuses maps domain sentinels to an HTTP status and wire code.
// Anything not listed is reported as 500 INTERNAL.
var errorStatuses = []struct {
	sentinel error
	status   int
	code     string
}{
	{domain.ErrInvalidArgument, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{domain.ErrConflict, http.StatusConflict, "CONFLICT"},
	{domain.ErrUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE"},
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	for _, m := range errorStatuses {
		if errors.Is(err, m.sentinel) {
			status = m.status
			code = m.code
			break
		}
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{
		Code:    code,
		Message: err.Error(),
		Details: details,
	}})
}
