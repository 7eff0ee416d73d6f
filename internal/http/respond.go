package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/statusboard/internal/catalog"
	"github.com/splax/statusboard/internal/repository"
	"github.com/splax/statusboard/internal/service/persist"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors onto HTTP status codes. Anything
// unrecognised is a failure of the storage behind the service.
func statusFor(err error) int {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrInvalidDocument), errors.Is(err, repository.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, persist.ErrNotConnected):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}
