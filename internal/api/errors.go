package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/javanstorm/devtray/internal/vm"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusFor maps an orchestrator error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, vm.ErrInvalidTransition), errors.Is(err, vm.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, vm.ErrMachineNotFound),
		errors.Is(err, vm.ErrUnknownCommand),
		errors.Is(err, vm.ErrNoActiveServer):
		return http.StatusNotFound
	case errors.Is(err, vm.ErrLaunchFailed),
		errors.Is(err, vm.ErrCommandFailed),
		errors.Is(err, vm.ErrCommandTimeout):
		return http.StatusBadGateway
	case errors.Is(err, vm.ErrMissingField):
		return http.StatusBadRequest
	case errors.Is(err, vm.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error is returned by the client for non-2xx responses.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// IsConflict reports whether err is a 409 from the API, which the server
// uses for commands that are invalid in the current state.
func IsConflict(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
