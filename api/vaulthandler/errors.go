package vaulthandler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ruteri/threshold-vault-backend/interfaces"
)

const authFailedMessage = "authentication failed"

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps a service error to its HTTP status and the message shown to
// the caller.
func statusFor(err error) (int, string) {
	switch {
	case interfaces.IsCredentialFailure(err):
		return http.StatusUnauthorized, authFailedMessage
	case errors.Is(err, interfaces.ErrSessionNotFound):
		return http.StatusUnauthorized, interfaces.ErrSessionNotFound.Error()
	case errors.Is(err, interfaces.ErrNotAuthorizedForRequest):
		return http.StatusForbidden, interfaces.ErrNotAuthorizedForRequest.Error()
	case errors.Is(err, interfaces.ErrNotFound), errors.Is(err, interfaces.ErrContentNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, interfaces.ErrMethodNotConfigured):
		return http.StatusNotFound, interfaces.ErrMethodNotConfigured.Error()
	case errors.Is(err, interfaces.ErrConflict),
		errors.Is(err, interfaces.ErrDuplicateShardSubmission),
		errors.Is(err, interfaces.ErrRequestNotPending):
		return http.StatusConflict, err.Error()
	case errors.Is(err, interfaces.ErrRequestExpired):
		return http.StatusGone, interfaces.ErrRequestExpired.Error()
	case errors.Is(err, interfaces.ErrInsufficientShards),
		errors.Is(err, interfaces.ErrThresholdUnachievable),
		errors.Is(err, interfaces.ErrInvalidArgument):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, interfaces.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, interfaces.ErrBackendUnavailable.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
