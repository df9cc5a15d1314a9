package web

import (
	"errors"
	"net/http"

	"github.com/anthill/anthill/internal/manager"
	"github.com/anthill/anthill/internal/provider"
	"github.com/anthill/anthill/internal/store"
	"github.com/anthill/anthill/internal/subscription"
	"github.com/anthill/anthill/internal/tmux"
)

// Error codes carried in the "error" field of every failure response.
const (
	codeInvalidBody    = "INVALID_BODY"
	codeUnauthorized   = "UNAUTHORIZED"
	codeNotFound       = "NOT_FOUND"
	codeConflict       = "CONFLICT"
	codeMuxUnavailable = "MUX_UNAVAILABLE"
	codeNoInternals    = "NO_INTERNALS"
	codeDeliveryFailed = "DELIVERY_FAILED"
	codeInternal       = "INTERNAL"
)

// apiError is the wire shape of every error response.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// classify maps a sentinel from the lower layers to a status and code.
// Anything unrecognized is a 500: the mux stderr was already logged where
// the command failed.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrProjectNotFound),
		errors.Is(err, store.ErrAgentNotFound),
		errors.Is(err, tmux.ErrSessionNotFound),
		errors.Is(err, tmux.ErrWindowNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, store.ErrProjectExists),
		errors.Is(err, store.ErrAgentExists),
		errors.Is(err, store.ErrProjectNotEmpty):
		return http.StatusConflict, codeConflict
	case errors.Is(err, manager.ErrInvalidName),
		errors.Is(err, manager.ErrProviderDisabled),
		errors.Is(err, provider.ErrUnknownProvider),
		errors.Is(err, subscription.ErrNotFound):
		return http.StatusBadRequest, codeInvalidBody
	case errors.Is(err, tmux.ErrNotInstalled):
		return http.StatusServiceUnavailable, codeMuxUnavailable
	default:
		return http.StatusInternalServerError, codeInternal
	}
}
