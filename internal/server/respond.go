package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/eventvault/internal/backend"
	"github.com/roach88/eventvault/internal/syncerr"
	"github.com/roach88/eventvault/internal/wire"
)

// statusOf maps an error kind to an HTTP status.
func statusOf(err error) int {
	switch syncerr.KindOf(err) {
	case syncerr.KindMissingFields, syncerr.KindParse:
		return http.StatusBadRequest
	case syncerr.KindUnauthorized:
		return http.StatusUnauthorized
	case syncerr.KindQuota:
		return http.StatusForbidden
	case syncerr.KindNotFound:
		return http.StatusNotFound
	case syncerr.KindRateLimited:
		return http.StatusTooManyRequests
	case syncerr.KindStorage, syncerr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicError converts backend sentinels into the sync taxonomy.
func publicError(err error) error {
	if errors.Is(err, backend.ErrNotFound) {
		return syncerr.NotFound("vault")
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err as an error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	err = publicError(err)
	writeJSON(w, statusOf(err), wire.NewErrorEnvelope(err, middleware.GetReqID(r.Context())))
}
