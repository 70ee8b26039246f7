package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/eventvault/internal/syncerr"
	"github.com/roach88/eventvault/internal/tenant"
)

type userKey struct{}

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// authenticate resolves the bearer token to a user id.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.user(bearerToken(r))
		if !ok {
			writeError(w, r, syncerr.Unauthorized("invalid or missing token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func userFrom(ctx context.Context) string {
	u, _ := ctx.Value(userKey{}).(string)
	return u
}

// tenantKey builds the key for a vault route.
func tenantKey(r *http.Request) (tenant.Key, error) {
	k := tenant.Key{
		Namespace: r.URL.Query().Get("namespace"),
		PublicKey: chi.URLParam(r, "publicKey"),
		UserID:    userFrom(r.Context()),
	}
	if k.Namespace == "" {
		return tenant.Key{}, syncerr.MissingFields("namespace")
	}
	return k, nil
}

// withActor runs fn against the actor for the request's vault.
func (s *Server) withActor(w http.ResponseWriter, r *http.Request, mutates bool, fn func(a *tenant.Actor) error) {
	key, err := tenantKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if mutates {
		ok, err := s.gate.AllowMutation(r.Context(), s.tier(key.UserID), "user:"+key.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !ok {
			writeError(w, r, syncerr.RateLimited(key.UserID))
			return
		}
	}
	h, err := s.host.Acquire(key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer h.Release()
	if err := fn(h.Actor()); err != nil {
		writeError(w, r, err)
	}
}

type noteRequest struct {
	Note string `json:"note"`
}

func decodeNote(r *http.Request) (noteRequest, error) {
	var req noteRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, syncerr.Parse("invalid JSON body", err)
	}
	return req, nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeNote(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.withActor(w, r, true, func(a *tenant.Actor) error {
		v, err := a.Create(r.Context(), req.Note)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusCreated, v)
		return nil
	})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeNote(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.withActor(w, r, true, func(a *tenant.Actor) error {
		v, err := a.Update(r.Context(), req.Note)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, v)
		return nil
	})
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	s.withActor(w, r, true, func(a *tenant.Actor) error {
		if err := a.Destroy(r.Context()); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.withActor(w, r, false, func(a *tenant.Actor) error {
		info, err := a.SyncInfo(r.Context())
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, info)
		return nil
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.withActor(w, r, false, func(a *tenant.Actor) error {
		st, err := a.SyncStats(r.Context())
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, st)
		return nil
	})
}
