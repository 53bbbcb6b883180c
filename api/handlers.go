package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/hostlink/crypto"
	"github.com/jmcleod/hostlink/internal/util"
	"github.com/jmcleod/hostlink/session"
)

const maxBodyBytes = 4 << 10

// Health reports 200 once the session store has loaded, 503 otherwise.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	if a.store == nil || !a.store.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// IssueSession creates a session with a fresh random key and returns the
// key once.
func (a *API) IssueSession(w http.ResponseWriter, r *http.Request) {
	var req IssueSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	username := strings.TrimSpace(req.Username)

	key, err := crypto.NewSessionKey()
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	defer util.WipeBytes(key)

	id, err := a.store.CreateSession(r.Context(), username, key)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, IssueSessionResponse{
		SessionID: id,
		Username:  username,
		Key:       util.HexEncode(key),
	})
}

// GetSession describes a live session. The key is never returned.
func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	util.WipeBytes(rec.Key)
	writeJSON(w, http.StatusOK, SessionResponse{
		SessionID:        rec.ID,
		Username:         rec.Username,
		CreatedAt:        rec.CreatedAt,
		LastUsed:         rec.LastUsed,
		PendingChallenge: rec.HasPendingChallenge(),
	})
}

// DeleteSession revokes one session. Deleting an absent session succeeds.
func (a *API) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CountSessions reports the live sessions for a user.
func (a *API) CountSessions(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	writeJSON(w, http.StatusOK, SessionCountResponse{
		Username: username,
		Count:    a.store.GetSessionCount(username),
	})
}

// InvalidateSessions revokes every session of a user.
func (a *API) InvalidateSessions(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if username == "" {
		a.mapError(w, r, session.ErrInvalidUsername)
		return
	}
	n, err := a.store.InvalidateUserSessions(r.Context(), username)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, InvalidateResponse{Username: username, Removed: n})
}
