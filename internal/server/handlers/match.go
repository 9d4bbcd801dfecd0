// internal/server/handlers/match.go

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domainevent "github.com/radiusmatch/rendezvous/internal/domain/event"
	"github.com/radiusmatch/rendezvous/internal/domain/match"
	"github.com/radiusmatch/rendezvous/internal/observer"
)

// MatchStore is the subset of storage.MatchStore this handler needs.
type MatchStore interface {
	Get(ctx context.Context, id string) (match.Match, error)
	UpdateStatus(ctx context.Context, id string, prevStatus, newStatus match.Status) (bool, error)
}

// MatchHandler handles match read and accept/decline HTTP requests. Auth
// is out of scope (see Non-goals); the acting user is taken at face value
// from the request body rather than derived from a session.
type MatchHandler struct {
	store  MatchStore
	events observer.EventEmitter
	logger *zap.Logger
}

// NewMatchHandler creates a new match handler. events may be nil, in which
// case accept/decline decisions are persisted but no event is emitted.
func NewMatchHandler(store MatchStore, events observer.EventEmitter, logger *zap.Logger) *MatchHandler {
	return &MatchHandler{store: store, events: events, logger: logger}
}

// matchTransitionArgs is the observer.Hook argument type for an
// accept/decline decision.
type matchTransitionArgs struct {
	matchID   string
	userID    string
	newStatus match.Status
}

func transitionEventType(newStatus match.Status) domainevent.Type {
	if newStatus == match.StatusActive {
		return domainevent.TypeMatchAccepted
	}
	return domainevent.TypeMatchRejected
}

// GetMatch handles GET /api/v1/matches/{id}.
func (h *MatchHandler) GetMatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := h.store.Get(r.Context(), id)
	if err != nil {
		respondWithError(w, http.StatusNotFound, "match not found", err)
		return
	}
	respondWithJSON(w, http.StatusOK, m)
}

type matchDecisionRequest struct {
	UserID string `json:"user_id"`
}

// AcceptMatch handles POST /api/v1/matches/{id}/accept.
func (h *MatchHandler) AcceptMatch(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, match.StatusActive)
}

// DeclineMatch handles POST /api/v1/matches/{id}/decline.
func (h *MatchHandler) DeclineMatch(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, match.StatusDeclined)
}

func (h *MatchHandler) transition(w http.ResponseWriter, r *http.Request, newStatus match.Status) {
	id := chi.URLParam(r, "id")

	var req matchDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.UserID == "" {
		respondWithError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	m, err := h.store.Get(r.Context(), id)
	if err != nil {
		respondWithError(w, http.StatusNotFound, "match not found", err)
		return
	}
	if !m.IsParticipant(req.UserID) {
		respondWithError(w, http.StatusForbidden, "user is not a participant in this match", nil)
		return
	}
	if m.Status != match.StatusPendingAccept {
		respondWithError(w, http.StatusConflict, "match is not pending accept", nil)
		return
	}

	ok, err := h.applyTransition(r.Context(), id, req.UserID, newStatus)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to update match", err)
		return
	}
	if !ok {
		respondWithError(w, http.StatusConflict, "match status changed concurrently", errors.New("optimistic update lost"))
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{"status": string(newStatus)})
}

// applyTransition persists the accept/decline decision and, once confirmed,
// emits the corresponding domain event via observer.Wrap. With a nil events
// emitter the update runs unwrapped and no event is emitted.
func (h *MatchHandler) applyTransition(ctx context.Context, matchID, userID string, newStatus match.Status) (bool, error) {
	update := func(a matchTransitionArgs) (bool, error) {
		return h.store.UpdateStatus(ctx, a.matchID, match.StatusPendingAccept, a.newStatus)
	}
	if h.events == nil {
		return update(matchTransitionArgs{matchID: matchID, userID: userID, newStatus: newStatus})
	}

	wrapped := observer.Wrap(h.events, h.logger, observer.Hook[matchTransitionArgs, bool]{
		Type: transitionEventType(newStatus),
		UserID: func(a matchTransitionArgs, updated bool) (string, error) {
			if !updated {
				return "", errors.New("match status changed concurrently, dropping event")
			}
			return a.userID, nil
		},
		Metadata: func(a matchTransitionArgs, _ bool) (map[string]interface{}, error) {
			return map[string]interface{}{"match_id": a.matchID}, nil
		},
		EmitOnError: false,
	}, update)
	return wrapped(matchTransitionArgs{matchID: matchID, userID: userID, newStatus: newStatus})
}
