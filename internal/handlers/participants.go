package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/studyreports/apiserver/internal/services"
	"github.com/studyreports/apiserver/internal/store"
	"github.com/studyreports/apiserver/types"
)

// ParticipantHandler serves participant reports.
type ParticipantHandler struct {
	participantService *services.ParticipantService
	authService        *services.AuthService
}

func NewParticipantHandler(participantService *services.ParticipantService, authService *services.AuthService) *ParticipantHandler {
	return &ParticipantHandler{
		participantService: participantService,
		authService:        authService,
	}
}

// ParticipantRouter registers participant routes on the given router.
func ParticipantRouter(r chi.Router, handler *ParticipantHandler, authMiddleware func(http.Handler) http.Handler) {
	r.With(authMiddleware).Get("/", handler.ListParticipants)
}

// ListParticipants returns the participants the caller may see. The caller's
// stored access group decides; admin and unrestricted callers may narrow the
// list with ?accessGroup=.
func (h *ParticipantHandler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	email, err := emailFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	group, err := h.authService.AccessGroup(r.Context(), email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	requested := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("accessGroup")))
	switch {
	case requested == "":
	case types.SeesAllParticipants(group):
		group = requested
	case requested != group:
		writeError(w, http.StatusForbidden, "access group not permitted")
		return
	}

	participants, err := h.participantService.Participants(r.Context(), group)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list participants")
		return
	}
	writeJSON(w, http.StatusOK, participants)
}
