package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/studyreports/apiserver/internal/redcap"
	"github.com/studyreports/apiserver/internal/services"
	"github.com/studyreports/apiserver/internal/store"
	"github.com/studyreports/apiserver/types"
)

// UpdateHandler reports and triggers synchronisation with REDCap.
type UpdateHandler struct {
	syncService        *services.SyncService
	authService        *services.AuthService
	participantService *services.ParticipantService
	log                logrus.FieldLogger
}

func NewUpdateHandler(
	syncService *services.SyncService,
	authService *services.AuthService,
	participantService *services.ParticipantService,
	log logrus.FieldLogger,
) *UpdateHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &UpdateHandler{
		syncService:        syncService,
		authService:        authService,
		participantService: participantService,
		log:                log,
	}
}

// UpdateRouter registers sync routes on the given router.
func UpdateRouter(r chi.Router, handler *UpdateHandler) {
	r.Get("/", handler.LastSync)
	r.Post("/", handler.Sync)
}

// LastSync returns the time of the last completed sync, null before the first.
func (h *UpdateHandler) LastSync(w http.ResponseWriter, r *http.Request) {
	at, err := h.participantService.LastSync(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusOK, UpdateResponse{})
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load last sync")
		return
	}
	writeJSON(w, http.StatusOK, UpdateResponse{LastSync: &at})
}

// Sync runs a sync on behalf of a user holding a valid login token. Only
// admins may ask for a hard sync.
func (h *UpdateHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	email, ok := verifyCredentials(w, r, h.authService, h.log, req.Email, req.Token)
	if !ok {
		return
	}

	if req.Hard {
		group, err := h.authService.AccessGroup(r.Context(), email)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load user")
			return
		}
		if group != types.AccessGroupAdmin {
			writeError(w, http.StatusForbidden, "admin access required for a hard sync")
			return
		}
	}

	h.log.WithFields(logrus.Fields{"email": email, "hard": req.Hard}).Info("sync requested")
	report, err := h.syncService.Sync(r.Context(), req.Hard)
	if err != nil {
		status, message := syncErrorStatus(err)
		if status != http.StatusGatewayTimeout {
			h.log.WithError(err).Error("requested sync failed")
		}
		writeError(w, status, message)
		return
	}

	writeJSON(w, http.StatusOK, UpdateResponse{LastSync: &report.LastFill})
}

func syncErrorStatus(err error) (int, string) {
	var sourceErr *redcap.SourceError
	var decodeErr *redcap.DecodeError
	// REDCap request timeouts arrive wrapped in a SourceError and are failures.
	switch {
	case errors.As(err, &sourceErr):
		return http.StatusBadGateway, "redcap unavailable"
	case errors.As(err, &decodeErr):
		return http.StatusBadGateway, "redcap returned invalid data"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "sync still running"
	default:
		return http.StatusInternalServerError, "sync failed"
	}
}

type UpdateRequest struct {
	Email string `json:"email"`
	Token string `json:"token"`
	Hard  bool   `json:"hard"`
}

type UpdateResponse struct {
	LastSync *time.Time `json:"lastSync"`
}
