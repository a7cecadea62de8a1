package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/studyreports/apiserver/internal/services"
)

// UsersRouter registers the admin-only user listing.
func UsersRouter(
	r chi.Router,
	userService *services.UserService,
	authService *services.AuthService,
	authMiddleware func(http.Handler) http.Handler,
) {
	r.With(authMiddleware, RequireAdmin(authService)).Get("/", ListUsers(userService))
}

// ListUsers returns every user with their access group.
func ListUsers(userService *services.UserService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := userService.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list users")
			return
		}
		writeJSON(w, http.StatusOK, users)
	}
}
