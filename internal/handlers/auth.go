package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/studyreports/apiserver/internal/services"
	"github.com/studyreports/apiserver/internal/store"
	"github.com/studyreports/apiserver/types"
)

const defaultSessionTTL = 24 * time.Hour

// TokenNotifier delivers a freshly issued login token to its owner.
type TokenNotifier interface {
	SendToken(ctx context.Context, email, token string) error
}

// AuthHandler issues login tokens and the sessions exchanged for them.
type AuthHandler struct {
	authService *services.AuthService
	notifier    TokenNotifier
	secret      []byte
	sessionTTL  time.Duration
	log         logrus.FieldLogger
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(
	authService *services.AuthService,
	notifier TokenNotifier,
	jwtSecret string,
	sessionTTL time.Duration,
	log logrus.FieldLogger,
) *AuthHandler {
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AuthHandler{
		authService: authService,
		notifier:    notifier,
		secret:      []byte(jwtSecret),
		sessionTTL:  sessionTTL,
		log:         log,
	}
}

// AuthRouter registers auth routes on the given router.
func AuthRouter(r chi.Router, handler *AuthHandler) {
	r.Post("/token/send", handler.SendToken)
	r.Post("/session", handler.CreateSession)
	r.With(handler.RequireAuth).Get("/me", handler.Me)
}

// RequireAuth enforces JWT authentication and injects the subject into context.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return requireAuth(h.authService, h.secret, h.log)(next)
}

// RequireAuth constructs auth middleware for other routers. A session is
// only accepted while the login token it was created from is still the
// one stored for its user.
func RequireAuth(authService *services.AuthService, jwtSecret string, log logrus.FieldLogger) func(http.Handler) http.Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return requireAuth(authService, []byte(jwtSecret), log)
}

func requireAuth(authService *services.AuthService, secret []byte, log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			claims, err := parseSession(tokenString, secret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			current, err := authService.Credential(r.Context(), claims.Subject)
			switch {
			case errors.Is(err, store.ErrNotFound), errors.Is(err, services.ErrNoCredential):
				writeError(w, http.StatusUnauthorized, "session revoked")
				return
			case err != nil:
				log.WithError(err).Error("failed to check session")
				writeError(w, http.StatusInternalServerError, "failed to authenticate")
				return
			}
			if subtle.ConstantTimeCompare([]byte(current), []byte(claims.Credential)) != 1 {
				writeError(w, http.StatusUnauthorized, "session revoked")
				return
			}

			ctx := context.WithValue(r.Context(), contextSubjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects callers whose stored access group is not admin. It
// must run after RequireAuth.
func RequireAdmin(authService *services.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			email, err := emailFromContext(r.Context())
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			group, err := authService.AccessGroup(r.Context(), email)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					writeError(w, http.StatusUnauthorized, "unauthorized")
					return
				}
				writeError(w, http.StatusInternalServerError, "failed to load user")
				return
			}

			if group != types.AccessGroupAdmin {
				writeError(w, http.StatusForbidden, "admin access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SendToken issues a new login token and hands it to the notifier.
func (h *AuthHandler) SendToken(w http.ResponseWriter, r *http.Request) {
	var req SendTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	email := types.NormalizeEmail(req.Email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "missing email")
		return
	}

	token, err := h.authService.IssueToken(r.Context(), email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.log.WithError(err).Error("failed to issue token")
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	if err := h.notifier.SendToken(r.Context(), email, token); err != nil {
		h.log.WithError(err).WithField("email", email).Error("failed to send token")
		writeError(w, http.StatusBadGateway, "failed to send token")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// CreateSession exchanges a login token for a session JWT.
func (h *AuthHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	email, ok := verifyCredentials(w, r, h.authService, h.log, req.Email, req.Token)
	if !ok {
		return
	}

	group, err := h.authService.AccessGroup(r.Context(), email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	credential, err := h.authService.Credential(r.Context(), email)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	session, err := issueSession(email, credential, h.secret, h.sessionTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{Token: session, AccessGroup: group})
}

// Me returns the current authenticated user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
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

	writeJSON(w, http.StatusOK, types.User{Email: email, AccessGroup: group})
}

// verifyCredentials checks a login token and writes the failure response
// itself. It returns the normalized email on success.
func verifyCredentials(
	w http.ResponseWriter,
	r *http.Request,
	authService *services.AuthService,
	log logrus.FieldLogger,
	email, token string,
) (string, bool) {
	email = types.NormalizeEmail(email)
	verdict, err := authService.Verify(r.Context(), email, token)
	if err != nil {
		log.WithError(err).Error("failed to verify token")
		writeError(w, http.StatusInternalServerError, "failed to authenticate")
		return "", false
	}
	switch verdict {
	case services.VerdictAccepted:
		return email, true
	case services.VerdictNotAttempted:
		writeError(w, http.StatusUnauthorized, "missing credentials")
	default:
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	}
	return "", false
}

type SendTokenRequest struct {
	Email string `json:"email"`
}

type CredentialsRequest struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

type SessionResponse struct {
	Token       string `json:"token"`
	AccessGroup string `json:"accessGroup"`
}

// sessionClaims ties a session to the login token it was exchanged for.
type sessionClaims struct {
	Credential string `json:"crd"`
	jwt.RegisteredClaims
}

func issueSession(email, credential string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		Credential: credential,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func parseSession(tokenString string, secret []byte) (sessionClaims, error) {
	claims := sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return secret, nil
	})
	if err != nil {
		return sessionClaims{}, err
	}
	if !token.Valid {
		return sessionClaims{}, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return sessionClaims{}, errors.New("missing subject")
	}
	if claims.Credential == "" {
		return sessionClaims{}, errors.New("missing credential")
	}
	return claims, nil
}

func bearerToken(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", errors.New("missing authorization")
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("invalid authorization")
	}
	return token, nil
}
