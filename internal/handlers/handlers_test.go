package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/studyreports/apiserver/config"
	"github.com/studyreports/apiserver/internal/services"
	"github.com/studyreports/apiserver/internal/store"
	"github.com/studyreports/apiserver/types"
)

const testSecret = "test-secret"

type memUsers struct {
	mu    sync.Mutex
	users map[string]types.User
}

func (m *memUsers) GetByEmail(ctx context.Context, email string) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *memUsers) Exists(ctx context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.users[email]
	return ok, nil
}

func (m *memUsers) List(ctx context.Context) ([]types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}

func (m *memUsers) SetTokenHash(ctx context.Context, email, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return store.ErrNotFound
	}
	u.TokenHash = &tokenHash
	m.users[email] = u
	return nil
}

// clearTokens drops every stored token hash, as a hard sync does.
func (m *memUsers) clearTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for email, u := range m.users {
		u.TokenHash = nil
		m.users[email] = u
	}
}

type memParticipants struct {
	rows []types.Participant
}

func (m memParticipants) ListAll(ctx context.Context) ([]types.Participant, error) {
	return m.rows, nil
}

func (m memParticipants) ListByAccessGroup(ctx context.Context, group string) ([]types.Participant, error) {
	out := []types.Participant{}
	for _, p := range m.rows {
		if p.AccessGroup != nil && *p.AccessGroup == group {
			out = append(out, p)
		}
	}
	return out, nil
}

type memMeta struct {
	mu sync.Mutex
	at time.Time
}

func (m *memMeta) LastFill(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.at.IsZero() {
		return time.Time{}, store.ErrNotFound
	}
	return m.at, nil
}

type emptySource struct{}

func (emptySource) FetchUsers(ctx context.Context) ([]types.User, error) { return nil, nil }
func (emptySource) FetchParticipants(ctx context.Context) ([]types.Participant, error) {
	return nil, nil
}
func (emptySource) Years() []int { return []int{2024} }

// metaSyncStore records the fill time into memMeta and keeps users untouched.
type metaSyncStore struct {
	meta  *memMeta
	hards int
}

func (s *metaSyncStore) IsEmpty(ctx context.Context) (bool, error) { return false, nil }
func (s *metaSyncStore) Begin(ctx context.Context) (services.SyncTx, error) {
	return &metaSyncTx{store: s}, nil
}

type metaSyncTx struct {
	store *metaSyncStore
	fill  time.Time
}

func (t *metaSyncTx) IsEmpty(ctx context.Context) (bool, error) { return false, nil }
func (t *metaSyncTx) CreateSchema(ctx context.Context) error   { return nil }
func (t *metaSyncTx) Reset(ctx context.Context) error {
	t.store.hards++
	return nil
}
func (t *metaSyncTx) PreviousFill(ctx context.Context) (time.Time, error) {
	return t.store.meta.LastFill(ctx)
}
func (t *metaSyncTx) Wipe(ctx context.Context) ([]types.User, error)                { return nil, nil }
func (t *metaSyncTx) InsertAccessGroups(ctx context.Context, names []string) error { return nil }
func (t *metaSyncTx) InsertUsers(ctx context.Context, users []types.User) error    { return nil }
func (t *metaSyncTx) InsertParticipants(ctx context.Context, p []types.Participant) error {
	return nil
}
func (t *metaSyncTx) SetLastFill(ctx context.Context, at time.Time) error {
	t.fill = at
	return nil
}
func (t *metaSyncTx) Commit() error {
	t.store.meta.mu.Lock()
	t.store.meta.at = t.fill
	t.store.meta.mu.Unlock()
	return nil
}
func (t *metaSyncTx) Rollback() error { return nil }

type recordingNotifier struct {
	email string
	token string
}

func (n *recordingNotifier) SendToken(ctx context.Context, email, token string) error {
	n.email, n.token = email, token
	return nil
}

type testEnv struct {
	router    *chi.Mux
	users     *memUsers
	meta      *memMeta
	syncStore *metaSyncStore
	notifier  *recordingNotifier
	auth      *services.AuthService
}

func siteA() *string {
	s := "site-a"
	return &s
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger, _ := test.NewNullLogger()

	users := &memUsers{users: map[string]types.User{
		"boss@study.org": {Email: "boss@study.org", AccessGroup: types.AccessGroupAdmin},
		"ana@site.org":   {Email: "ana@site.org", AccessGroup: "site-a"},
		"ben@site.org":   {Email: "ben@site.org", AccessGroup: "site-b"},
		"una@study.org":  {Email: "una@study.org", AccessGroup: types.AccessGroupUnrestricted},
	}}
	participants := memParticipants{rows: []types.Participant{
		{RecordID: "1", PID: "P-1", AccessGroup: siteA()},
		{RecordID: "2", PID: "P-2"},
	}}
	meta := &memMeta{}
	syncStore := &metaSyncStore{meta: meta}
	notifier := &recordingNotifier{}

	authService := services.NewAuthService(users, services.MinTokenCost)
	userService := services.NewUserService(users)
	participantService := services.NewParticipantService(participants, meta)
	syncService := services.NewSyncService(emptySource{}, syncStore, config.Roster{}, logger)

	authHandler := NewAuthHandler(authService, notifier, testSecret, time.Hour, logger)
	authMiddleware := RequireAuth(authService, testSecret, logger)

	router := chi.NewRouter()
	router.Get("/healthz", Healthz(nil))
	router.Route("/auth", func(r chi.Router) { AuthRouter(r, authHandler) })
	router.Route("/update", func(r chi.Router) {
		UpdateRouter(r, NewUpdateHandler(syncService, authService, participantService, logger))
	})
	router.Route("/users", func(r chi.Router) {
		UsersRouter(r, userService, authService, authMiddleware)
	})
	router.Route("/participants", func(r chi.Router) {
		ParticipantRouter(r, NewParticipantHandler(participantService, authService), authMiddleware)
	})

	return &testEnv{
		router:    router,
		users:     users,
		meta:      meta,
		syncStore: syncStore,
		notifier:  notifier,
		auth:      authService,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// login issues a token through the send endpoint and exchanges it for a session.
func (e *testEnv) login(t *testing.T, email string) (token, session string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/auth/token/send", SendTokenRequest{Email: email}, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("send token for %s: status %d: %s", email, rec.Code, rec.Body.String())
	}
	token = e.notifier.token

	rec = e.do(t, http.MethodPost, "/auth/session", CredentialsRequest{Email: email, Token: token}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("create session for %s: status %d: %s", email, rec.Code, rec.Body.String())
	}
	var resp SessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return token, resp.Token
}
