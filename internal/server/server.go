package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/studyreports/apiserver/config"
	"github.com/studyreports/apiserver/internal/db"
	"github.com/studyreports/apiserver/internal/handlers"
	"github.com/studyreports/apiserver/internal/mq"
	"github.com/studyreports/apiserver/internal/notify"
	"github.com/studyreports/apiserver/internal/services"
	"github.com/studyreports/apiserver/internal/store"
)

const shutdownTimeout = 15 * time.Second

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	queue      *mq.MQ
	queueCfg   config.QueueConfig
	mailer     notify.Sender
	sync       *services.SyncService
	interval   time.Duration
	log        logrus.FieldLogger
}

// New constructs a Server with basic middleware and defaults.
func New(ctx context.Context, cfg config.Config, log *logrus.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	syncService, err := NewSyncService(ctx, cfg, dbConn, log)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}

	queue, err := mq.Open(ctx, cfg.Queue)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}

	// A broker hands mail to the mailer command; otherwise this process
	// delivers it.
	var mailer notify.Sender
	if queue == nil || cfg.Queue.Backend == mq.BackendMemory {
		mailer, err = NewMailSender(cfg, log)
		if err != nil {
			_ = dbConn.Close()
			if queue != nil {
				_ = queue.Close()
			}
			return nil, err
		}
	}

	var notifier handlers.TokenNotifier
	if queue != nil {
		notifier = notify.NewQueue(queue, cfg.Queue.TokenChannel)
	} else {
		notifier = notify.NewDirect(mailer)
	}

	userRepo := store.NewUserRepository(dbConn)
	participantRepo := store.NewParticipantRepository(dbConn)
	metaRepo := store.NewMetaRepository(dbConn)

	authService := services.NewAuthService(userRepo, cfg.TokenCost)
	userService := services.NewUserService(userRepo)
	participantService := services.NewParticipantService(participantRepo, metaRepo)

	authHandler := handlers.NewAuthHandler(authService, notifier, cfg.JWTSecret, cfg.SessionTTL, log)
	authMiddleware := handlers.RequireAuth(authService, cfg.JWTSecret, log)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz(dbConn))
	router.Route("/update", func(r chi.Router) {
		handlers.UpdateRouter(r, handlers.NewUpdateHandler(syncService, authService, participantService, log))
	})
	router.Route("/auth", func(r chi.Router) {
		handlers.AuthRouter(r, authHandler)
	})
	router.Route("/users", func(r chi.Router) {
		handlers.UsersRouter(r, userService, authService, authMiddleware)
	})
	router.Route("/participants", func(r chi.Router) {
		handlers.ParticipantRouter(r, handlers.NewParticipantHandler(participantService, authService), authMiddleware)
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		router:     router,
		db:         dbConn,
		queue:      queue,
		queueCfg:   cfg.Queue,
		mailer:     mailer,
		sync:       syncService,
		interval:   cfg.SyncInterval,
		log:        log,
	}, nil
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start fills an empty database, starts background work and serves HTTP
// until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if _, err := s.sync.Bootstrap(ctx); err != nil {
		s.log.WithError(err).Error("initial sync failed, serving existing data")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.interval > 0 {
		go s.refreshLoop(ctx)
	}
	if s.queue != nil && s.queueCfg.Backend == mq.BackendMemory {
		go s.deliverMail(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.httpServer.Addr).Info("server listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// refreshLoop runs a soft sync every interval.
func (s *Server) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.sync.Sync(ctx, false); err != nil {
				s.log.WithError(err).WithField("retryable", retryable(err)).Warn("scheduled sync failed")
			}
		}
	}
}

// deliverMail consumes the in-process token queue.
func (s *Server) deliverMail(ctx context.Context) {
	handler := notify.Handler(s.mailer, func(msg mq.Message, err error) {
		s.log.WithError(err).WithFields(logrus.Fields{
			"message_id": msg.ID,
			"attempt":    msg.Attempt,
		}).Warn("dropping token mail")
	})
	if err := s.queue.Subscribe(ctx, s.queueCfg.TokenChannel, handler); err != nil && !errors.Is(err, context.Canceled) {
		s.log.WithError(err).Error("token mail delivery stopped")
	}
}

// Shutdown attempts a graceful shutdown.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	if s.queue != nil {
		_ = s.queue.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	return err
}
