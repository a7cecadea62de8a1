package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/studyreports/apiserver/config"
	"github.com/studyreports/apiserver/internal/notify"
	"github.com/studyreports/apiserver/internal/redcap"
	"github.com/studyreports/apiserver/internal/services"
	"github.com/studyreports/apiserver/internal/storage"
	"github.com/studyreports/apiserver/internal/store"
)

// NewLogger builds the process logger: JSON in production, text in dev.
func NewLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	if cfg.Env == "dev" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.LogLevel))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

// NewSyncService wires the REDCap client, the sync repository and, when
// configured, the report archive.
func NewSyncService(ctx context.Context, cfg config.Config, dbConn *sql.DB, log logrus.FieldLogger) (*services.SyncService, error) {
	client := redcap.NewClient(cfg.REDCap, cfg.Roster.AccessGroups, &http.Client{})
	syncService := services.NewSyncService(
		client,
		services.NewSQLSyncStore(store.NewSyncRepository(dbConn)),
		cfg.Roster,
		log.WithField("source", client.String()),
	)

	archive, err := NewReportArchive(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}
	if archive != nil {
		syncService.SetArchiver(archive)
	}
	return syncService, nil
}

// NewReportArchive returns nil when archiving is disabled.
func NewReportArchive(ctx context.Context, cfg config.ArchiveConfig) (*storage.ReportArchive, error) {
	backend, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, nil
	}
	return storage.NewReportArchive(backend, cfg.Prefix), nil
}

// NewMailSender returns the SMTP sender. In dev without a relay, tokens are
// logged instead.
func NewMailSender(cfg config.Config, log logrus.FieldLogger) (notify.Sender, error) {
	if strings.TrimSpace(cfg.SMTP.Host) == "" {
		if cfg.Env != "dev" {
			return nil, errors.New("SMTP_HOST is required to deliver token mail")
		}
		return notify.NewLogSender(log, true), nil
	}
	sender, err := notify.NewSMTPSender(cfg.SMTP)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

// retryable reports whether a failed sync is worth retrying later.
func retryable(err error) bool {
	var sourceErr *redcap.SourceError
	return errors.As(err, &sourceErr) && sourceErr.Retryable()
}
