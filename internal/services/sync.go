package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/studyreports/apiserver/config"
	"github.com/studyreports/apiserver/internal/store"
	"github.com/studyreports/apiserver/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// SourceAdapter fetches normalized records from the system of record.
type SourceAdapter interface {
	FetchUsers(ctx context.Context) ([]types.User, error)
	FetchParticipants(ctx context.Context) ([]types.Participant, error)
	Years() []int
}

// SyncStore opens sync transactions.
type SyncStore interface {
	IsEmpty(ctx context.Context) (bool, error)
	Begin(ctx context.Context) (SyncTx, error)
}

// SyncTx is the set of writes a sync performs inside one transaction.
type SyncTx interface {
	IsEmpty(ctx context.Context) (bool, error)
	CreateSchema(ctx context.Context) error
	Reset(ctx context.Context) error
	PreviousFill(ctx context.Context) (time.Time, error)
	Wipe(ctx context.Context) ([]types.User, error)
	InsertAccessGroups(ctx context.Context, names []string) error
	InsertUsers(ctx context.Context, users []types.User) error
	InsertParticipants(ctx context.Context, participants []types.Participant) error
	SetLastFill(ctx context.Context, at time.Time) error
	Commit() error
	Rollback() error
}

// ReportArchiver stores a copy of every successful sync report.
type ReportArchiver interface {
	Archive(ctx context.Context, report types.SyncReport) error
}

// NewSQLSyncStore adapts the postgres sync repository.
func NewSQLSyncStore(repo *store.SyncRepository) SyncStore {
	return sqlSyncStore{repo: repo}
}

type sqlSyncStore struct {
	repo *store.SyncRepository
}

func (s sqlSyncStore) IsEmpty(ctx context.Context) (bool, error) {
	return s.repo.IsEmpty(ctx)
}

func (s sqlSyncStore) Begin(ctx context.Context) (SyncTx, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// SyncService rebuilds the local copy of REDCap data. Only one sync runs at
// a time; concurrent callers asking for the same kind of sync share the
// result of the run in flight.
type SyncService struct {
	source   SourceAdapter
	store    SyncStore
	roster   config.Roster
	archiver ReportArchiver
	log      logrus.FieldLogger
	now      func() time.Time

	mu     sync.Mutex
	flight singleflight.Group
}

func NewSyncService(source SourceAdapter, syncStore SyncStore, roster config.Roster, log logrus.FieldLogger) *SyncService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &SyncService{
		source: source,
		store:  syncStore,
		roster: roster,
		log:    log,
		now:    time.Now,
	}
}

// SetArchiver enables archiving of sync reports.
func (s *SyncService) SetArchiver(archiver ReportArchiver) {
	s.archiver = archiver
}

// Bootstrap fills an empty database. It reports whether a sync ran.
func (s *SyncService) Bootstrap(ctx context.Context) (bool, error) {
	empty, err := s.store.IsEmpty(ctx)
	if err != nil {
		return false, fmt.Errorf("bootstrap: %w", err)
	}
	if !empty {
		return false, nil
	}
	s.log.Info("database is empty, running initial sync")
	if _, err := s.Sync(ctx, false); err != nil {
		return false, err
	}
	return true, nil
}

// Sync re-imports everything from REDCap. A soft sync keeps issued tokens, a
// hard sync recreates the schema and clears them. The run is not cancelled
// when ctx is; the caller only stops waiting for it.
func (s *SyncService) Sync(ctx context.Context, hard bool) (types.SyncReport, error) {
	key := "soft"
	if hard {
		key = "hard"
	}
	runCtx := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(key, func() (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.run(runCtx, hard)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return types.SyncReport{}, res.Err
		}
		return res.Val.(types.SyncReport), nil
	case <-ctx.Done():
		return types.SyncReport{}, ctx.Err()
	}
}

func (s *SyncService) run(ctx context.Context, hard bool) (types.SyncReport, error) {
	report := types.SyncReport{
		Hard:      hard,
		StartedAt: s.now(),
		Years:     s.source.Years(),
	}
	log := s.log.WithField("hard", hard)
	log.Info("sync started")

	var users []types.User
	var participants []types.Participant
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		users, err = s.source.FetchUsers(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		participants, err = s.source.FetchParticipants(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("sync failed while fetching from redcap")
		return types.SyncReport{}, fmt.Errorf("sync failed: %w", err)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		log.WithError(err).Error("sync failed to start transaction")
		return types.SyncReport{}, fmt.Errorf("sync failed: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := s.fill(ctx, tx, hard, users, participants, &report); err != nil {
		log.WithError(err).Error("sync failed while writing")
		return types.SyncReport{}, fmt.Errorf("sync failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		log.WithError(err).Error("sync failed to commit")
		return types.SyncReport{}, fmt.Errorf("sync failed: %w", err)
	}
	report.FinishedAt = s.now()

	log.WithFields(logrus.Fields{
		"users":           report.Users,
		"local_users":     report.LocalUsers,
		"restored_tokens": report.RestoredTokens,
		"dropped_tokens":  report.DroppedTokens,
		"participants":    report.Participants,
		"duration":        report.FinishedAt.Sub(report.StartedAt).String(),
	}).Info("sync finished")

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, report); err != nil {
			log.WithError(err).Warn("failed to archive sync report")
		}
	}
	return report, nil
}

func (s *SyncService) fill(
	ctx context.Context,
	tx SyncTx,
	hard bool,
	external []types.User,
	participants []types.Participant,
	report *types.SyncReport,
) error {
	empty, err := tx.IsEmpty(ctx)
	if err != nil {
		return err
	}

	var previous time.Time
	if !empty {
		previous, err = tx.PreviousFill(ctx)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	var backup []types.User
	switch {
	case hard:
		err = tx.Reset(ctx)
	case empty:
		err = tx.CreateSchema(ctx)
	default:
		backup, err = tx.Wipe(ctx)
	}
	if err != nil {
		return err
	}

	local := s.roster.LocalUsers()
	merged, restored, dropped := mergeUsers(external, local, backup, s.roster.HasGroup)
	for _, b := range backup {
		if !s.roster.HasGroup(b.AccessGroup) && !containsEmail(merged, b.Email) {
			s.log.WithField("email", b.Email).Warn("dropping token of user whose access group no longer exists")
		}
	}

	if err := tx.InsertAccessGroups(ctx, s.roster.AccessGroups); err != nil {
		return err
	}
	if err := tx.InsertUsers(ctx, merged); err != nil {
		return err
	}
	if err := tx.InsertParticipants(ctx, participants); err != nil {
		return err
	}

	fill := nextFill(previous, s.now())
	if err := tx.SetLastFill(ctx, fill); err != nil {
		return err
	}

	report.LastFill = fill
	report.AccessGroups = len(s.roster.AccessGroups)
	report.Users = len(merged)
	report.LocalUsers = len(local)
	report.RestoredTokens = restored
	report.DroppedTokens = dropped
	report.Participants = len(participants)
	return nil
}

// mergeUsers combines REDCap users, local overrides and the token backup.
// Overrides replace REDCap users with the same email. A backed up token is
// carried onto the merged user with the same email; backed up users that no
// longer appear anywhere are kept so their session survives, unless their
// access group is gone.
func mergeUsers(external, overrides, backup []types.User, hasGroup func(string) bool) ([]types.User, int, int) {
	overridden := make(map[string]bool, len(overrides))
	for _, u := range overrides {
		overridden[u.Email] = true
	}

	merged := make([]types.User, 0, len(external)+len(overrides)+len(backup))
	for _, u := range external {
		if overridden[u.Email] {
			continue
		}
		merged = append(merged, types.User{Email: u.Email, AccessGroup: u.AccessGroup})
	}
	for _, u := range overrides {
		merged = append(merged, types.User{Email: u.Email, AccessGroup: u.AccessGroup})
	}

	index := make(map[string]int, len(merged))
	for i, u := range merged {
		index[u.Email] = i
	}

	restored, dropped := 0, 0
	for _, b := range backup {
		if b.TokenHash == nil {
			continue
		}
		if i, ok := index[b.Email]; ok {
			hash := *b.TokenHash
			merged[i].TokenHash = &hash
			restored++
			continue
		}
		if !hasGroup(b.AccessGroup) {
			dropped++
			continue
		}
		hash := *b.TokenHash
		merged = append(merged, types.User{Email: b.Email, AccessGroup: b.AccessGroup, TokenHash: &hash})
		index[b.Email] = len(merged) - 1
		restored++
	}
	return merged, restored, dropped
}

func containsEmail(users []types.User, email string) bool {
	for _, u := range users {
		if u.Email == email {
			return true
		}
	}
	return false
}

// nextFill returns now, or a moment after previous when the clock has not
// moved past it, so the last fill time always increases. Times are kept at
// the microsecond precision postgres stores.
func nextFill(previous, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !previous.IsZero() && !now.After(previous) {
		return previous.UTC().Add(time.Microsecond)
	}
	return now
}
