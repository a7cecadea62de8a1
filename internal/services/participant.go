package services

import (
	"context"
	"time"

	"github.com/studyreports/apiserver/types"
)

// ParticipantRepository defines read operations for participants.
type ParticipantRepository interface {
	ListAll(ctx context.Context) ([]types.Participant, error)
	ListByAccessGroup(ctx context.Context, accessGroup string) ([]types.Participant, error)
}

// MetaRepository reads sync bookkeeping.
type MetaRepository interface {
	LastFill(ctx context.Context) (time.Time, error)
}

// ParticipantService answers report queries.
type ParticipantService struct {
	repo ParticipantRepository
	meta MetaRepository
}

func NewParticipantService(repo ParticipantRepository, meta MetaRepository) *ParticipantService {
	return &ParticipantService{repo: repo, meta: meta}
}

// Participants returns the participants visible to accessGroup. Admin and
// unrestricted see every participant; any other group sees only its own.
func (s *ParticipantService) Participants(ctx context.Context, accessGroup string) ([]types.Participant, error) {
	if types.SeesAllParticipants(accessGroup) {
		return s.repo.ListAll(ctx)
	}
	return s.repo.ListByAccessGroup(ctx, accessGroup)
}

// LastSync returns when the last sync finished, or store.ErrNotFound.
func (s *ParticipantService) LastSync(ctx context.Context) (time.Time, error) {
	return s.meta.LastFill(ctx)
}
