package services

import (
	"context"

	"github.com/studyreports/apiserver/types"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByEmail(ctx context.Context, email string) (types.User, error)
	Exists(ctx context.Context, email string) (bool, error)
	List(ctx context.Context) ([]types.User, error)
	SetTokenHash(ctx context.Context, email, tokenHash string) error
}

// UserService encapsulates user use-cases.
type UserService struct {
	repo UserRepository
}

func NewUserService(repo UserRepository) *UserService {
	return &UserService{repo: repo}
}

func (s *UserService) GetByEmail(ctx context.Context, email string) (types.User, error) {
	return s.repo.GetByEmail(ctx, types.NormalizeEmail(email))
}

// List returns every user. Token hashes are cleared.
func (s *UserService) List(ctx context.Context) ([]types.User, error) {
	users, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i].TokenHash = nil
	}
	return users, nil
}
