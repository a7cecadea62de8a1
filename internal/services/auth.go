package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/studyreports/apiserver/internal/store"
	"github.com/studyreports/apiserver/types"
	"golang.org/x/crypto/bcrypt"
)

// MinTokenCost is the lowest bcrypt cost accepted for login tokens.
const MinTokenCost = 10

const tokenBytes = 32

// ErrNoCredential is returned for a user who holds no login token.
var ErrNoCredential = errors.New("no login token issued")

// Verdict is the outcome of checking a login token.
type Verdict int

const (
	// VerdictNotAttempted means the email or the token was blank.
	VerdictNotAttempted Verdict = iota
	// VerdictRejected means the user is unknown, has no token or the token is wrong.
	VerdictRejected
	// VerdictAccepted means the token matches the stored hash.
	VerdictAccepted
)

func (v Verdict) String() string {
	switch v {
	case VerdictNotAttempted:
		return "not_attempted"
	case VerdictRejected:
		return "rejected"
	case VerdictAccepted:
		return "accepted"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// AuthService issues and checks the login tokens mailed to users.
type AuthService struct {
	users UserRepository
	cost  int
}

func NewAuthService(users UserRepository, cost int) *AuthService {
	if cost < MinTokenCost {
		cost = MinTokenCost
	}
	return &AuthService{users: users, cost: cost}
}

// IssueToken generates a new token for email, stores its hash and returns the
// raw token. Any previous token of the user stops working.
func (s *AuthService) IssueToken(ctx context.Context, email string) (string, error) {
	email = types.NormalizeEmail(email)
	if email == "" {
		return "", store.ErrNotFound
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(token), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	if err := s.users.SetTokenHash(ctx, email, string(hash)); err != nil {
		return "", err
	}
	return token, nil
}

// Verify checks token against the hash stored for email.
func (s *AuthService) Verify(ctx context.Context, email, token string) (Verdict, error) {
	email = types.NormalizeEmail(email)
	if email == "" || strings.TrimSpace(token) == "" {
		return VerdictNotAttempted, nil
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return VerdictRejected, nil
		}
		return VerdictRejected, err
	}
	if user.TokenHash == nil {
		return VerdictRejected, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*user.TokenHash), []byte(token)); err != nil {
		return VerdictRejected, nil
	}
	return VerdictAccepted, nil
}

// AccessGroup returns the stored access group of email.
func (s *AuthService) AccessGroup(ctx context.Context, email string) (string, error) {
	user, err := s.users.GetByEmail(ctx, types.NormalizeEmail(email))
	if err != nil {
		return "", err
	}
	return user.AccessGroup, nil
}

// Credential returns a fingerprint of the login token currently stored for
// email. It changes whenever a new token is issued and fails with
// ErrNoCredential once the token is cleared.
func (s *AuthService) Credential(ctx context.Context, email string) (string, error) {
	user, err := s.users.GetByEmail(ctx, types.NormalizeEmail(email))
	if err != nil {
		return "", err
	}
	if user.TokenHash == nil {
		return "", ErrNoCredential
	}
	sum := sha256.Sum256([]byte(*user.TokenHash))
	return base64.RawURLEncoding.EncodeToString(sum[:16]), nil
}

func (s *AuthService) UserExists(ctx context.Context, email string) (bool, error) {
	email = types.NormalizeEmail(email)
	if email == "" {
		return false, nil
	}
	return s.users.Exists(ctx, email)
}
