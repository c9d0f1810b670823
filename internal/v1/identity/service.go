package identity

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/lrcom/lrcom-server/internal/v1/apperr"
	"github.com/lrcom/lrcom-server/internal/v1/store"
)

// maxVaultBytes caps the encrypted settings vault.
const maxVaultBytes = 100 * 1024

// Store is the subset of the storage gateway the identity service uses.
type Store interface {
	CreateUser(ctx context.Context, u *store.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*store.User, error)
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
}

// Service wires account storage, the challenge store, and the session
// registry into the auth operations the HTTP layer exposes.
type Service struct {
	store      Store
	challenges *ChallengeStore
	sessions   *SessionRegistry
}

// NewService constructs the identity service.
func NewService(st Store, challenges *ChallengeStore, sessions *SessionRegistry) *Service {
	return &Service{store: st, challenges: challenges, sessions: sessions}
}

// Sessions exposes the registry for the HTTP middleware and fabric handshake.
func (s *Service) Sessions() *SessionRegistry {
	return s.sessions
}

// AuthResult is what a successful register or login returns to the client.
type AuthResult struct {
	UserID        uuid.UUID
	Username      string
	HiddenMode    bool
	IntrovertMode bool
	Vault         string
	Session       *Session
	Evicted       []*Session
}

// ValidateUsername enforces the account name rules: 3 to 64 code points,
// no control characters, no angle brackets.
func ValidateUsername(name string) error {
	n := utf8.RuneCountInString(name)
	if n < 3 || n > 64 {
		return apperr.New(apperr.KindValidation, "username must be 3-64 characters")
	}
	for _, r := range name {
		if unicode.IsControl(r) || r == '<' || r == '>' {
			return apperr.New(apperr.KindValidation, "username contains forbidden characters")
		}
	}
	return nil
}

// Register creates an account and issues the first session.
func (s *Service) Register(ctx context.Context, username, publicKey, removeDate, vault string) (*AuthResult, error) {
	username = strings.TrimSpace(username)
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if len(vault) > maxVaultBytes {
		return nil, apperr.New(apperr.KindPayloadTooLarge, "vault too large")
	}
	canonical, _, err := CanonicalizeJWK(publicKey)
	if err != nil {
		return nil, err
	}
	removeAt, err := time.Parse(time.RFC3339, removeDate)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid remove date", err)
	}

	user := &store.User{
		ID:         uuid.New(),
		Username:   username,
		PublicKey:  canonical,
		Vault:      vault,
		RemoveDate: removeAt,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			return nil, apperr.New(apperr.KindConflict, "already exists")
		}
		return nil, err
	}

	sess, evicted := s.sessions.Issue(user.ID)
	return &AuthResult{
		UserID:        user.ID,
		Username:      user.Username,
		HiddenMode:    user.HiddenMode,
		IntrovertMode: user.IntrovertMode,
		Vault:         user.Vault,
		Session:       sess,
		Evicted:       evicted,
	}, nil
}

// LoginChallenge is the response to login-init.
type LoginChallenge struct {
	ChallengeID           string
	EncryptedChallengeB64 string
}

// LoginInit looks up the account by username and byte-stable canonical key,
// then mints an encrypted challenge. An existing username with a different
// key is unauthorized; a missing username is not_found so the client can
// offer account recreation.
func (s *Service) LoginInit(ctx context.Context, username, publicKey string) (*LoginChallenge, error) {
	canonical, pub, err := CanonicalizeJWK(publicKey)
	if err != nil {
		return nil, err
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "no such user")
		}
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(user.PublicKey), []byte(canonical)) != 1 {
		return nil, apperr.New(apperr.KindUnauthorized, "key mismatch")
	}

	id, encrypted, err := s.challenges.Create(user.ID, pub)
	if err != nil {
		return nil, err
	}
	return &LoginChallenge{ChallengeID: id, EncryptedChallengeB64: encrypted}, nil
}

// LoginFinal redeems the challenge and issues a session.
func (s *Service) LoginFinal(ctx context.Context, challengeID, response string) (*AuthResult, error) {
	userID, err := s.challenges.Redeem(challengeID, response)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	sess, evicted := s.sessions.Issue(user.ID)
	return &AuthResult{
		UserID:        user.ID,
		Username:      user.Username,
		HiddenMode:    user.HiddenMode,
		IntrovertMode: user.IntrovertMode,
		Vault:         user.Vault,
		Session:       sess,
		Evicted:       evicted,
	}, nil
}

// CheckUsername reports whether the name is taken.
func (s *Service) CheckUsername(ctx context.Context, username string) (bool, error) {
	return s.store.UsernameExists(ctx, username)
}
