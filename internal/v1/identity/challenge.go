package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lrcom/lrcom-server/internal/v1/apperr"
)

// challengeTTL is how long a login challenge stays redeemable.
const challengeTTL = 60 * time.Second

type challenge struct {
	userID    uuid.UUID
	nonce     []byte
	expiresAt time.Time
}

// ChallengeStore holds pending login challenges in process memory only, so a
// restart invalidates every outstanding login attempt.
type ChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]challenge
	now        func() time.Time
}

// NewChallengeStore creates an empty store.
func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{
		challenges: make(map[string]challenge),
		now:        time.Now,
	}
}

// Create generates a 256-bit nonce, encrypts it to the user's public key
// with RSA-OAEP-SHA256, and returns the challenge id plus the base64
// ciphertext. Only the client holding the private key can recover the nonce.
func (cs *ChallengeStore) Create(userID uuid.UUID, pub *rsa.PublicKey) (string, string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", err
	}

	encrypted, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, nonce, nil)
	if err != nil {
		return "", "", apperr.Wrap(apperr.KindValidation, "public key unusable for encryption", err)
	}

	id := uuid.NewString()
	cs.mu.Lock()
	cs.purgeLocked()
	cs.challenges[id] = challenge{
		userID:    userID,
		nonce:     nonce,
		expiresAt: cs.now().Add(challengeTTL),
	}
	cs.mu.Unlock()

	return id, base64.StdEncoding.EncodeToString(encrypted), nil
}

// Redeem atomically consumes the challenge and verifies the response in
// constant time. A challenge can be redeemed at most once, successful or not.
func (cs *ChallengeStore) Redeem(id, response string) (uuid.UUID, error) {
	cs.mu.Lock()
	ch, ok := cs.challenges[id]
	delete(cs.challenges, id)
	cs.mu.Unlock()

	if !ok || cs.now().After(ch.expiresAt) {
		return uuid.Nil, apperr.New(apperr.KindUnauthorized, "challenge expired or unknown")
	}

	expected := base64.StdEncoding.EncodeToString(ch.nonce)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(response)) != 1 {
		return uuid.Nil, apperr.New(apperr.KindUnauthorized, "challenge response mismatch")
	}
	return ch.userID, nil
}

// purgeLocked drops expired challenges. Caller holds cs.mu.
func (cs *ChallengeStore) purgeLocked() {
	now := cs.now()
	for id, ch := range cs.challenges {
		if now.After(ch.expiresAt) {
			delete(cs.challenges, id)
		}
	}
}
