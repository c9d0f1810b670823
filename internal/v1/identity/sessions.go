package identity

import (
	"crypto/rand"
	"encoding/base64"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lrcom/lrcom-server/internal/v1/apperr"
)

// Session is one live bearer credential bound to a device.
type Session struct {
	Token     string
	SessionID string
	UserID    uuid.UUID
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SessionRegistry holds bearer sessions in process memory. Tokens are
// 256-bit random values; session ids are 144-bit and survive token rotation.
type SessionRegistry struct {
	mu      sync.Mutex
	byToken map[string]*Session
	byUser  map[uuid.UUID][]*Session

	ttl        time.Duration
	maxPerUser int
	now        func() time.Time
}

// NewSessionRegistry creates a registry with the given token TTL and
// per-user concurrent session cap.
func NewSessionRegistry(ttl time.Duration, maxPerUser int) *SessionRegistry {
	return &SessionRegistry{
		byToken:    make(map[string]*Session),
		byUser:     make(map[uuid.UUID][]*Session),
		ttl:        ttl,
		maxPerUser: maxPerUser,
		now:        time.Now,
	}
}

func randomToken(bytes int) string {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand failure is unrecoverable
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Issue creates a fresh session for the user. When the user exceeds the cap,
// the oldest sessions by issuedAt are evicted and returned so the caller can
// force-logout those devices.
func (r *SessionRegistry) Issue(userID uuid.UUID) (*Session, []*Session) {
	now := r.now()
	sess := &Session{
		Token:     randomToken(32),
		SessionID: randomToken(18),
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(r.ttl),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byToken[sess.Token] = sess
	sessions := append(r.byUser[userID], sess)
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].IssuedAt.Before(sessions[j].IssuedAt)
	})

	var evicted []*Session
	for len(sessions) > r.maxPerUser {
		oldest := sessions[0]
		sessions = sessions[1:]
		delete(r.byToken, oldest.Token)
		evicted = append(evicted, oldest)
	}
	r.byUser[userID] = sessions

	return sess, evicted
}

// Lookup resolves a bearer token to its session, rejecting expired tokens.
func (r *SessionRegistry) Lookup(token string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byToken[token]
	if !ok {
		return nil, apperr.New(apperr.KindUnauthorized, "unknown token")
	}
	if r.now().After(sess.ExpiresAt) {
		r.removeLocked(sess)
		return nil, apperr.New(apperr.KindUnauthorized, "token expired")
	}
	return sess, nil
}

// Rotate replaces the token behind a session: same session id and issuedAt,
// fresh token and expiry.
func (r *SessionRegistry) Rotate(token string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.byToken[token]
	if !ok || r.now().After(old.ExpiresAt) {
		return nil, apperr.New(apperr.KindUnauthorized, "unknown token")
	}

	fresh := &Session{
		Token:     randomToken(32),
		SessionID: old.SessionID,
		UserID:    old.UserID,
		IssuedAt:  old.IssuedAt,
		ExpiresAt: r.now().Add(r.ttl),
	}
	r.removeLocked(old)
	r.byToken[fresh.Token] = fresh
	r.byUser[fresh.UserID] = append(r.byUser[fresh.UserID], fresh)
	return fresh, nil
}

// RevokeOthers drops every session of the user except keepSessionID and
// returns the revoked sessions for force-logout fan-out.
func (r *SessionRegistry) RevokeOthers(userID uuid.UUID, keepSessionID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var kept []*Session
	var revoked []*Session
	for _, sess := range r.byUser[userID] {
		if sess.SessionID == keepSessionID {
			kept = append(kept, sess)
			continue
		}
		delete(r.byToken, sess.Token)
		revoked = append(revoked, sess)
	}
	r.byUser[userID] = kept
	return revoked
}

// RevokeAll drops every session of the user (account deletion).
func (r *SessionRegistry) RevokeAll(userID uuid.UUID) []*Session {
	return r.RevokeOthers(userID, "")
}

// SessionsForUser returns a snapshot of the user's live sessions.
func (r *SessionRegistry) SessionsForUser(userID uuid.UUID) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, len(r.byUser[userID]))
	copy(out, r.byUser[userID])
	return out
}

// removeLocked unlinks a session from both maps. Caller holds r.mu.
func (r *SessionRegistry) removeLocked(sess *Session) {
	delete(r.byToken, sess.Token)
	sessions := r.byUser[sess.UserID]
	for i, s := range sessions {
		if s.Token == sess.Token {
			r.byUser[sess.UserID] = append(sessions[:i], sessions[i+1:]...)
			break
		}
	}
	if len(r.byUser[sess.UserID]) == 0 {
		delete(r.byUser, sess.UserID)
	}
}
