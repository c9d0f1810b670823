// Package push persists web push subscriptions and drains an outbox of
// notifications for users who were offline when a message arrived. Payloads
// never contain ciphertext, message content, or sender identity beyond the
// chat id the client needs to focus the right conversation.
package push

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/lrcom/lrcom-server/internal/v1/apperr"
	"github.com/lrcom/lrcom-server/internal/v1/store"
)

const (
	// Subscription retention is randomized so stored endpoints cannot be
	// used to reconstruct activity patterns.
	subRetentionMin = 21 * 24 * time.Hour
	subRetentionMax = 90 * 24 * time.Hour

	// Queue rows live long enough to survive a vacation, not forever.
	queueRetentionMin = 7 * 24 * time.Hour
	queueRetentionMax = 30 * 24 * time.Hour

	maxEndpointBytes = 2048
)

// Store is the persistence surface the push service needs.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (*store.User, error)
	UpsertSubscription(ctx context.Context, sub *store.PushSubscription) error
	DeleteSubscription(ctx context.Context, userID uuid.UUID, endpoint string) error
	HasSubscription(ctx context.Context, userID uuid.UUID) (bool, error)
	EnqueuePush(ctx context.Context, userID, messageID uuid.UUID, removeDate time.Time) error
}

// Presence reports whether a user currently has an open socket. The fabric
// hub implements it.
type Presence interface {
	Online(userID uuid.UUID) bool
}

// Service manages subscriptions and enqueues outbox rows for offline
// recipients. The worker in worker.go drains the queue.
type Service struct {
	store    Store
	presence Presence
	enabled  bool
	now      func() time.Time
}

func NewService(st Store, presence Presence, enabled bool) *Service {
	return &Service{store: st, presence: presence, enabled: enabled, now: time.Now}
}

// Enabled reports whether VAPID credentials were configured.
func (s *Service) Enabled() bool {
	return s.enabled
}

// randomRetention picks a duration uniformly in [min, max].
func randomRetention(min, max time.Duration) time.Duration {
	span := big.NewInt(int64(max - min))
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return min
	}
	return min + time.Duration(n.Int64())
}

// Subscribe stores a browser push endpoint. Retention is 21-90 days at
// random, capped one minute below the account's own remove date so a
// subscription never outlives its user.
func (s *Service) Subscribe(ctx context.Context, userID uuid.UUID, endpoint, p256dh, auth string) error {
	if !s.enabled {
		return apperr.New(apperr.KindValidation, "push is not enabled on this server")
	}
	if endpoint == "" || len(endpoint) > maxEndpointBytes {
		return apperr.New(apperr.KindValidation, "invalid endpoint")
	}
	if p256dh == "" || auth == "" {
		return apperr.New(apperr.KindValidation, "p256dh and auth are required")
	}

	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	removeDate := s.now().Add(randomRetention(subRetentionMin, subRetentionMax))
	if ceiling := u.RemoveDate.Add(-time.Minute); removeDate.After(ceiling) {
		removeDate = ceiling
	}

	return s.store.UpsertSubscription(ctx, &store.PushSubscription{
		Endpoint:   endpoint,
		UserID:     userID,
		P256dh:     p256dh,
		Auth:       auth,
		RemoveDate: removeDate,
	})
}

// Disable removes one endpoint for the user.
func (s *Service) Disable(ctx context.Context, userID uuid.UUID, endpoint string) error {
	if endpoint == "" {
		return apperr.New(apperr.KindValidation, "endpoint is required")
	}
	return s.store.DeleteSubscription(ctx, userID, endpoint)
}

// EnqueueOffline inserts outbox rows for every recipient who has no open
// socket but does have a stored subscription. Called after a successful
// message send; the sender is never enqueued.
func (s *Service) EnqueueOffline(ctx context.Context, messageID, senderID uuid.UUID, memberIDs []uuid.UUID) error {
	if !s.enabled {
		return nil
	}
	for _, userID := range memberIDs {
		if userID == senderID || s.presence.Online(userID) {
			continue
		}
		subscribed, err := s.store.HasSubscription(ctx, userID)
		if err != nil {
			return err
		}
		if !subscribed {
			continue
		}
		removeDate := s.now().Add(randomRetention(queueRetentionMin, queueRetentionMax))
		if err := s.store.EnqueuePush(ctx, userID, messageID, removeDate); err != nil {
			return err
		}
	}
	return nil
}
