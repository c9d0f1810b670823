package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UpsertSubscription stores or refreshes a push endpoint. The endpoint is
// the primary key, so re-subscribing refreshes the retention window.
func (s *Store) UpsertSubscription(ctx context.Context, sub *PushSubscription) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO push_subscriptions (endpoint, user_id, p256dh, auth, remove_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (endpoint) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    p256dh = EXCLUDED.p256dh,
		    auth = EXCLUDED.auth,
		    remove_date = EXCLUDED.remove_date`,
		sub.Endpoint, sub.UserID, sub.P256dh, sub.Auth, sub.RemoveDate)
	return classify(err)
}

// DeleteSubscription removes one endpoint, scoped to its owner.
func (s *Store) DeleteSubscription(ctx context.Context, userID uuid.UUID, endpoint string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM push_subscriptions WHERE endpoint = $1 AND user_id = $2`,
		endpoint, userID)
	return classify(err)
}

// PruneSubscription removes an endpoint the push gateway reported gone.
func (s *Store) PruneSubscription(ctx context.Context, endpoint string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM push_subscriptions WHERE endpoint = $1`, endpoint)
	return classify(err)
}

// ListSubscriptions returns the user's stored endpoints.
func (s *Store) ListSubscriptions(ctx context.Context, userID uuid.UUID) ([]PushSubscription, error) {
	rows, err := s.db.Query(ctx, `
		SELECT endpoint, user_id, p256dh, auth, remove_date
		FROM push_subscriptions WHERE user_id = $1`,
		userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var subs []PushSubscription
	for rows.Next() {
		var sub PushSubscription
		if err := rows.Scan(&sub.Endpoint, &sub.UserID, &sub.P256dh, &sub.Auth, &sub.RemoveDate); err != nil {
			return nil, classify(err)
		}
		subs = append(subs, sub)
	}
	return subs, classify(rows.Err())
}

// HasSubscription reports whether the user has at least one endpoint.
func (s *Store) HasSubscription(ctx context.Context, userID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM push_subscriptions WHERE user_id = $1)`,
		userID).Scan(&exists)
	return exists, classify(err)
}

// EnqueuePush inserts a queue row for an offline recipient, idempotent on
// (user, message).
func (s *Store) EnqueuePush(ctx context.Context, userID, messageID uuid.UUID, removeDate time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO push_send_queue (user_id, message_id, remove_date)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, message_id) DO NOTHING`,
		userID, messageID, removeDate)
	return classify(err)
}

// ClaimPushBatch returns up to limit unsent queue rows under the attempt cap
// whose unread counterpart still exists, joined with the chat id the worker
// needs for the notification tag.
func (s *Store) ClaimPushBatch(ctx context.Context, limit, maxAttempts int) ([]PushQueueEntry, error) {
	defer observe("claim_push_batch")()
	rows, err := s.db.Query(ctx, `
		SELECT q.user_id, q.message_id, u.chat_id, q.attempts, q.sent, q.remove_date
		FROM push_send_queue q
		JOIN unread_messages u ON u.user_id = q.user_id AND u.message_id = q.message_id
		WHERE NOT q.sent AND q.attempts < $2
		ORDER BY q.message_id
		LIMIT $1`,
		limit, maxAttempts)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var entries []PushQueueEntry
	for rows.Next() {
		var e PushQueueEntry
		if err := rows.Scan(&e.UserID, &e.MessageID, &e.ChatID, &e.Attempts, &e.Sent, &e.RemoveDate); err != nil {
			return nil, classify(err)
		}
		entries = append(entries, e)
	}
	return entries, classify(rows.Err())
}

// BumpPushAttempts increments the attempt counter.
func (s *Store) BumpPushAttempts(ctx context.Context, userID, messageID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE push_send_queue SET attempts = attempts + 1
		WHERE user_id = $1 AND message_id = $2`,
		userID, messageID)
	return classify(err)
}

// MarkPushSent flags the row delivered.
func (s *Store) MarkPushSent(ctx context.Context, userID, messageID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE push_send_queue SET sent = TRUE
		WHERE user_id = $1 AND message_id = $2`,
		userID, messageID)
	return classify(err)
}

// CleanupPush removes expired subscriptions, expired queue rows, and queue
// rows whose unread counterpart has disappeared.
func (s *Store) CleanupPush(ctx context.Context, now time.Time) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM push_subscriptions WHERE remove_date < $1`, now); err != nil {
		return classify(err)
	}
	if _, err := s.db.Exec(ctx,
		`DELETE FROM push_send_queue WHERE remove_date < $1`, now); err != nil {
		return classify(err)
	}
	_, err := s.db.Exec(ctx, `
		DELETE FROM push_send_queue q
		WHERE NOT EXISTS (
			SELECT 1 FROM unread_messages u
			WHERE u.user_id = q.user_id AND u.message_id = q.message_id
		)`)
	return classify(err)
}
