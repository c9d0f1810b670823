package store

import (
	"context"

	"github.com/google/uuid"
)

// InsertUnreadForMembers creates one unread row per chat member except the
// sender. Runs in the same transaction as the message insert.
func (s *Store) InsertUnreadForMembers(ctx context.Context, chatID, messageID, senderID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO unread_messages (user_id, message_id, chat_id)
		SELECT user_id, $2, $1
		FROM chat_members
		WHERE chat_id = $1 AND user_id <> $3`,
		chatID, messageID, senderID)
	return classify(err)
}

// ListUnreadIDs returns up to limit unread message ids for (user, chat),
// oldest first.
func (s *Store) ListUnreadIDs(ctx context.Context, userID, chatID uuid.UUID, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT message_id FROM unread_messages
		WHERE user_id = $1 AND chat_id = $2
		ORDER BY message_id
		LIMIT $3`,
		userID, chatID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		ids = append(ids, id)
	}
	return ids, classify(rows.Err())
}

// DeleteUnreadByChat clears every unread row for (user, chat).
func (s *Store) DeleteUnreadByChat(ctx context.Context, userID, chatID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM unread_messages WHERE user_id = $1 AND chat_id = $2`, userID, chatID)
	return classify(err)
}

// DeleteUnreadByIDs clears the named unread rows for (user, chat).
func (s *Store) DeleteUnreadByIDs(ctx context.Context, userID, chatID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		DELETE FROM unread_messages
		WHERE user_id = $1 AND chat_id = $2 AND message_id = ANY($3)`,
		userID, chatID, ids)
	return classify(err)
}

// CountUnread returns the user's unread count for one chat.
func (s *Store) CountUnread(ctx context.Context, userID, chatID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM unread_messages WHERE user_id = $1 AND chat_id = $2`,
		userID, chatID).Scan(&n)
	return n, classify(err)
}

// UnreadCountsByChat returns the user's unread counts keyed by chat id.
func (s *Store) UnreadCountsByChat(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT chat_id, COUNT(*) FROM unread_messages
		WHERE user_id = $1 GROUP BY chat_id`,
		userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int)
	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, classify(err)
		}
		counts[id] = n
	}
	return counts, classify(rows.Err())
}
