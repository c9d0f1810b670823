package store

import (
	"context"

	"github.com/google/uuid"
)

// InsertChat creates a chat row.
func (s *Store) InsertChat(ctx context.Context, c *Chat) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO chats (id, chat_type, chat_name) VALUES ($1, $2, $3)`,
		c.ID, c.Type, c.Name)
	return classify(err)
}

// GetChat fetches a chat by id.
func (s *Store) GetChat(ctx context.Context, id uuid.UUID) (*Chat, error) {
	var c Chat
	err := s.db.QueryRow(ctx,
		`SELECT id, chat_type, chat_name FROM chats WHERE id = $1`, id).
		Scan(&c.ID, &c.Type, &c.Name)
	if err != nil {
		return nil, classify(err)
	}
	return &c, nil
}

// RenameChat updates the display name.
func (s *Store) RenameChat(ctx context.Context, id uuid.UUID, name string) error {
	tag, err := s.db.Exec(ctx, `UPDATE chats SET chat_name = $2 WHERE id = $1`, id, name)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRowsAffected
	}
	return nil
}

// DeleteChat removes the chat; members, messages and unread rows cascade.
func (s *Store) DeleteChat(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM chats WHERE id = $1`, id)
	return classify(err)
}

// InsertChatMember adds a membership row, idempotent on conflict.
func (s *Store) InsertChatMember(ctx context.Context, chatID, userID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2)
		ON CONFLICT (chat_id, user_id) DO NOTHING`,
		chatID, userID)
	return classify(err)
}

// RemoveChatMember deletes a membership row.
func (s *Store) RemoveChatMember(ctx context.Context, chatID, userID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM chat_members WHERE chat_id = $1 AND user_id = $2`, chatID, userID)
	return classify(err)
}

// IsMember reports whether the user belongs to the chat.
func (s *Store) IsMember(ctx context.Context, chatID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2)`,
		chatID, userID).Scan(&exists)
	return exists, classify(err)
}

// GetMemberBorder returns the visibility border for (chat, user).
func (s *Store) GetMemberBorder(ctx context.Context, chatID, userID uuid.UUID) (*uuid.UUID, error) {
	var border *uuid.UUID
	err := s.db.QueryRow(ctx,
		`SELECT visible_after_message_id FROM chat_members WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID).Scan(&border)
	if err != nil {
		return nil, classify(err)
	}
	return border, nil
}

// ListMembers returns the chat's members with their usernames and keys.
func (s *Store) ListMembers(ctx context.Context, chatID uuid.UUID) ([]ChatMember, error) {
	rows, err := s.db.Query(ctx, `
		SELECT cm.chat_id, cm.user_id, u.username, u.public_key, cm.visible_after_message_id
		FROM chat_members cm
		JOIN users u ON u.id = cm.user_id
		WHERE cm.chat_id = $1
		ORDER BY u.username`,
		chatID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var members []ChatMember
	for rows.Next() {
		var m ChatMember
		if err := rows.Scan(&m.ChatID, &m.UserID, &m.Username, &m.PublicKey, &m.VisibleAfterMessageID); err != nil {
			return nil, classify(err)
		}
		members = append(members, m)
	}
	return members, classify(rows.Err())
}

// MemberIDs returns only the member user ids.
func (s *Store) MemberIDs(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx,
		`SELECT user_id FROM chat_members WHERE chat_id = $1`, chatID)
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

// MemberCount returns how many users the chat has.
func (s *Store) MemberCount(ctx context.Context, chatID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_members WHERE chat_id = $1`, chatID).Scan(&n)
	return n, classify(err)
}

// FindPersonalChat returns the personal chat shared by exactly the two users,
// or ErrNoRows-classified not_found.
func (s *Store) FindPersonalChat(ctx context.Context, a, b uuid.UUID) (*Chat, error) {
	var c Chat
	err := s.db.QueryRow(ctx, `
		SELECT c.id, c.chat_type, c.chat_name
		FROM chats c
		WHERE c.chat_type = 'personal'
		  AND EXISTS (SELECT 1 FROM chat_members WHERE chat_id = c.id AND user_id = $1)
		  AND EXISTS (SELECT 1 FROM chat_members WHERE chat_id = c.id AND user_id = $2)
		LIMIT 1`,
		a, b).Scan(&c.ID, &c.Type, &c.Name)
	if err != nil {
		return nil, classify(err)
	}
	return &c, nil
}

// HasAnyChat reports whether two users share at least one chat of any type.
func (s *Store) HasAnyChat(ctx context.Context, a, b uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM chat_members x
			JOIN chat_members y ON y.chat_id = x.chat_id
			WHERE x.user_id = $1 AND y.user_id = $2
		)`,
		a, b).Scan(&exists)
	return exists, classify(err)
}

// HasPersonalChat reports whether two users share a personal chat.
func (s *Store) HasPersonalChat(ctx context.Context, a, b uuid.UUID) (bool, error) {
	_, err := s.FindPersonalChat(ctx, a, b)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MutualPersonalPeers filters candidates down to those sharing a personal
// chat with the user. Used by the presence endpoint.
func (s *Store) MutualPersonalPeers(ctx context.Context, userID uuid.UUID, candidates []uuid.UUID) ([]uuid.UUID, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT y.user_id
		FROM chat_members x
		JOIN chat_members y ON y.chat_id = x.chat_id
		JOIN chats c ON c.id = x.chat_id AND c.chat_type = 'personal'
		JOIN users u ON u.id = y.user_id AND NOT u.hidden_mode
		WHERE x.user_id = $1 AND y.user_id = ANY($2)`,
		userID, candidates)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var peers []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		peers = append(peers, id)
	}
	return peers, classify(rows.Err())
}

// RaiseVisibilityBorders moves every member's border up to messageID where it
// is currently NULL or lower. Run when a member leaves a group.
func (s *Store) RaiseVisibilityBorders(ctx context.Context, chatID, messageID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE chat_members
		SET visible_after_message_id = $2
		WHERE chat_id = $1
		  AND (visible_after_message_id IS NULL OR visible_after_message_id < $2)`,
		chatID, messageID)
	return classify(err)
}

// DeleteOrphanChats removes personal chats with fewer than two members and
// empty group chats. Returns how many chats were deleted.
func (s *Store) DeleteOrphanChats(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM chats c
		WHERE (c.chat_type = 'personal'
		       AND (SELECT COUNT(*) FROM chat_members WHERE chat_id = c.id) < 2)
		   OR (c.chat_type = 'group'
		       AND NOT EXISTS (SELECT 1 FROM chat_members WHERE chat_id = c.id))`)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}
