package store

import (
	"context"

	"github.com/google/uuid"
)

// InsertMessage stores one ciphertext row.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, encrypted_data)
		VALUES ($1, $2, $3, $4)`,
		m.ID, m.ChatID, m.SenderID, m.EncryptedData)
	return classify(err)
}

// GetMessage fetches a message scoped to its chat.
func (s *Store) GetMessage(ctx context.Context, chatID, id uuid.UUID) (*Message, error) {
	var m Message
	err := s.db.QueryRow(ctx, `
		SELECT id, chat_id, sender_id, encrypted_data
		FROM messages WHERE id = $1 AND chat_id = $2`,
		id, chatID).Scan(&m.ID, &m.ChatID, &m.SenderID, &m.EncryptedData)
	if err != nil {
		return nil, classify(err)
	}
	return &m, nil
}

// UpdateMessageData replaces the ciphertext in place.
func (s *Store) UpdateMessageData(ctx context.Context, chatID, id uuid.UUID, data string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE messages SET encrypted_data = $3 WHERE id = $1 AND chat_id = $2`,
		id, chatID, data)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRowsAffected
	}
	return nil
}

// DeleteMessage removes the row; unread and queue rows cascade.
func (s *Store) DeleteMessage(ctx context.Context, chatID, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM messages WHERE id = $1 AND chat_id = $2`, id, chatID)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRowsAffected
	}
	return nil
}

// MaxMessageID returns the highest message id in the chat, or nil when the
// chat has no messages. UUIDv7 makes this the most recent message.
func (s *Store) MaxMessageID(ctx context.Context, chatID uuid.UUID) (*uuid.UUID, error) {
	var id *uuid.UUID
	err := s.db.QueryRow(ctx,
		`SELECT MAX(id) FROM messages WHERE chat_id = $1`, chatID).Scan(&id)
	if err != nil {
		return nil, classify(err)
	}
	return id, nil
}

// ListMessages returns up to limit messages newest-first, honoring the
// member's visibility border and the optional before cursor.
func (s *Store) ListMessages(ctx context.Context, chatID uuid.UUID, border, before *uuid.UUID, limit int) ([]Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, chat_id, sender_id, encrypted_data
		FROM messages
		WHERE chat_id = $1
		  AND ($2::uuid IS NULL OR id > $2)
		  AND ($3::uuid IS NULL OR id < $3)
		ORDER BY id DESC
		LIMIT $4`,
		chatID, border, before, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.EncryptedData); err != nil {
			return nil, classify(err)
		}
		msgs = append(msgs, m)
	}
	return msgs, classify(rows.Err())
}

// MessageIDsBySender lists the ids of all messages the sender authored in
// the chat. Used when a leaver's messages must disappear from view.
func (s *Store) MessageIDsBySender(ctx context.Context, chatID, senderID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM messages WHERE chat_id = $1 AND sender_id = $2 ORDER BY id`,
		chatID, senderID)
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

// LastVisibleMessage returns the newest message the member may see, or nil.
func (s *Store) LastVisibleMessage(ctx context.Context, chatID uuid.UUID, border *uuid.UUID) (*Message, error) {
	var m Message
	err := s.db.QueryRow(ctx, `
		SELECT id, chat_id, sender_id, encrypted_data
		FROM messages
		WHERE chat_id = $1 AND ($2::uuid IS NULL OR id > $2)
		ORDER BY id DESC
		LIMIT 1`,
		chatID, border).Scan(&m.ID, &m.ChatID, &m.SenderID, &m.EncryptedData)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}
