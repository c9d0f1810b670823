package store

import (
	"context"

	"github.com/google/uuid"
)

// ListChatSummaries returns every chat the user belongs to with the peer
// identity for personal chats, the newest message the user may see, and the
// unread count, ordered newest-activity first.
func (s *Store) ListChatSummaries(ctx context.Context, userID uuid.UUID) ([]ChatSummary, error) {
	defer observe("list_chat_summaries")()
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.chat_type, c.chat_name,
		       ou.id, ou.username, ou.public_key,
		       m.id, m.sender_id, m.encrypted_data,
		       COALESCE(un.cnt, 0)
		FROM chat_members cm
		JOIN chats c ON c.id = cm.chat_id
		LEFT JOIN LATERAL (
			SELECT u.id, u.username, u.public_key
			FROM chat_members om
			JOIN users u ON u.id = om.user_id
			WHERE om.chat_id = c.id AND om.user_id <> cm.user_id
			  AND c.chat_type = 'personal'
			LIMIT 1
		) ou ON TRUE
		LEFT JOIN LATERAL (
			SELECT msg.id, msg.sender_id, msg.encrypted_data
			FROM messages msg
			WHERE msg.chat_id = c.id
			  AND (cm.visible_after_message_id IS NULL OR msg.id > cm.visible_after_message_id)
			ORDER BY msg.id DESC
			LIMIT 1
		) m ON TRUE
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS cnt
			FROM unread_messages um
			WHERE um.user_id = cm.user_id AND um.chat_id = c.id
		) un ON TRUE
		WHERE cm.user_id = $1
		ORDER BY m.id DESC NULLS LAST, c.id`, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []ChatSummary
	for rows.Next() {
		var cs ChatSummary
		var msgID *uuid.UUID
		var msgSender *uuid.UUID
		var msgData *string
		if err := rows.Scan(&cs.ID, &cs.Type, &cs.Name,
			&cs.OtherUserID, &cs.OtherUsername, &cs.OtherPublicKey,
			&msgID, &msgSender, &msgData,
			&cs.UnreadCount); err != nil {
			return nil, classify(err)
		}
		if msgID != nil {
			cs.LastMessage = &Message{ID: *msgID, ChatID: cs.ID, SenderID: *msgSender, EncryptedData: *msgData}
		}
		out = append(out, cs)
	}
	return out, classify(rows.Err())
}
