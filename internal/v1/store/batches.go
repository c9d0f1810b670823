package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Composite multi-row state transitions. Each runs as one READ COMMITTED
// transaction so partial state is never observable.

// CreatePersonalChat inserts the chat and both member rows.
func (s *Store) CreatePersonalChat(ctx context.Context, chatID, a, b uuid.UUID) error {
	defer observe("create_personal_chat")()
	return s.WithTx(ctx, func(ctx context.Context, tx *Store) error {
		if err := tx.InsertChat(ctx, &Chat{ID: chatID, Type: ChatTypePersonal}); err != nil {
			return err
		}
		if err := tx.InsertChatMember(ctx, chatID, a); err != nil {
			return err
		}
		return tx.InsertChatMember(ctx, chatID, b)
	})
}

// CreateGroupChat inserts the chat with the creator as sole member.
func (s *Store) CreateGroupChat(ctx context.Context, chatID uuid.UUID, name string, owner uuid.UUID) error {
	defer observe("create_group_chat")()
	return s.WithTx(ctx, func(ctx context.Context, tx *Store) error {
		if err := tx.InsertChat(ctx, &Chat{ID: chatID, Type: ChatTypeGroup, Name: &name}); err != nil {
			return err
		}
		return tx.InsertChatMember(ctx, chatID, owner)
	})
}

// SendMessage inserts the message and one unread row per non-sender member
// in the same transaction.
func (s *Store) SendMessage(ctx context.Context, m *Message) error {
	defer observe("send_message")()
	return s.WithTx(ctx, func(ctx context.Context, tx *Store) error {
		if err := tx.InsertMessage(ctx, m); err != nil {
			return err
		}
		return tx.InsertUnreadForMembers(ctx, m.ChatID, m.ID, m.SenderID)
	})
}

// LeaveGroupResult reports what a group leave changed.
type LeaveGroupResult struct {
	ChatDeleted      bool
	RemainingMembers []uuid.UUID
	LeaverMessageIDs []uuid.UUID
	Border           *uuid.UUID
}

// LeaveGroup removes the member, clears their unread rows, raises every
// remaining member's visibility border to the current newest message, and
// deletes the chat when it becomes empty. The leaver's message ids are
// returned for removal-from-view fan-out.
func (s *Store) LeaveGroup(ctx context.Context, chatID, userID uuid.UUID) (*LeaveGroupResult, error) {
	defer observe("leave_group")()
	var res LeaveGroupResult
	err := s.WithTx(ctx, func(ctx context.Context, tx *Store) error {
		leaverIDs, err := tx.MessageIDsBySender(ctx, chatID, userID)
		if err != nil {
			return err
		}
		res.LeaverMessageIDs = leaverIDs

		if err := tx.RemoveChatMember(ctx, chatID, userID); err != nil {
			return err
		}
		if err := tx.DeleteUnreadByChat(ctx, userID, chatID); err != nil {
			return err
		}

		maxID, err := tx.MaxMessageID(ctx, chatID)
		if err != nil {
			return err
		}
		res.Border = maxID
		if maxID != nil {
			if err := tx.RaiseVisibilityBorders(ctx, chatID, *maxID); err != nil {
				return err
			}
		}

		remaining, err := tx.MemberIDs(ctx, chatID)
		if err != nil {
			return err
		}
		res.RemainingMembers = remaining
		if len(remaining) == 0 {
			res.ChatDeleted = true
			return tx.DeleteChat(ctx, chatID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// DeleteMessageTx removes the message and returns the member ids for
// fan-out. Unread and queue rows cascade.
func (s *Store) DeleteMessageTx(ctx context.Context, chatID, messageID uuid.UUID) ([]uuid.UUID, error) {
	defer observe("delete_message")()
	var members []uuid.UUID
	err := s.WithTx(ctx, func(ctx context.Context, tx *Store) error {
		var err error
		members, err = tx.MemberIDs(ctx, chatID)
		if err != nil {
			return err
		}
		return tx.DeleteMessage(ctx, chatID, messageID)
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

// DeleteAccount removes the user and then any chats the cascade orphaned.
func (s *Store) DeleteAccount(ctx context.Context, userID uuid.UUID) error {
	defer observe("delete_account")()
	return s.WithTx(ctx, func(ctx context.Context, tx *Store) error {
		if err := tx.DeleteUser(ctx, userID); err != nil {
			return err
		}
		_, err := tx.DeleteOrphanChats(ctx)
		return err
	})
}

// SweepExpired removes users past their remove date and the chats that
// removal orphaned. Returns (users, chats) deleted.
func (s *Store) SweepExpired(ctx context.Context) (int64, int64, error) {
	defer observe("sweep_expired")()
	var users, chats int64
	err := s.WithTx(ctx, func(ctx context.Context, tx *Store) error {
		var err error
		users, err = tx.DeleteExpiredUsers(ctx, time.Now())
		if err != nil {
			return err
		}
		chats, err = tx.DeleteOrphanChats(ctx)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return users, chats, nil
}
