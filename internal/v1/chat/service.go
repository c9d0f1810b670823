// Package chat implements the conversation model: personal and group chats,
// memberships, message authorization, history visibility borders, and the
// unread ledger. It holds no connection state; fan-out is the caller's job.
package chat

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/lrcom/lrcom-server/internal/v1/apperr"
	"github.com/lrcom/lrcom-server/internal/v1/store"
)

const (
	maxCiphertextBytes = 50 * 1024

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	defaultUnreadLimit  = 500
	maxUnreadLimit      = 5000
)

// Store is the persistence surface the service needs. *store.Store
// satisfies it.
type Store interface {
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
	GetChat(ctx context.Context, id uuid.UUID) (*store.Chat, error)
	IsMember(ctx context.Context, chatID, userID uuid.UUID) (bool, error)
	GetMemberBorder(ctx context.Context, chatID, userID uuid.UUID) (*uuid.UUID, error)
	MemberIDs(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error)
	ListMembers(ctx context.Context, chatID uuid.UUID) ([]store.ChatMember, error)
	FindPersonalChat(ctx context.Context, a, b uuid.UUID) (*store.Chat, error)
	HasAnyChat(ctx context.Context, a, b uuid.UUID) (bool, error)
	CreatePersonalChat(ctx context.Context, chatID, a, b uuid.UUID) error
	CreateGroupChat(ctx context.Context, chatID uuid.UUID, name string, owner uuid.UUID) error
	InsertChatMember(ctx context.Context, chatID, userID uuid.UUID) error
	RenameChat(ctx context.Context, id uuid.UUID, name string) error
	DeleteChat(ctx context.Context, id uuid.UUID) error
	LeaveGroup(ctx context.Context, chatID, userID uuid.UUID) (*store.LeaveGroupResult, error)
	SendMessage(ctx context.Context, m *store.Message) error
	GetMessage(ctx context.Context, chatID, id uuid.UUID) (*store.Message, error)
	UpdateMessageData(ctx context.Context, chatID, id uuid.UUID, data string) error
	DeleteMessageTx(ctx context.Context, chatID, messageID uuid.UUID) ([]uuid.UUID, error)
	ListMessages(ctx context.Context, chatID uuid.UUID, border, before *uuid.UUID, limit int) ([]store.Message, error)
	ListUnreadIDs(ctx context.Context, userID, chatID uuid.UUID, limit int) ([]uuid.UUID, error)
	DeleteUnreadByChat(ctx context.Context, userID, chatID uuid.UUID) error
	DeleteUnreadByIDs(ctx context.Context, userID, chatID uuid.UUID, ids []uuid.UUID) error
	CountUnread(ctx context.Context, userID, chatID uuid.UUID) (int, error)
	ListChatSummaries(ctx context.Context, userID uuid.UUID) ([]store.ChatSummary, error)
}

// Service applies chat authorization and validation on top of the store.
type Service struct {
	store Store
}

func NewService(st Store) *Service {
	return &Service{store: st}
}

// requireMember asserts membership. Non-members get the same forbidden
// answer whether the chat exists or not.
func (s *Service) requireMember(ctx context.Context, chatID, userID uuid.UUID) error {
	ok, err := s.store.IsMember(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.KindForbidden, "forbidden")
	}
	return nil
}

func validateChatName(name string) (string, error) {
	name = strings.TrimSpace(name)
	n := utf8.RuneCountInString(name)
	if n < 3 || n > 64 {
		return "", apperr.New(apperr.KindValidation, "name must be 3-64 characters")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", apperr.New(apperr.KindValidation, "name contains invalid characters")
		}
	}
	return name, nil
}

// PersonalChatResult reports a create-personal call. Existing is true when
// the chat already existed and the call was a no-op.
type PersonalChatResult struct {
	Chat     *store.Chat
	Other    *store.User
	Existing bool
}

// CreatePersonal opens (or returns) the personal chat between the actor and
// the named user.
func (s *Service) CreatePersonal(ctx context.Context, actorID uuid.UUID, otherUsername string) (*PersonalChatResult, error) {
	other, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(otherUsername))
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "user not found")
		}
		return nil, err
	}
	if other.ID == actorID {
		return nil, apperr.New(apperr.KindValidation, "cannot start a chat with yourself")
	}

	if existing, err := s.store.FindPersonalChat(ctx, actorID, other.ID); err == nil {
		return &PersonalChatResult{Chat: existing, Other: other, Existing: true}, nil
	} else if !apperr.Is(err, apperr.KindNotFound) {
		return nil, err
	}

	if other.IntrovertMode {
		shared, err := s.store.HasAnyChat(ctx, actorID, other.ID)
		if err != nil {
			return nil, err
		}
		if !shared {
			return nil, apperr.New(apperr.KindIntrovertBlock, "user does not accept new chats")
		}
	}

	chatID := uuid.New()
	if err := s.store.CreatePersonalChat(ctx, chatID, actorID, other.ID); err != nil {
		return nil, err
	}
	return &PersonalChatResult{
		Chat:  &store.Chat{ID: chatID, Type: store.ChatTypePersonal},
		Other: other,
	}, nil
}

// CreateGroup creates a group chat with the actor as its sole member.
func (s *Service) CreateGroup(ctx context.Context, actorID uuid.UUID, name string) (*store.Chat, error) {
	name, err := validateChatName(name)
	if err != nil {
		return nil, err
	}
	chatID := uuid.New()
	if err := s.store.CreateGroupChat(ctx, chatID, name, actorID); err != nil {
		return nil, err
	}
	return &store.Chat{ID: chatID, Type: store.ChatTypeGroup, Name: &name}, nil
}

// MemberChange reports an add-member call for fan-out.
type MemberChange struct {
	Chat    *store.Chat
	Added   *store.User
	Members []uuid.UUID
}

// AddMember adds the named user to a group chat. Adding an existing member
// is a no-op.
func (s *Service) AddMember(ctx context.Context, actorID, chatID uuid.UUID, username string) (*MemberChange, error) {
	if err := s.requireMember(ctx, chatID, actorID); err != nil {
		return nil, err
	}
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if c.Type != store.ChatTypeGroup {
		return nil, apperr.New(apperr.KindValidation, "members can only be added to group chats")
	}

	target, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "user not found")
		}
		return nil, err
	}
	if target.IntrovertMode {
		shared, err := s.store.HasAnyChat(ctx, actorID, target.ID)
		if err != nil {
			return nil, err
		}
		if !shared {
			return nil, apperr.New(apperr.KindIntrovertBlock, "user does not accept new chats")
		}
	}

	if err := s.store.InsertChatMember(ctx, chatID, target.ID); err != nil {
		return nil, err
	}
	members, err := s.store.MemberIDs(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return &MemberChange{Chat: c, Added: target, Members: members}, nil
}

// RenameResult reports a rename for fan-out to current members.
type RenameResult struct {
	Chat    *store.Chat
	Members []uuid.UUID
}

// RenameGroup updates a group chat's display name.
func (s *Service) RenameGroup(ctx context.Context, actorID, chatID uuid.UUID, name string) (*RenameResult, error) {
	if err := s.requireMember(ctx, chatID, actorID); err != nil {
		return nil, err
	}
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if c.Type != store.ChatTypeGroup {
		return nil, apperr.New(apperr.KindValidation, "personal chats cannot be renamed")
	}
	name, err = validateChatName(name)
	if err != nil {
		return nil, err
	}
	if err := s.store.RenameChat(ctx, chatID, name); err != nil {
		return nil, err
	}
	c.Name = &name
	members, err := s.store.MemberIDs(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return &RenameResult{Chat: c, Members: members}, nil
}

// SendResult carries the stored message plus the member list for fan-out.
type SendResult struct {
	Message *store.Message
	Members []uuid.UUID
}

// Send stores a message and its unread rows in one transaction. Message ids
// are UUIDv7, so newer messages always compare greater.
func (s *Service) Send(ctx context.Context, senderID, chatID uuid.UUID, ciphertext string) (*SendResult, error) {
	if err := s.requireMember(ctx, chatID, senderID); err != nil {
		return nil, err
	}
	if ciphertext == "" {
		return nil, apperr.New(apperr.KindValidation, "message is empty")
	}
	if len(ciphertext) > maxCiphertextBytes {
		return nil, apperr.New(apperr.KindPayloadTooLarge, "message exceeds 50 KB")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientDB, "id generation failed", err)
	}
	m := &store.Message{ID: id, ChatID: chatID, SenderID: senderID, EncryptedData: ciphertext}
	if err := s.store.SendMessage(ctx, m); err != nil {
		return nil, err
	}
	members, err := s.store.MemberIDs(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return &SendResult{Message: m, Members: members}, nil
}

// requireSender loads the message and asserts authorship.
func (s *Service) requireSender(ctx context.Context, senderID, chatID, messageID uuid.UUID) (*store.Message, error) {
	m, err := s.store.GetMessage(ctx, chatID, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != senderID {
		return nil, apperr.New(apperr.KindForbidden, "only the sender can modify a message")
	}
	return m, nil
}

// Update replaces a message's ciphertext in place. Sender only.
func (s *Service) Update(ctx context.Context, senderID, chatID, messageID uuid.UUID, ciphertext string) (*SendResult, error) {
	if err := s.requireMember(ctx, chatID, senderID); err != nil {
		return nil, err
	}
	if ciphertext == "" {
		return nil, apperr.New(apperr.KindValidation, "message is empty")
	}
	if len(ciphertext) > maxCiphertextBytes {
		return nil, apperr.New(apperr.KindPayloadTooLarge, "message exceeds 50 KB")
	}
	m, err := s.requireSender(ctx, senderID, chatID, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateMessageData(ctx, chatID, messageID, ciphertext); err != nil {
		return nil, err
	}
	m.EncryptedData = ciphertext
	members, err := s.store.MemberIDs(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return &SendResult{Message: m, Members: members}, nil
}

// Delete removes a message; unread rows cascade. Sender only.
func (s *Service) Delete(ctx context.Context, senderID, chatID, messageID uuid.UUID) ([]uuid.UUID, error) {
	if err := s.requireMember(ctx, chatID, senderID); err != nil {
		return nil, err
	}
	if _, err := s.requireSender(ctx, senderID, chatID, messageID); err != nil {
		return nil, err
	}
	return s.store.DeleteMessageTx(ctx, chatID, messageID)
}

// LeaveResult reports a leave/delete for fan-out. For a deleted personal
// chat Members holds both former members; for a group leave it holds the
// remaining members and LeaverMessageIDs the ids to drop from their view.
type LeaveResult struct {
	ChatType         store.ChatType
	ChatDeleted      bool
	Members          []uuid.UUID
	LeaverMessageIDs []uuid.UUID
}

// Leave deletes a personal chat outright, or removes the actor from a group
// and raises the remaining members' visibility borders past the current
// newest message.
func (s *Service) Leave(ctx context.Context, actorID, chatID uuid.UUID) (*LeaveResult, error) {
	if err := s.requireMember(ctx, chatID, actorID); err != nil {
		return nil, err
	}
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	if c.Type == store.ChatTypePersonal {
		members, err := s.store.MemberIDs(ctx, chatID)
		if err != nil {
			return nil, err
		}
		if err := s.store.DeleteChat(ctx, chatID); err != nil {
			return nil, err
		}
		return &LeaveResult{ChatType: store.ChatTypePersonal, ChatDeleted: true, Members: members}, nil
	}

	res, err := s.store.LeaveGroup(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	return &LeaveResult{
		ChatType:         store.ChatTypeGroup,
		ChatDeleted:      res.ChatDeleted,
		Members:          res.RemainingMembers,
		LeaverMessageIDs: res.LeaverMessageIDs,
	}, nil
}

// History returns up to limit messages newest-first, hidden history
// excluded by the member's visibility border.
func (s *Service) History(ctx context.Context, userID, chatID uuid.UUID, limit int, before *uuid.UUID) ([]store.Message, error) {
	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return nil, err
	}
	border, err := s.store.GetMemberBorder(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, chatID, border, before, clampLimit(limit, defaultHistoryLimit, maxHistoryLimit))
}

// Unread returns up to limit unread message ids for the chat, oldest first.
func (s *Service) Unread(ctx context.Context, userID, chatID uuid.UUID, limit int) ([]uuid.UUID, error) {
	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return nil, err
	}
	return s.store.ListUnreadIDs(ctx, userID, chatID, clampLimit(limit, defaultUnreadLimit, maxUnreadLimit))
}

// MarkChatRead clears every unread row for (user, chat).
func (s *Service) MarkChatRead(ctx context.Context, userID, chatID uuid.UUID) error {
	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return err
	}
	return s.store.DeleteUnreadByChat(ctx, userID, chatID)
}

// MarkMessagesRead clears the named unread rows and returns how many remain
// for the chat.
func (s *Service) MarkMessagesRead(ctx context.Context, userID, chatID uuid.UUID, ids []uuid.UUID) (int, error) {
	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return s.store.CountUnread(ctx, userID, chatID)
	}
	if err := s.store.DeleteUnreadByIDs(ctx, userID, chatID, ids); err != nil {
		return 0, err
	}
	return s.store.CountUnread(ctx, userID, chatID)
}

// List returns the user's chats with peer identity, last visible message
// and unread counts.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]store.ChatSummary, error) {
	return s.store.ListChatSummaries(ctx, userID)
}

// Members returns the full member rows for fan-out and display.
func (s *Service) Members(ctx context.Context, userID, chatID uuid.UUID) ([]store.ChatMember, error) {
	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, chatID)
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
