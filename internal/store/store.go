package store

import (
	"context"

	"github.com/gerychhh/germify/internal/models"
)

// NewMessage is the input of SendMessage.
type NewMessage struct {
	ConversationID int64
	SenderID       int64
	Text           string
	Attachments    []models.Attachment
}

// ConversationLocker is implemented by stores shared between processes. The
// lock serializes writers of one conversation across every process until
// release is called.
type ConversationLocker interface {
	LockConversation(ctx context.Context, conversationID int64) (release func(), err error)
}

// ChatStore defines persistent storage for conversations, memberships,
// messages and the unread ledger. Both PostgresStore and SQLiteStore
// implement this interface.
//
// Getters return (nil, nil) when the row does not exist.
type ChatStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Users
	UpsertUser(ctx context.Context, user models.User) error
	GetUser(ctx context.Context, id int64) (*models.User, error)

	// Conversations
	GetOrCreateDM(ctx context.Context, userA, userB int64) (*models.Conversation, bool, error)
	CreateGroup(ctx context.Context, ownerID int64, title string, memberIDs []int64) (*models.Conversation, error)
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	RenameConversation(ctx context.Context, id int64, title string) error
	SetAvatar(ctx context.Context, id int64, avatarURL string) error
	DeleteConversation(ctx context.Context, id int64) error
	ListInbox(ctx context.Context, userID int64) ([]models.Thread, error)

	// Memberships
	GetMembership(ctx context.Context, conversationID, userID int64) (*models.Membership, error)
	ListActiveMembers(ctx context.Context, conversationID int64) ([]models.Membership, error)
	AddMembers(ctx context.Context, conversationID int64, userIDs []int64) ([]int64, error)
	HideMembership(ctx context.Context, conversationID, userID int64) (bool, error)
	SetRole(ctx context.Context, conversationID, userID int64, role models.Role) error
	RepairOwnerRoles(ctx context.Context) (int64, error)

	// Messages
	SendMessage(ctx context.Context, msg NewMessage) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID, afterID int64, limit int) ([]models.Message, error)

	// Unread ledger
	MarkRead(ctx context.Context, userID, conversationID int64, upTo *int64) (bool, error)
	MarkReadMessages(ctx context.Context, userID int64, messageIDs []int64) (int, error)
	MarkAllRead(ctx context.Context, userID int64) (int, error)
	UnreadTotal(ctx context.Context, userID int64) (int, error)
}

// dedupeIDs drops duplicates and the excluded id while keeping order.
func dedupeIDs(ids []int64, exclude int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id == exclude || id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
