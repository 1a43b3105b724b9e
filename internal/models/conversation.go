package models

import "time"

// Kind distinguishes two-party chats from group chats.
type Kind string

const (
	KindDM    Kind = "dm"
	KindGroup Kind = "group"
)

// MaxTitleLength is the longest group title stored.
const MaxTitleLength = 120

// Conversation is a DM or group chat thread.
type Conversation struct {
	ID     int64  `json:"id"`
	Kind   Kind   `json:"kind"`
	Title  string `json:"title,omitempty"`
	Avatar string `json:"avatar_url,omitempty"`

	// DMUser1 < DMUser2 for DMs; both zero for groups.
	DMUser1 int64 `json:"dm_user1,omitempty"`
	DMUser2 int64 `json:"dm_user2,omitempty"`

	CreatedBy      *int64    `json:"created_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	LastMessageID  *int64    `json:"last_message_id,omitempty"`
}

// IsGroup reports whether the conversation is a group chat.
func (c *Conversation) IsGroup() bool {
	return c.Kind == KindGroup
}

// IsCreator reports whether userID created the conversation.
func (c *Conversation) IsCreator(userID int64) bool {
	return c.CreatedBy != nil && *c.CreatedBy == userID
}

// OtherParticipant returns the DM peer of userID, or 0 for groups.
func (c *Conversation) OtherParticipant(userID int64) int64 {
	if c.Kind != KindDM {
		return 0
	}
	if c.DMUser1 == userID {
		return c.DMUser2
	}
	return c.DMUser1
}

// OrderedPair normalizes a DM pair so that the smaller id comes first.
func OrderedPair(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}
