package models

import "time"

// Role is a member's permission level inside a group.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// Weight orders roles for member listings (owner first).
func (r Role) Weight() int {
	switch r {
	case RoleOwner:
		return 0
	case RoleAdmin:
		return 1
	case RoleMember:
		return 2
	}
	return 9
}

// Membership links a user to a conversation and carries its unread state.
type Membership struct {
	ConversationID    int64     `json:"chat_id"`
	UserID            int64     `json:"user_id"`
	Role              Role      `json:"role"`
	UnreadCount       int       `json:"unread_count"`
	LastReadMessageID *int64    `json:"last_read_message_id,omitempty"`
	Hidden            bool      `json:"hidden"`
	JoinedAt          time.Time `json:"joined_at"`
}

// EffectiveRole returns the role used for permission checks. The creator of
// a group is always its owner regardless of the stored value.
func (m *Membership) EffectiveRole(conv *Conversation) Role {
	if conv.IsGroup() && conv.IsCreator(m.UserID) {
		return RoleOwner
	}
	return m.Role
}

// CanManage reports whether the member may rename, change the avatar,
// or add and remove members.
func (m *Membership) CanManage(conv *Conversation) bool {
	if !conv.IsGroup() || m.Hidden {
		return false
	}
	role := m.EffectiveRole(conv)
	return role == RoleOwner || role == RoleAdmin
}

// Thread is one inbox row: a membership with its conversation, the last
// message and, for DMs, the peer.
type Thread struct {
	Conversation Conversation `json:"chat"`
	Membership   Membership   `json:"membership"`
	LastMessage  *Message     `json:"last_message,omitempty"`
	OtherUser    *User        `json:"other_user,omitempty"`

	// LastMessageHasFiles reports attachments on LastMessage, which the
	// inbox query does not load.
	LastMessageHasFiles bool `json:"last_message_has_files,omitempty"`
}
