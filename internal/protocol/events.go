// Package protocol defines the JSON frames exchanged on the notifications
// socket.
package protocol

import "encoding/json"

// Outbound event types.
const (
	TypeUnreadTotal   = "unread_total"
	TypeMessageNew    = "message_new"
	TypeChatRenamed   = "chat_renamed"
	TypeMemberAdded   = "chat_member_added"
	TypeMemberRemoved = "chat_member_removed"
	TypeAccessRevoked = "chat_access_revoked"
	TypeAvatarUpdated = "chat_avatar_updated"
	TypeRoleChanged   = "chat_member_role_changed"
)

// Reasons carried by chat_access_revoked.
const (
	RevokeRemoved = "removed"
	RevokeLeft    = "left"
	RevokeDeleted = "deleted"
)

// Event is any outbound frame.
type Event interface {
	EventType() string
}

// ChatState is the per-recipient state attached to every chat event.
type ChatState struct {
	InboxSnapshot json.RawMessage `json:"inbox_snapshot"`
	UnreadTotal   int             `json:"unread_total"`
}

type UnreadTotal struct {
	Type    string `json:"type"`
	Count   int    `json:"count"`
	Updated *int   `json:"updated,omitempty"`
}

func (UnreadTotal) EventType() string { return TypeUnreadTotal }

// NewUnreadTotal builds an unread_total frame. updated is set only in
// answers to mark_read.
func NewUnreadTotal(count int, updated *int) UnreadTotal {
	return UnreadTotal{Type: TypeUnreadTotal, Count: count, Updated: updated}
}

type MessageNew struct {
	Type          string          `json:"type"`
	MessageID     int64           `json:"message_id"`
	ChatID        int64           `json:"chat_id"`
	ChatKind      string          `json:"chat_kind"`
	Payload       json.RawMessage `json:"payload"`
	Incoming      bool            `json:"incoming"`
	OtherUsername string          `json:"other_username,omitempty"`
	ChatState
}

func (MessageNew) EventType() string { return TypeMessageNew }

type ChatRenamed struct {
	Type          string `json:"type"`
	ChatID        int64  `json:"chat_id"`
	Title         string `json:"title"`
	RefreshHeader bool   `json:"refresh_header"`
	ChatState
}

func (ChatRenamed) EventType() string { return TypeChatRenamed }

type MemberAdded struct {
	Type          string  `json:"type"`
	ChatID        int64   `json:"chat_id"`
	AddedUserIDs  []int64 `json:"added_user_ids"`
	RefreshHeader bool    `json:"refresh_header"`
	ChatState
}

func (MemberAdded) EventType() string { return TypeMemberAdded }

type MemberRemoved struct {
	Type          string `json:"type"`
	ChatID        int64  `json:"chat_id"`
	RemovedUserID int64  `json:"removed_user_id"`
	RefreshHeader bool   `json:"refresh_header"`
	ChatState
}

func (MemberRemoved) EventType() string { return TypeMemberRemoved }

// AccessRevoked is the terminal event for a user who lost access to a chat.
type AccessRevoked struct {
	Type        string `json:"type"`
	ChatID      int64  `json:"chat_id"`
	RedirectURL string `json:"redirect_url"`
	Reason      string `json:"reason"`
	ChatState
}

func (AccessRevoked) EventType() string { return TypeAccessRevoked }

type AvatarUpdated struct {
	Type      string `json:"type"`
	ChatID    int64  `json:"chat_id"`
	AvatarURL string `json:"avatar_url"`
	ChatState
}

func (AvatarUpdated) EventType() string { return TypeAvatarUpdated }

type RoleChanged struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chat_id"`
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
	ChatState
}

func (RoleChanged) EventType() string { return TypeRoleChanged }

// Encode marshals an event into a frame.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}
