package store

import (
	"time"

	"github.com/gerychhh/germify/internal/models"
)

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const conversationColumns = `c.id, c.kind, c.title, c.avatar_url, c.dm_user1, c.dm_user2,
	c.created_by, c.created_at, c.last_activity_at, c.last_message_id`

const membershipColumns = `m.chat_id, m.user_id, m.role, m.unread_count,
	m.last_read_message_id, m.is_hidden, m.joined_at`

const messageColumns = `msg.id, msg.chat_id, msg.sender_id, msg.text, msg.created_at, msg.edited_at,
	su.username, su.display_name`

func scanConversation(row rowScanner) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var kind string
	var dm1, dm2 *int64
	err := row.Scan(
		&conv.ID,
		&kind,
		&conv.Title,
		&conv.Avatar,
		&dm1,
		&dm2,
		&conv.CreatedBy,
		&conv.CreatedAt,
		&conv.LastActivityAt,
		&conv.LastMessageID,
	)
	if err != nil {
		return nil, err
	}
	conv.Kind = models.Kind(kind)
	if dm1 != nil {
		conv.DMUser1 = *dm1
	}
	if dm2 != nil {
		conv.DMUser2 = *dm2
	}
	return conv, nil
}

func scanMembership(row rowScanner) (*models.Membership, error) {
	m := &models.Membership{}
	var role string
	err := row.Scan(
		&m.ConversationID,
		&m.UserID,
		&role,
		&m.UnreadCount,
		&m.LastReadMessageID,
		&m.Hidden,
		&m.JoinedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Role = models.Role(role)
	return m, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var username, displayName *string
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Text,
		&msg.CreatedAt,
		&msg.EditedAt,
		&username,
		&displayName,
	)
	if err != nil {
		return nil, err
	}
	msg.Sender = userFromNullable(msg.SenderID, username, displayName)
	return msg, nil
}

// inboxQuery selects one row per non-hidden membership of a user, joined
// with the conversation, the message behind last_message_id, its sender and
// the DM peer. Placeholder syntax is filled in by each store.
const inboxSelect = `SELECT ` + conversationColumns + `, ` + membershipColumns + `,
	lm.id, lm.sender_id, lm.text, lm.created_at, lm.edited_at,
	EXISTS (SELECT 1 FROM chat_message_attachments a WHERE a.message_id = lm.id),
	su.username, su.display_name,
	ou.username, ou.display_name
FROM chat_members m
JOIN chats c ON c.id = m.chat_id
LEFT JOIN chat_messages lm ON lm.id = c.last_message_id
LEFT JOIN users su ON su.id = lm.sender_id
LEFT JOIN users ou ON c.kind = 'dm' AND ou.id = CASE WHEN c.dm_user1 = m.user_id THEN c.dm_user2 ELSE c.dm_user1 END`

const inboxOrder = `ORDER BY c.last_activity_at DESC, c.id DESC`

func scanThread(row rowScanner) (*models.Thread, error) {
	t := &models.Thread{}
	var kind, role string
	var dm1, dm2 *int64

	var lastID, lastSender *int64
	var lastText *string
	var lastCreated, lastEdited *time.Time
	var senderName, senderDisplay *string
	var otherName, otherDisplay *string

	err := row.Scan(
		&t.Conversation.ID,
		&kind,
		&t.Conversation.Title,
		&t.Conversation.Avatar,
		&dm1,
		&dm2,
		&t.Conversation.CreatedBy,
		&t.Conversation.CreatedAt,
		&t.Conversation.LastActivityAt,
		&t.Conversation.LastMessageID,
		&t.Membership.ConversationID,
		&t.Membership.UserID,
		&role,
		&t.Membership.UnreadCount,
		&t.Membership.LastReadMessageID,
		&t.Membership.Hidden,
		&t.Membership.JoinedAt,
		&lastID,
		&lastSender,
		&lastText,
		&lastCreated,
		&lastEdited,
		&t.LastMessageHasFiles,
		&senderName,
		&senderDisplay,
		&otherName,
		&otherDisplay,
	)
	if err != nil {
		return nil, err
	}

	t.Conversation.Kind = models.Kind(kind)
	if dm1 != nil {
		t.Conversation.DMUser1 = *dm1
	}
	if dm2 != nil {
		t.Conversation.DMUser2 = *dm2
	}
	t.Membership.Role = models.Role(role)

	if lastID != nil {
		msg := &models.Message{
			ID:             *lastID,
			ConversationID: t.Conversation.ID,
			EditedAt:       lastEdited,
		}
		if lastSender != nil {
			msg.SenderID = *lastSender
			msg.Sender = userFromNullable(*lastSender, senderName, senderDisplay)
		}
		if lastText != nil {
			msg.Text = *lastText
		}
		if lastCreated != nil {
			msg.CreatedAt = *lastCreated
		}
		t.LastMessage = msg
	}

	if other := t.Conversation.OtherParticipant(t.Membership.UserID); other != 0 {
		t.OtherUser = userFromNullable(other, otherName, otherDisplay)
	}
	return t, nil
}

func userFromNullable(id int64, username, displayName *string) *models.User {
	u := &models.User{ID: id}
	if username != nil {
		u.Username = *username
	}
	if displayName != nil {
		u.DisplayName = *displayName
	}
	return u
}
