package notify

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/gerychhh/germify/internal/models"
)

// Renderer turns committed entities into the payloads embedded in events.
// Implementations must be pure: same input, same output.
type Renderer interface {
	RenderMessage(msg *models.Message, viewerID int64) (json.RawMessage, error)
	RenderInbox(threads []models.Thread, viewerID int64) (json.RawMessage, error)
}

// JSONRenderer renders structured JSON for clients that build their own UI.
type JSONRenderer struct{}

// previewLength bounds the last message text shown in inbox rows.
const previewLength = 80

type renderedUser struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

type renderedMessage struct {
	ID          int64               `json:"id"`
	ChatID      int64               `json:"chat_id"`
	Sender      renderedUser        `json:"sender"`
	Text        string              `json:"text"`
	CreatedAt   time.Time           `json:"created_at"`
	EditedAt    *time.Time          `json:"edited_at,omitempty"`
	Outgoing    bool                `json:"outgoing"`
	Attachments []models.Attachment `json:"attachments"`
}

type renderedPreview struct {
	ID        int64     `json:"id"`
	SenderID  int64     `json:"sender_id"`
	Text      string    `json:"text"`
	HasFiles  bool      `json:"has_files,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Outgoing  bool      `json:"outgoing"`
}

type renderedThread struct {
	ChatID         int64            `json:"chat_id"`
	Kind           models.Kind      `json:"kind"`
	Title          string           `json:"title"`
	AvatarURL      string           `json:"avatar_url,omitempty"`
	OtherUser      *renderedUser    `json:"other_user,omitempty"`
	Role           models.Role      `json:"role"`
	UnreadCount    int              `json:"unread_count"`
	LastActivityAt time.Time        `json:"last_activity_at"`
	LastMessage    *renderedPreview `json:"last_message,omitempty"`
}

func renderUser(u *models.User, fallbackID int64) renderedUser {
	if u == nil {
		return renderedUser{ID: fallbackID}
	}
	return renderedUser{ID: u.ID, Username: u.Username, DisplayName: u.Label()}
}

// RenderMessage renders one message as seen by viewerID.
func (JSONRenderer) RenderMessage(msg *models.Message, viewerID int64) (json.RawMessage, error) {
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	return json.Marshal(renderedMessage{
		ID:          msg.ID,
		ChatID:      msg.ConversationID,
		Sender:      renderUser(msg.Sender, msg.SenderID),
		Text:        msg.Text,
		CreatedAt:   msg.CreatedAt,
		EditedAt:    msg.EditedAt,
		Outgoing:    msg.SenderID == viewerID,
		Attachments: attachments,
	})
}

// RenderInbox renders the inbox rows of viewerID in the given order.
func (JSONRenderer) RenderInbox(threads []models.Thread, viewerID int64) (json.RawMessage, error) {
	rows := make([]renderedThread, 0, len(threads))
	for i := range threads {
		t := &threads[i]
		row := renderedThread{
			ChatID:         t.Conversation.ID,
			Kind:           t.Conversation.Kind,
			Title:          t.Conversation.Title,
			AvatarURL:      t.Conversation.Avatar,
			Role:           t.Membership.EffectiveRole(&t.Conversation),
			UnreadCount:    t.Membership.UnreadCount,
			LastActivityAt: t.Conversation.LastActivityAt,
		}
		if t.OtherUser != nil {
			u := renderUser(t.OtherUser, t.OtherUser.ID)
			row.OtherUser = &u
			if row.Title == "" {
				row.Title = t.OtherUser.Label()
			}
		}
		if m := t.LastMessage; m != nil {
			row.LastMessage = &renderedPreview{
				ID:        m.ID,
				SenderID:  m.SenderID,
				Text:      truncate(m.Text, previewLength),
				HasFiles:  len(m.Attachments) > 0 || t.LastMessageHasFiles,
				CreatedAt: m.CreatedAt,
				Outgoing:  m.SenderID == viewerID,
			}
		}
		rows = append(rows, row)
	}
	return json.Marshal(rows)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
