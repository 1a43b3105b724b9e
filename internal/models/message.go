package models

import "time"

// MaxAttachments is the upper bound of files per message.
const MaxAttachments = 10

// Message is a chat message. IDs increase monotonically and double as read cursors.
type Message struct {
	ID             int64        `json:"id"`
	ConversationID int64        `json:"chat_id"`
	SenderID       int64        `json:"sender_id"`
	Sender         *User        `json:"sender,omitempty"`
	Text           string       `json:"text"`
	CreatedAt      time.Time    `json:"created_at"`
	EditedAt       *time.Time   `json:"edited_at,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Attachment references a stored file. The bytes live in external storage.
type Attachment struct {
	ID           int64  `json:"id"`
	MessageID    int64  `json:"message_id"`
	URL          string `json:"url"`
	OriginalName string `json:"original_name,omitempty"`
}
