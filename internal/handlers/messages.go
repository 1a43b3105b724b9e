package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gerychhh/germify/internal/apperr"
	"github.com/gerychhh/germify/internal/models"
)

// maxMessageLength bounds the text of a single message.
const maxMessageLength = 4000

// AttachmentRequest references an uploaded file.
type AttachmentRequest struct {
	URL          string `json:"url"`
	OriginalName string `json:"original_name"`
}

// SendMessageRequest is the body of both send endpoints.
type SendMessageRequest struct {
	Text        string              `json:"text"`
	Attachments []AttachmentRequest `json:"attachments"`
}

func (req SendMessageRequest) attachments() []models.Attachment {
	if len(req.Attachments) == 0 {
		return nil
	}
	out := make([]models.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		out = append(out, models.Attachment{URL: a.URL, OriginalName: sanitizeName(a.OriginalName)})
	}
	return out
}

// ChatReadRequest moves the read cursor of one chat.
type ChatReadRequest struct {
	LastID *int64 `json:"last_id"`
}

func (h *Handler) respondMessage(w http.ResponseWriter, r *http.Request, status int, msg *models.Message, viewerID int64) {
	rendered, err := h.render.RenderMessage(msg, viewerID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, status, map[string]json.RawMessage{"message": rendered})
}

// Messages polls a chat for messages after ?after= and marks it read.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	chatID, err := pathID(r, "id")
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		if after, err = strconv.ParseInt(v, 10, 64); err != nil {
			h.Fail(w, r, apperr.InvalidArg("invalid after"))
			return
		}
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			h.Fail(w, r, apperr.InvalidArg("invalid limit"))
			return
		}
	}

	msgs, err := h.chat.Messages(r.Context(), user.ID, chatID, after, limit)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	rendered := make([]json.RawMessage, 0, len(msgs))
	for i := range msgs {
		raw, err := h.render.RenderMessage(&msgs[i], user.ID)
		if err != nil {
			h.Fail(w, r, err)
			return
		}
		rendered = append(rendered, raw)
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"messages": rendered})
}

// SendMessage posts a message into a chat.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	chatID, err := pathID(r, "id")
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	var req SendMessageRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	if len([]rune(req.Text)) > maxMessageLength {
		h.Error(w, http.StatusUnprocessableEntity, "message too long (max 4000 characters)")
		return
	}

	msg, err := h.chat.SendMessage(r.Context(), user.ID, chatID, req.Text, req.attachments())
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.respondMessage(w, r, http.StatusCreated, msg, user.ID)
}

// MarkRead resets the caller's counter in a chat.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	chatID, err := pathID(r, "id")
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	var req ChatReadRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	updated, err := h.chat.MarkRead(r.Context(), user.ID, chatID, req.LastID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	total, err := h.chat.UnreadTotal(r.Context(), user.ID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"updated": updated, "unread_total": total})
}
