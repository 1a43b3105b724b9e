package handlers

import (
	"net/http"
	"time"

	"github.com/gerychhh/germify/internal/models"
)

// MarkReadRequest is the legacy mark-read body. No ids marks every chat read.
type MarkReadRequest struct {
	IDs []int64 `json:"ids"`
}

// MemberResponse is one row of a chat's member list.
type MemberResponse struct {
	UserID   int64       `json:"user_id"`
	Role     models.Role `json:"role"`
	JoinedAt time.Time   `json:"joined_at"`
}

// Inbox returns the caller's threads, newest activity first.
func (h *Handler) Inbox(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	threads, err := h.chat.Inbox(r.Context(), user.ID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	rendered, err := h.render.RenderInbox(threads, user.ID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	total, err := h.chat.UnreadTotal(r.Context(), user.ID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]interface{}{
		"threads":      rendered,
		"unread_total": total,
	})
}

// Unread returns the caller's unread total.
func (h *Handler) Unread(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	total, err := h.chat.UnreadTotal(r.Context(), user.ID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]int{"count": total})
}

// MarkReadMessages marks the chats holding the given message ids read. An
// empty id list marks every chat read.
func (h *Handler) MarkReadMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req MarkReadRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	var updated int
	var err error
	if len(req.IDs) == 0 {
		updated, err = h.chat.MarkAllRead(r.Context(), user.ID)
	} else {
		updated, err = h.chat.MarkReadMessages(r.Context(), user.ID, req.IDs)
	}
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	total, err := h.chat.UnreadTotal(r.Context(), user.ID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]int{"updated": updated, "unread_total": total})
}

// Chat returns a chat with its active members.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	chatID, err := pathID(r, "id")
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	conv, err := h.chat.Conversation(r.Context(), user.ID, chatID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	members, err := h.chat.Members(r.Context(), user.ID, chatID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	resp := make([]MemberResponse, 0, len(members))
	for i := range members {
		resp = append(resp, MemberResponse{
			UserID:   members[i].UserID,
			Role:     members[i].EffectiveRole(conv),
			JoinedAt: members[i].JoinedAt,
		})
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{
		"chat":    conv,
		"members": resp,
	})
}
