package handlers

import (
	"net/http"
)

// OpenDM returns the direct chat with another user, creating it on first use.
func (h *Handler) OpenDM(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	otherID, err := pathID(r, "userID")
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	conv, err := h.chat.OpenDM(r.Context(), user.ID, otherID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"chat": conv})
}

// SendDM sends a message to another user, opening the DM if needed.
func (h *Handler) SendDM(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	otherID, err := pathID(r, "userID")
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	var req SendMessageRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	msg, err := h.chat.SendDirect(r.Context(), user.ID, otherID, req.Text, req.attachments())
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.respondMessage(w, r, http.StatusCreated, msg, user.ID)
}
