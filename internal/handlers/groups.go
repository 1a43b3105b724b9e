package handlers

import (
	"net/http"
	"strings"
	"unicode"

	"github.com/gerychhh/germify/internal/models"
)

// CreateGroupRequest is the body of the create group endpoint.
type CreateGroupRequest struct {
	Title     string  `json:"title"`
	MemberIDs []int64 `json:"member_ids"`
}

// TitleRequest renames a group.
type TitleRequest struct {
	Title string `json:"title"`
}

// AvatarRequest sets a group avatar; an empty URL removes it.
type AvatarRequest struct {
	AvatarURL string `json:"avatar_url"`
}

// AddMembersRequest adds users to a group.
type AddMembersRequest struct {
	UserIDs []int64 `json:"user_ids"`
}

// RoleRequest changes a member's role.
type RoleRequest struct {
	Role models.Role `json:"role"`
}

// sanitizeName trims a user supplied label and removes control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
}

// CreateGroup creates a group owned by the caller.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req CreateGroupRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	conv, err := h.chat.CreateGroup(r.Context(), user.ID, sanitizeName(req.Title), req.MemberIDs)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, map[string]interface{}{"chat": conv})
}

// Rename changes a group title.
func (h *Handler) Rename(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	chatID, err := pathID(r, "id")
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	var req TitleRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	conv, err := h.chat.Rename(r.Context(), user.ID, chatID, sanitizeName(req.Title))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"chat": conv})
}

// SetAvatar sets or removes a group avatar.
func (h *Handler) SetAvatar(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	chatID, err := pathID(r, "id")
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	var req AvatarRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	conv, err := h.chat.SetAvatar(r.Context(), user.ID, chatID, req.AvatarURL)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"chat": conv})
}

// AddMembers adds users to a group.
func (h *Handler) AddMembers(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	chatID, err := pathID(r, "id")
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	var req AddMembersRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	added, err := h.chat.AddMembers(r.Context(), user.ID, chatID, req.UserIDs)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string][]int64{"added": added})
}

// RemoveMember removes a member from a group.
func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	chatID, err := pathID(r, "id")
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	targetID, err := pathID(r, "userID")
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	if err := h.chat.RemoveMember(r.Context(), user.ID, chatID, targetID); err != nil {
		h.Fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetRole promotes or demotes a member.
func (h *Handler) SetRole(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	chatID, err := pathID(r, "id")
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	targetID, err := pathID(r, "userID")
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	var req RoleRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	if err := h.chat.SetRole(r.Context(), user.ID, chatID, targetID, req.Role); err != nil {
		h.Fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Leave hides the caller's membership.
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	chatID, err := pathID(r, "id")
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	if err := h.chat.Leave(r.Context(), user.ID, chatID); err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"redirect_url": h.inboxURL})
}

// DeleteGroup deletes a group and its history.
func (h *Handler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	chatID, err := pathID(r, "id")
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	if err := h.chat.DeleteGroup(r.Context(), user.ID, chatID); err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"redirect_url": h.inboxURL})
}
