package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/gerychhh/germify/internal/api/middleware"
	"github.com/gerychhh/germify/internal/apperr"
	"github.com/gerychhh/germify/internal/chat"
	"github.com/gerychhh/germify/internal/models"
	"github.com/gerychhh/germify/internal/notify"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	chat     *chat.Service
	render   notify.Renderer
	store    Pinger
	redis    Pinger
	conns    ConnCounter
	nodeID   string
	inboxURL string
	started  time.Time
	logger   zerolog.Logger
}

// Deps wires a Handler. Redis may be nil when the in-memory broker is used.
type Deps struct {
	Chat     *chat.Service
	Renderer notify.Renderer
	Store    Pinger
	Redis    Pinger
	Conns    ConnCounter
	NodeID   string
	InboxURL string
	Logger   zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		chat:     d.Chat,
		render:   d.Renderer,
		store:    d.Store,
		redis:    d.Redis,
		conns:    d.Conns,
		nodeID:   d.NodeID,
		inboxURL: d.InboxURL,
		started:  time.Now(),
		logger:   d.Logger.With().Str("component", "http").Logger(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Fail translates err into a status code and error body. Internal errors are
// logged and hidden from the client.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperr.AppError
	if !errors.As(err, &appErr) || appErr.Code == apperr.CodeInternal {
		h.logger.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		h.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.Error(w, appErr.Code.HTTPStatus(), appErr.Message)
}

// currentUser returns the authenticated user or writes 401.
func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		h.Error(w, http.StatusUnauthorized, "authentication required")
	}
	return user, ok
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.InvalidArg("invalid JSON body")
	}
	return nil
}

// pathID parses a positive integer URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.InvalidArg("invalid " + name)
	}
	return id, nil
}
