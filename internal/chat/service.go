// Package chat implements the conversation rules: who may do what, and in
// which order writes are committed and announced.
package chat

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/gerychhh/germify/internal/apperr"
	"github.com/gerychhh/germify/internal/metrics"
	"github.com/gerychhh/germify/internal/models"
	"github.com/gerychhh/germify/internal/store"
)

// Notifier announces committed writes. Implemented by notify.Dispatcher.
type Notifier interface {
	MessageCreated(ctx context.Context, conv *models.Conversation, msg *models.Message)
	ChatRenamed(ctx context.Context, conv *models.Conversation)
	AvatarUpdated(ctx context.Context, conv *models.Conversation)
	MembersAdded(ctx context.Context, conv *models.Conversation, added []int64)
	MemberRemoved(ctx context.Context, conv *models.Conversation, removedID int64)
	MemberLeft(ctx context.Context, conv *models.Conversation, userID int64)
	ChatDeleted(ctx context.Context, conversationID int64, formerMembers []int64)
	RoleChanged(ctx context.Context, conv *models.Conversation, userID int64, role models.Role)
}

// Service applies the chat rules on top of a ChatStore. Every write to a
// conversation holds that conversation's lock from commit through
// notification, so events leave in commit order. When the store is shared
// between processes and implements store.ConversationLocker, the lock spans
// processes too.
type Service struct {
	store    store.ChatStore
	notifier Notifier
	locks    *keyedMutex
	logger   zerolog.Logger
}

// NewService creates a chat service.
func NewService(s store.ChatStore, notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		store:    s,
		notifier: notifier,
		locks:    newKeyedMutex(),
		logger:   logger.With().Str("component", "chat").Logger(),
	}
}

// lock takes the in-process lock of a conversation and, for shared stores,
// the cross-process one. The returned func releases both.
func (s *Service) lock(ctx context.Context, conversationID int64) (func(), error) {
	unlock := s.locks.Lock(conversationID)
	locker, ok := s.store.(store.ConversationLocker)
	if !ok {
		return unlock, nil
	}
	release, err := locker.LockConversation(ctx, conversationID)
	if err != nil {
		unlock()
		return nil, internal(err)
	}
	return func() {
		release()
		unlock()
	}, nil
}

// notifyCtx detaches notification from the request so that a client hanging
// up after commit does not cut the fan-out short.
func notifyCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func internal(err error) error {
	if err == nil {
		return nil
	}
	if apperr.CodeOf(err) != apperr.CodeUnknown {
		return err
	}
	return apperr.Internal(err)
}

// EnsureUser records the labels of an authenticated user.
func (s *Service) EnsureUser(ctx context.Context, user models.User) error {
	return internal(s.store.UpsertUser(ctx, user))
}

// loadConversation returns the conversation or ErrChatNotFound.
func (s *Service) loadConversation(ctx context.Context, conversationID int64) (*models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, internal(err)
	}
	if conv == nil {
		return nil, apperr.ErrChatNotFound
	}
	return conv, nil
}

// access loads the conversation and the actor's membership. Hidden DM
// memberships still grant access; hidden group memberships do not.
func (s *Service) access(ctx context.Context, actorID, conversationID int64) (*models.Conversation, *models.Membership, error) {
	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	m, err := s.store.GetMembership(ctx, conversationID, actorID)
	if err != nil {
		return nil, nil, internal(err)
	}
	if m == nil || (m.Hidden && conv.IsGroup()) {
		return nil, nil, apperr.ErrNotMember
	}
	return conv, m, nil
}

// manager is access restricted to owners and admins of a group.
func (s *Service) manager(ctx context.Context, actorID, conversationID int64) (*models.Conversation, *models.Membership, error) {
	conv, m, err := s.access(ctx, actorID, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if !conv.IsGroup() {
		return nil, nil, apperr.ErrNotGroup
	}
	if !m.CanManage(conv) {
		return nil, nil, apperr.ErrNotManager
	}
	return conv, m, nil
}

// OpenDM returns the DM between actor and other, creating it on first use.
func (s *Service) OpenDM(ctx context.Context, actorID, otherID int64) (*models.Conversation, error) {
	if otherID <= 0 {
		return nil, apperr.InvalidArg("invalid user id")
	}
	conv, created, err := s.store.GetOrCreateDM(ctx, actorID, otherID)
	if err != nil {
		return nil, internal(err)
	}
	if created {
		metrics.ConversationsCreated.WithLabelValues(string(models.KindDM)).Inc()
		s.logger.Debug().Int64("chat_id", conv.ID).Int64("user_id", actorID).Msg("dm created")
	}
	return conv, nil
}

// NormalizeTitle trims a group title and cuts it to MaxTitleLength runes.
func NormalizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) > models.MaxTitleLength {
		title = strings.TrimSpace(string([]rune(title)[:models.MaxTitleLength]))
	}
	return title
}

// CreateGroup creates a group owned by actor with the given members.
func (s *Service) CreateGroup(ctx context.Context, actorID int64, title string, memberIDs []int64) (*models.Conversation, error) {
	title = NormalizeTitle(title)
	if title == "" {
		return nil, apperr.ErrEmptyTitle
	}
	members := make([]int64, 0, len(memberIDs))
	seen := map[int64]bool{actorID: true}
	for _, id := range memberIDs {
		if id > 0 && !seen[id] {
			seen[id] = true
			members = append(members, id)
		}
	}
	if len(members) == 0 {
		return nil, apperr.ErrNoMembers
	}

	conv, err := s.store.CreateGroup(ctx, actorID, title, members)
	if err != nil {
		return nil, internal(err)
	}
	metrics.ConversationsCreated.WithLabelValues(string(models.KindGroup)).Inc()

	unlock, err := s.lock(notifyCtx(ctx), conv.ID)
	if err != nil {
		// The group is committed; announce it under the local lock only.
		s.logger.Warn().Err(err).Int64("chat_id", conv.ID).Msg("conversation lock failed")
		unlock = s.locks.Lock(conv.ID)
	}
	defer unlock()
	s.notifier.MembersAdded(notifyCtx(ctx), conv, members)
	return conv, nil
}

// Inbox returns the actor's visible threads.
func (s *Service) Inbox(ctx context.Context, actorID int64) ([]models.Thread, error) {
	threads, err := s.store.ListInbox(ctx, actorID)
	return threads, internal(err)
}

// UnreadTotal returns the actor's unread message count across chats.
func (s *Service) UnreadTotal(ctx context.Context, actorID int64) (int, error) {
	total, err := s.store.UnreadTotal(ctx, actorID)
	return total, internal(err)
}

// Conversation returns a chat the actor belongs to.
func (s *Service) Conversation(ctx context.Context, actorID, conversationID int64) (*models.Conversation, error) {
	conv, _, err := s.access(ctx, actorID, conversationID)
	return conv, err
}

// Members returns the active members of a chat the actor belongs to.
func (s *Service) Members(ctx context.Context, actorID, conversationID int64) ([]models.Membership, error) {
	if _, _, err := s.access(ctx, actorID, conversationID); err != nil {
		return nil, err
	}
	members, err := s.store.ListActiveMembers(ctx, conversationID)
	return members, internal(err)
}

// SendMessage commits a message from actor and announces it.
func (s *Service) SendMessage(ctx context.Context, actorID, conversationID int64, text string, attachments []models.Attachment) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(attachments) == 0 {
		return nil, apperr.ErrEmptyMessage
	}
	if len(attachments) > models.MaxAttachments {
		return nil, apperr.ErrTooManyAttachments
	}
	for _, a := range attachments {
		if strings.TrimSpace(a.URL) == "" {
			return nil, apperr.InvalidArg("attachment url is required")
		}
	}

	unlock, err := s.lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, _, err := s.access(ctx, actorID, conversationID)
	if err != nil {
		return nil, err
	}

	msg, err := s.store.SendMessage(ctx, store.NewMessage{
		ConversationID: conversationID,
		SenderID:       actorID,
		Text:           text,
		Attachments:    attachments,
	})
	if err != nil {
		return nil, internal(err)
	}
	metrics.MessagesSent.WithLabelValues(string(conv.Kind)).Inc()

	s.notifier.MessageCreated(notifyCtx(ctx), conv, msg)
	return msg, nil
}

// SendDirect opens the DM with other if needed and sends into it.
func (s *Service) SendDirect(ctx context.Context, actorID, otherID int64, text string, attachments []models.Attachment) (*models.Message, error) {
	conv, err := s.OpenDM(ctx, actorID, otherID)
	if err != nil {
		return nil, err
	}
	return s.SendMessage(ctx, actorID, conv.ID, text, attachments)
}

// Messages returns messages after the given id and marks the chat read up
// to the newest one returned.
func (s *Service) Messages(ctx context.Context, actorID, conversationID, afterID int64, limit int) ([]models.Message, error) {
	if _, _, err := s.access(ctx, actorID, conversationID); err != nil {
		return nil, err
	}
	if afterID < 0 {
		afterID = 0
	}
	msgs, err := s.store.ListMessages(ctx, conversationID, afterID, limit)
	if err != nil {
		return nil, internal(err)
	}
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1].ID
		if _, err := s.store.MarkRead(ctx, actorID, conversationID, &last); err != nil {
			return nil, internal(err)
		}
	}
	return msgs, nil
}

// MarkRead resets the actor's counter in one chat and advances the cursor.
// Marking a chat the actor is not in is a no-op.
func (s *Service) MarkRead(ctx context.Context, actorID, conversationID int64, upTo *int64) (bool, error) {
	ok, err := s.store.MarkRead(ctx, actorID, conversationID, upTo)
	return ok, internal(err)
}

// MarkReadMessages is the legacy id based mark-read. Each id resolves to the
// chat holding it; ids the actor cannot see match nothing. It returns the
// number of chats updated.
func (s *Service) MarkReadMessages(ctx context.Context, actorID int64, messageIDs []int64) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	n, err := s.store.MarkReadMessages(ctx, actorID, messageIDs)
	return n, internal(err)
}

// MarkAllRead resets every counter of the actor and returns how many chats
// changed.
func (s *Service) MarkAllRead(ctx context.Context, actorID int64) (int, error) {
	n, err := s.store.MarkAllRead(ctx, actorID)
	return n, internal(err)
}

// Rename changes a group title.
func (s *Service) Rename(ctx context.Context, actorID, conversationID int64, title string) (*models.Conversation, error) {
	title = NormalizeTitle(title)
	if title == "" {
		return nil, apperr.ErrEmptyTitle
	}

	unlock, err := s.lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, _, err := s.manager(ctx, actorID, conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.store.RenameConversation(ctx, conversationID, title); err != nil {
		return nil, internal(err)
	}
	conv.Title = title

	s.notifier.ChatRenamed(notifyCtx(ctx), conv)
	return conv, nil
}

// SetAvatar sets a group avatar URL; an empty URL removes it.
func (s *Service) SetAvatar(ctx context.Context, actorID, conversationID int64, avatarURL string) (*models.Conversation, error) {
	avatarURL = strings.TrimSpace(avatarURL)

	unlock, err := s.lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, _, err := s.manager(ctx, actorID, conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetAvatar(ctx, conversationID, avatarURL); err != nil {
		return nil, internal(err)
	}
	conv.Avatar = avatarURL

	s.notifier.AvatarUpdated(notifyCtx(ctx), conv)
	return conv, nil
}

// AddMembers adds or reactivates members and returns who became active.
func (s *Service) AddMembers(ctx context.Context, actorID, conversationID int64, userIDs []int64) ([]int64, error) {
	candidates := make([]int64, 0, len(userIDs))
	for _, id := range userIDs {
		if id > 0 && id != actorID {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return nil, apperr.ErrNoMembers
	}

	unlock, err := s.lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, _, err := s.manager(ctx, actorID, conversationID)
	if err != nil {
		return nil, err
	}
	added, err := s.store.AddMembers(ctx, conversationID, candidates)
	if err != nil {
		return nil, internal(err)
	}
	if len(added) > 0 {
		s.notifier.MembersAdded(notifyCtx(ctx), conv, added)
	}
	return added, nil
}

// RemoveMember hides target's membership. Owners may remove anyone but
// themselves; admins may remove plain members only.
func (s *Service) RemoveMember(ctx context.Context, actorID, conversationID, targetID int64) error {
	if targetID == actorID {
		return apperr.ErrRemoveSelf
	}

	unlock, err := s.lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer unlock()

	conv, me, err := s.manager(ctx, actorID, conversationID)
	if err != nil {
		return err
	}
	target, err := s.store.GetMembership(ctx, conversationID, targetID)
	if err != nil {
		return internal(err)
	}
	if target == nil || target.Hidden {
		return apperr.ErrMemberNotFound
	}

	targetRole := target.EffectiveRole(conv)
	if targetRole == models.RoleOwner {
		return apperr.ErrRemoveOwner
	}
	if me.EffectiveRole(conv) == models.RoleAdmin && targetRole != models.RoleMember {
		return apperr.ErrAdminRemovesMember
	}

	if _, err := s.store.HideMembership(ctx, conversationID, targetID); err != nil {
		return internal(err)
	}
	s.logger.Info().
		Int64("chat_id", conversationID).
		Int64("actor_id", actorID).
		Int64("user_id", targetID).
		Msg("member removed")

	s.notifier.MemberRemoved(notifyCtx(ctx), conv, targetID)
	return nil
}

// Leave hides the actor's own membership and clears its counter.
func (s *Service) Leave(ctx context.Context, actorID, conversationID int64) error {
	unlock, err := s.lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer unlock()

	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	left, err := s.store.HideMembership(ctx, conversationID, actorID)
	if err != nil {
		return internal(err)
	}
	if !left {
		return nil
	}

	s.notifier.MemberLeft(notifyCtx(ctx), conv, actorID)
	return nil
}

// DeleteGroup removes a group with its history. Every member loses access.
func (s *Service) DeleteGroup(ctx context.Context, actorID, conversationID int64) error {
	unlock, err := s.lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer unlock()

	if _, _, err := s.manager(ctx, actorID, conversationID); err != nil {
		return err
	}
	members, err := s.store.ListActiveMembers(ctx, conversationID)
	if err != nil {
		return internal(err)
	}
	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		return internal(err)
	}
	s.logger.Info().Int64("chat_id", conversationID).Int64("actor_id", actorID).Msg("group deleted")

	former := make([]int64, 0, len(members))
	for _, m := range members {
		former = append(former, m.UserID)
	}
	s.notifier.ChatDeleted(notifyCtx(ctx), conversationID, former)
	return nil
}

// SetRole promotes a member to admin or demotes an admin to member. Only the
// owner may do this, and the owner role itself cannot be assigned or taken.
func (s *Service) SetRole(ctx context.Context, actorID, conversationID, targetID int64, role models.Role) error {
	if role != models.RoleAdmin && role != models.RoleMember {
		return apperr.ErrInvalidRole
	}

	unlock, err := s.lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer unlock()

	conv, me, err := s.manager(ctx, actorID, conversationID)
	if err != nil {
		return err
	}
	if me.EffectiveRole(conv) != models.RoleOwner {
		return apperr.ErrNotOwner
	}
	target, err := s.store.GetMembership(ctx, conversationID, targetID)
	if err != nil {
		return internal(err)
	}
	if target == nil || target.Hidden {
		return apperr.ErrMemberNotFound
	}
	if target.EffectiveRole(conv) == models.RoleOwner {
		return apperr.InvalidOperation("the owner role cannot be changed")
	}
	if target.Role == role {
		return nil
	}

	if err := s.store.SetRole(ctx, conversationID, targetID, role); err != nil {
		return internal(err)
	}
	s.notifier.RoleChanged(notifyCtx(ctx), conv, targetID, role)
	return nil
}

// RepairOwnerRoles fixes groups whose creator lost the stored owner role.
func (s *Service) RepairOwnerRoles(ctx context.Context) (int64, error) {
	n, err := s.store.RepairOwnerRoles(ctx)
	if err != nil {
		return 0, internal(err)
	}
	if n > 0 {
		s.logger.Warn().Int64("rows", n).Msg("restored owner roles")
	}
	return n, nil
}
