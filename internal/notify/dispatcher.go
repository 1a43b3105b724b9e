// Package notify turns committed chat writes into per-recipient events.
package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/gerychhh/germify/internal/metrics"
	"github.com/gerychhh/germify/internal/models"
	"github.com/gerychhh/germify/internal/protocol"
)

// StateReader is the read side of the chat store used to build
// per-recipient state after a commit.
type StateReader interface {
	ListActiveMembers(ctx context.Context, conversationID int64) ([]models.Membership, error)
	ListInbox(ctx context.Context, userID int64) ([]models.Thread, error)
	UnreadTotal(ctx context.Context, userID int64) (int, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
}

// Dispatcher fans committed writes out to every affected user. It must be
// called only after the write's transaction has committed. Failures for one
// recipient are logged and counted and never reach the caller.
type Dispatcher struct {
	state       StateReader
	renderer    Renderer
	deliverer   Deliverer
	redirectURL string
	logger      zerolog.Logger
}

// NewDispatcher creates a dispatcher. redirectURL is where clients that lose
// access to a chat are sent.
func NewDispatcher(state StateReader, renderer Renderer, deliverer Deliverer, redirectURL string, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		state:       state,
		renderer:    renderer,
		deliverer:   deliverer,
		redirectURL: redirectURL,
		logger:      logger.With().Str("component", "dispatcher").Logger(),
	}
}

// activeMembers returns the user ids of the conversation's non-hidden members.
func (d *Dispatcher) activeMembers(ctx context.Context, conversationID int64) []int64 {
	members, err := d.state.ListActiveMembers(ctx, conversationID)
	if err != nil {
		metrics.DeliveryFailures.WithLabelValues("snapshot").Inc()
		d.logger.Error().Err(err).Int64("chat_id", conversationID).Msg("failed to list recipients")
		return nil
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	return ids
}

// chatState renders the inbox snapshot and unread total of userID.
func (d *Dispatcher) chatState(ctx context.Context, userID int64) (protocol.ChatState, bool) {
	threads, err := d.state.ListInbox(ctx, userID)
	if err != nil {
		metrics.DeliveryFailures.WithLabelValues("snapshot").Inc()
		d.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to load inbox")
		return protocol.ChatState{}, false
	}
	total, err := d.state.UnreadTotal(ctx, userID)
	if err != nil {
		metrics.DeliveryFailures.WithLabelValues("snapshot").Inc()
		d.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to load unread total")
		return protocol.ChatState{}, false
	}
	inbox, err := d.renderer.RenderInbox(threads, userID)
	if err != nil {
		metrics.DeliveryFailures.WithLabelValues("render").Inc()
		d.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to render inbox")
		return protocol.ChatState{}, false
	}
	return protocol.ChatState{InboxSnapshot: inbox, UnreadTotal: total}, true
}

func (d *Dispatcher) deliver(ctx context.Context, userID int64, event protocol.Event) {
	if err := d.deliverer.Deliver(ctx, userID, event); err != nil {
		metrics.DeliveryFailures.WithLabelValues("publish").Inc()
		d.logger.Error().
			Err(err).
			Int64("user_id", userID).
			Str("type", event.EventType()).
			Msg("failed to deliver event")
		return
	}
	metrics.EventsPushed.WithLabelValues(event.EventType()).Inc()
}

// MessageCreated pushes message_new to every active member, sender included.
func (d *Dispatcher) MessageCreated(ctx context.Context, conv *models.Conversation, msg *models.Message) {
	recipients := d.activeMembers(ctx, conv.ID)

	var usernames map[int64]string
	if conv.Kind == models.KindDM {
		usernames = d.usernames(ctx, conv.DMUser1, conv.DMUser2)
	}

	for _, userID := range recipients {
		payload, err := d.renderer.RenderMessage(msg, userID)
		if err != nil {
			metrics.DeliveryFailures.WithLabelValues("render").Inc()
			d.logger.Error().Err(err).Int64("user_id", userID).Int64("message_id", msg.ID).Msg("failed to render message")
			continue
		}
		state, ok := d.chatState(ctx, userID)
		if !ok {
			continue
		}
		event := protocol.MessageNew{
			Type:      protocol.TypeMessageNew,
			MessageID: msg.ID,
			ChatID:    conv.ID,
			ChatKind:  string(conv.Kind),
			Payload:   payload,
			Incoming:  userID != msg.SenderID,
			ChatState: state,
		}
		if usernames != nil {
			event.OtherUsername = usernames[conv.OtherParticipant(userID)]
		}
		d.deliver(ctx, userID, event)
	}
}

func (d *Dispatcher) usernames(ctx context.Context, ids ...int64) map[int64]string {
	names := make(map[int64]string, len(ids))
	for _, id := range ids {
		u, err := d.state.GetUser(ctx, id)
		if err != nil {
			d.logger.Warn().Err(err).Int64("user_id", id).Msg("failed to load user label")
			continue
		}
		if u != nil {
			names[id] = u.Username
		}
	}
	return names
}

// ChatRenamed pushes chat_renamed to every active member.
func (d *Dispatcher) ChatRenamed(ctx context.Context, conv *models.Conversation) {
	for _, userID := range d.activeMembers(ctx, conv.ID) {
		state, ok := d.chatState(ctx, userID)
		if !ok {
			continue
		}
		d.deliver(ctx, userID, protocol.ChatRenamed{
			Type:          protocol.TypeChatRenamed,
			ChatID:        conv.ID,
			Title:         conv.Title,
			RefreshHeader: true,
			ChatState:     state,
		})
	}
}

// AvatarUpdated pushes chat_avatar_updated to every active member.
func (d *Dispatcher) AvatarUpdated(ctx context.Context, conv *models.Conversation) {
	for _, userID := range d.activeMembers(ctx, conv.ID) {
		state, ok := d.chatState(ctx, userID)
		if !ok {
			continue
		}
		d.deliver(ctx, userID, protocol.AvatarUpdated{
			Type:      protocol.TypeAvatarUpdated,
			ChatID:    conv.ID,
			AvatarURL: conv.Avatar,
			ChatState: state,
		})
	}
}

// MembersAdded pushes chat_member_added to every active member, new members
// included.
func (d *Dispatcher) MembersAdded(ctx context.Context, conv *models.Conversation, added []int64) {
	for _, userID := range d.activeMembers(ctx, conv.ID) {
		state, ok := d.chatState(ctx, userID)
		if !ok {
			continue
		}
		d.deliver(ctx, userID, protocol.MemberAdded{
			Type:          protocol.TypeMemberAdded,
			ChatID:        conv.ID,
			AddedUserIDs:  added,
			RefreshHeader: true,
			ChatState:     state,
		})
	}
}

// MemberRemoved revokes access for the removed user first, then tells the
// remaining members.
func (d *Dispatcher) MemberRemoved(ctx context.Context, conv *models.Conversation, removedID int64) {
	d.memberGone(ctx, conv, removedID, protocol.RevokeRemoved)
}

// MemberLeft is MemberRemoved for a voluntary leave.
func (d *Dispatcher) MemberLeft(ctx context.Context, conv *models.Conversation, userID int64) {
	d.memberGone(ctx, conv, userID, protocol.RevokeLeft)
}

func (d *Dispatcher) memberGone(ctx context.Context, conv *models.Conversation, goneID int64, reason string) {
	d.revoke(ctx, conv.ID, goneID, reason)
	if !conv.IsGroup() {
		return
	}

	for _, userID := range d.activeMembers(ctx, conv.ID) {
		if userID == goneID {
			continue
		}
		state, ok := d.chatState(ctx, userID)
		if !ok {
			continue
		}
		d.deliver(ctx, userID, protocol.MemberRemoved{
			Type:          protocol.TypeMemberRemoved,
			ChatID:        conv.ID,
			RemovedUserID: goneID,
			RefreshHeader: true,
			ChatState:     state,
		})
	}
}

// ChatDeleted revokes access for every former member. The conversation no
// longer exists, so the caller supplies who was in it.
func (d *Dispatcher) ChatDeleted(ctx context.Context, conversationID int64, formerMembers []int64) {
	for _, userID := range formerMembers {
		d.revoke(ctx, conversationID, userID, protocol.RevokeDeleted)
	}
}

// revoke is delivered even when the state cannot be loaded; the client
// still has to leave the chat.
func (d *Dispatcher) revoke(ctx context.Context, conversationID, userID int64, reason string) {
	state, _ := d.chatState(ctx, userID)
	d.deliver(ctx, userID, protocol.AccessRevoked{
		Type:        protocol.TypeAccessRevoked,
		ChatID:      conversationID,
		RedirectURL: d.redirectURL,
		Reason:      reason,
		ChatState:   state,
	})
}

// RoleChanged pushes chat_member_role_changed to every active member.
func (d *Dispatcher) RoleChanged(ctx context.Context, conv *models.Conversation, userID int64, role models.Role) {
	for _, recipient := range d.activeMembers(ctx, conv.ID) {
		state, ok := d.chatState(ctx, recipient)
		if !ok {
			continue
		}
		d.deliver(ctx, recipient, protocol.RoleChanged{
			Type:      protocol.TypeRoleChanged,
			ChatID:    conv.ID,
			UserID:    userID,
			Role:      string(role),
			ChatState: state,
		})
	}
}
