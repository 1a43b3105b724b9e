package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gerychhh/germify/internal/apperr"
	"github.com/gerychhh/germify/internal/models"
)

// suiteBackend adapts one ChatStore implementation to the contract suite.
type suiteBackend struct {
	// newStore must return an empty store.
	newStore func(t *testing.T) ChatStore
	// failMemberInsert makes any insert of userID into chat_members fail
	// until the test ends.
	failMemberInsert func(t *testing.T, s ChatStore, userID int64)
	countRows        func(t *testing.T, s ChatStore, table string) int
}

// runChatStoreSuite exercises the ChatStore contract against any backend.
func runChatStoreSuite(t *testing.T, b suiteBackend) {
	ctx := context.Background()
	newStore := b.newStore

	seedUsers := func(t *testing.T, s ChatStore, ids ...int64) {
		for _, id := range ids {
			require.NoError(t, s.UpsertUser(ctx, models.User{
				ID:          id,
				Username:    "user" + string(rune('a'+id)),
				DisplayName: "User " + string(rune('A'+id)),
			}))
		}
	}

	send := func(t *testing.T, s ChatStore, convID, sender int64, text string) *models.Message {
		msg, err := s.SendMessage(ctx, NewMessage{ConversationID: convID, SenderID: sender, Text: text})
		require.NoError(t, err)
		return msg
	}

	unread := func(t *testing.T, s ChatStore, convID, userID int64) int {
		m, err := s.GetMembership(ctx, convID, userID)
		require.NoError(t, err)
		require.NotNil(t, m)
		return m.UnreadCount
	}

	t.Run("GetOrCreateDM is idempotent under concurrency", func(t *testing.T) {
		s := newStore(t)

		const workers = 8
		var wg sync.WaitGroup
		ids := make([]int64, workers)
		created := make([]bool, workers)
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				a, b := int64(1), int64(2)
				if i%2 == 1 {
					a, b = b, a
				}
				conv, c, err := s.GetOrCreateDM(ctx, a, b)
				errs[i] = err
				if err == nil {
					ids[i] = conv.ID
					created[i] = c
				}
			}(i)
		}
		wg.Wait()

		createdCount := 0
		for i := 0; i < workers; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, ids[0], ids[i])
			if created[i] {
				createdCount++
			}
		}
		assert.Equal(t, 1, createdCount)

		members, err := s.ListActiveMembers(ctx, ids[0])
		require.NoError(t, err)
		require.Len(t, members, 2)
		assert.Equal(t, int64(1), members[0].UserID)
		assert.Equal(t, int64(2), members[1].UserID)

		conv, err := s.GetConversation(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, models.KindDM, conv.Kind)
		assert.Equal(t, int64(1), conv.DMUser1)
		assert.Equal(t, int64(2), conv.DMUser2)
	})

	t.Run("GetOrCreateDM rejects self conversation", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.GetOrCreateDM(ctx, 5, 5)
		assert.True(t, apperr.Is(err, apperr.CodeInvalidOperation))
	})

	t.Run("CreateGroup sets owner and members", func(t *testing.T) {
		s := newStore(t)
		conv, err := s.CreateGroup(ctx, 1, "Team", []int64{2, 3, 3, 1})
		require.NoError(t, err)
		assert.Equal(t, models.KindGroup, conv.Kind)
		assert.Equal(t, "Team", conv.Title)
		require.NotNil(t, conv.CreatedBy)
		assert.Equal(t, int64(1), *conv.CreatedBy)
		assert.False(t, conv.LastActivityAt.IsZero())

		members, err := s.ListActiveMembers(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, members, 3)
		assert.Equal(t, models.RoleOwner, members[0].Role)
		assert.Equal(t, models.RoleMember, members[1].Role)
		assert.Equal(t, models.RoleMember, members[2].Role)
	})

	t.Run("CreateGroup is all or nothing", func(t *testing.T) {
		s := newStore(t)
		b.failMemberInsert(t, s, 99)

		conv, err := s.CreateGroup(ctx, 1, "Broken", []int64{2, 99, 3})
		require.Error(t, err)
		assert.Nil(t, conv)
		assert.Equal(t, 0, b.countRows(t, s, "chats"))
		assert.Equal(t, 0, b.countRows(t, s, "chat_members"))

		inbox, err := s.ListInbox(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, inbox)
	})

	t.Run("SendMessage increments every other active member", func(t *testing.T) {
		s := newStore(t)
		seedUsers(t, s, 1, 2, 3)
		conv, err := s.CreateGroup(ctx, 1, "Team", []int64{2, 3})
		require.NoError(t, err)

		send(t, s, conv.ID, 1, "one")
		send(t, s, conv.ID, 1, "two")
		send(t, s, conv.ID, 1, "three")
		last := send(t, s, conv.ID, 2, "four")

		assert.Equal(t, 1, unread(t, s, conv.ID, 1))
		assert.Equal(t, 3, unread(t, s, conv.ID, 2))
		assert.Equal(t, 4, unread(t, s, conv.ID, 3))

		total, err := s.UnreadTotal(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, 4, total)

		require.NotNil(t, last.Sender)
		assert.Equal(t, "userc", last.Sender.Username)

		updated, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		require.NotNil(t, updated.LastMessageID)
		assert.Equal(t, last.ID, *updated.LastMessageID)
	})

	t.Run("hidden members are not counted", func(t *testing.T) {
		s := newStore(t)
		conv, err := s.CreateGroup(ctx, 1, "Team", []int64{2, 3})
		require.NoError(t, err)
		send(t, s, conv.ID, 1, "before")

		hidden, err := s.HideMembership(ctx, conv.ID, 3)
		require.NoError(t, err)
		assert.True(t, hidden)

		again, err := s.HideMembership(ctx, conv.ID, 3)
		require.NoError(t, err)
		assert.False(t, again)

		send(t, s, conv.ID, 1, "after")
		assert.Equal(t, 0, unread(t, s, conv.ID, 3))

		total, err := s.UnreadTotal(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, 0, total)
	})

	t.Run("UnreadTotal is exact under concurrent senders", func(t *testing.T) {
		s := newStore(t)
		dm, _, err := s.GetOrCreateDM(ctx, 1, 2)
		require.NoError(t, err)
		group, err := s.CreateGroup(ctx, 3, "Crowd", []int64{2})
		require.NoError(t, err)

		const senders, perSender = 6, 5
		var wg sync.WaitGroup
		errCh := make(chan error, senders*perSender)
		for i := 0; i < senders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				convID, sender := dm.ID, int64(1)
				if i%2 == 1 {
					convID, sender = group.ID, 3
				}
				for j := 0; j < perSender; j++ {
					_, err := s.SendMessage(ctx, NewMessage{ConversationID: convID, SenderID: sender, Text: "x"})
					errCh <- err
				}
			}(i)
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			require.NoError(t, err)
		}

		total, err := s.UnreadTotal(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, senders*perSender, total)
	})

	t.Run("MarkRead never moves the cursor back", func(t *testing.T) {
		s := newStore(t)
		dm, _, err := s.GetOrCreateDM(ctx, 1, 2)
		require.NoError(t, err)
		m1 := send(t, s, dm.ID, 1, "a")
		send(t, s, dm.ID, 1, "b")
		m3 := send(t, s, dm.ID, 1, "c")

		ok, err := s.MarkRead(ctx, 2, dm.ID, &m3.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.MarkRead(ctx, 2, dm.ID, &m1.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		m, err := s.GetMembership(ctx, dm.ID, 2)
		require.NoError(t, err)
		require.NotNil(t, m.LastReadMessageID)
		assert.Equal(t, m3.ID, *m.LastReadMessageID)
		assert.Equal(t, 0, m.UnreadCount)
	})

	t.Run("MarkRead without cursor only resets the counter", func(t *testing.T) {
		s := newStore(t)
		dm, _, err := s.GetOrCreateDM(ctx, 1, 2)
		require.NoError(t, err)
		send(t, s, dm.ID, 1, "a")

		ok, err := s.MarkRead(ctx, 2, dm.ID, nil)
		require.NoError(t, err)
		assert.True(t, ok)

		m, err := s.GetMembership(ctx, dm.ID, 2)
		require.NoError(t, err)
		assert.Nil(t, m.LastReadMessageID)
		assert.Equal(t, 0, m.UnreadCount)
	})

	t.Run("MarkRead on a missing membership is a no-op", func(t *testing.T) {
		s := newStore(t)
		dm, _, err := s.GetOrCreateDM(ctx, 1, 2)
		require.NoError(t, err)

		ok, err := s.MarkRead(ctx, 9, dm.ID, nil)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.MarkRead(ctx, 1, 424242, nil)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("MarkReadMessages resolves ids per conversation", func(t *testing.T) {
		s := newStore(t)
		dmA, _, err := s.GetOrCreateDM(ctx, 1, 2)
		require.NoError(t, err)
		dmB, _, err := s.GetOrCreateDM(ctx, 3, 2)
		require.NoError(t, err)
		foreign, _, err := s.GetOrCreateDM(ctx, 4, 5)
		require.NoError(t, err)

		a1 := send(t, s, dmA.ID, 1, "a1")
		a2 := send(t, s, dmA.ID, 1, "a2")
		send(t, s, dmA.ID, 1, "a3")
		b1 := send(t, s, dmB.ID, 3, "b1")
		f1 := send(t, s, foreign.ID, 4, "f1")

		n, err := s.MarkReadMessages(ctx, 2, []int64{a2.ID, a1.ID, b1.ID, f1.ID, 999999})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		ma, err := s.GetMembership(ctx, dmA.ID, 2)
		require.NoError(t, err)
		require.NotNil(t, ma.LastReadMessageID)
		assert.Equal(t, a2.ID, *ma.LastReadMessageID)
		assert.Equal(t, 0, ma.UnreadCount)

		mb, err := s.GetMembership(ctx, dmB.ID, 2)
		require.NoError(t, err)
		require.NotNil(t, mb.LastReadMessageID)
		assert.Equal(t, b1.ID, *mb.LastReadMessageID)

		assert.Equal(t, 1, unread(t, s, foreign.ID, 5))

		n, err = s.MarkReadMessages(ctx, 2, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("MarkAllRead keeps cursors", func(t *testing.T) {
		s := newStore(t)
		dmA, _, err := s.GetOrCreateDM(ctx, 1, 2)
		require.NoError(t, err)
		dmB, _, err := s.GetOrCreateDM(ctx, 3, 2)
		require.NoError(t, err)
		first := send(t, s, dmA.ID, 1, "a")
		_, err = s.MarkRead(ctx, 2, dmA.ID, &first.ID)
		require.NoError(t, err)
		send(t, s, dmA.ID, 1, "b")
		send(t, s, dmB.ID, 3, "c")

		n, err := s.MarkAllRead(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		total, err := s.UnreadTotal(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, 0, total)

		m, err := s.GetMembership(ctx, dmA.ID, 2)
		require.NoError(t, err)
		require.NotNil(t, m.LastReadMessageID)
		assert.Equal(t, first.ID, *m.LastReadMessageID)
	})

	t.Run("ListInbox orders by last activity", func(t *testing.T) {
		s := newStore(t)
		seedUsers(t, s, 1, 2, 3)
		dm, _, err := s.GetOrCreateDM(ctx, 1, 2)
		require.NoError(t, err)
		group, err := s.CreateGroup(ctx, 3, "Later", []int64{1})
		require.NoError(t, err)
		send(t, s, group.ID, 3, "group first")
		last := send(t, s, dm.ID, 2, "dm latest")

		threads, err := s.ListInbox(ctx, 1)
		require.NoError(t, err)
		require.Len(t, threads, 2)

		assert.Equal(t, dm.ID, threads[0].Conversation.ID)
		require.NotNil(t, threads[0].LastMessage)
		assert.Equal(t, last.ID, threads[0].LastMessage.ID)
		assert.Equal(t, "dm latest", threads[0].LastMessage.Text)
		require.NotNil(t, threads[0].OtherUser)
		assert.Equal(t, int64(2), threads[0].OtherUser.ID)
		assert.Equal(t, "userc", threads[0].OtherUser.Username)
		assert.Equal(t, 1, threads[0].Membership.UnreadCount)

		assert.Equal(t, group.ID, threads[1].Conversation.ID)
		assert.Nil(t, threads[1].OtherUser)
		assert.Equal(t, "Later", threads[1].Conversation.Title)

		_, err = s.HideMembership(ctx, group.ID, 1)
		require.NoError(t, err)
		threads, err = s.ListInbox(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, threads, 1)
	})

	t.Run("AddMembers reactivates hidden memberships", func(t *testing.T) {
		s := newStore(t)
		conv, err := s.CreateGroup(ctx, 1, "Team", []int64{2, 3})
		require.NoError(t, err)
		require.NoError(t, s.SetRole(ctx, conv.ID, 3, models.RoleAdmin))
		send(t, s, conv.ID, 1, "hello")
		_, err = s.HideMembership(ctx, conv.ID, 3)
		require.NoError(t, err)
		head := send(t, s, conv.ID, 1, "while away")

		added, err := s.AddMembers(ctx, conv.ID, []int64{3, 2, 4})
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{3, 4}, added)

		m, err := s.GetMembership(ctx, conv.ID, 3)
		require.NoError(t, err)
		assert.False(t, m.Hidden)
		assert.Equal(t, 0, m.UnreadCount)
		assert.Equal(t, models.RoleMember, m.Role)
		require.NotNil(t, m.LastReadMessageID)
		assert.Equal(t, head.ID, *m.LastReadMessageID)

		_, err = s.AddMembers(ctx, 424242, []int64{5})
		assert.ErrorIs(t, err, apperr.ErrChatNotFound)
	})

	t.Run("SendMessage reopens hidden DM memberships", func(t *testing.T) {
		s := newStore(t)
		dm, _, err := s.GetOrCreateDM(ctx, 1, 2)
		require.NoError(t, err)
		_, err = s.HideMembership(ctx, dm.ID, 2)
		require.NoError(t, err)

		send(t, s, dm.ID, 1, "are you there")

		m, err := s.GetMembership(ctx, dm.ID, 2)
		require.NoError(t, err)
		assert.False(t, m.Hidden)
		assert.Equal(t, 1, m.UnreadCount)
	})

	t.Run("RepairOwnerRoles restores creators", func(t *testing.T) {
		s := newStore(t)
		conv, err := s.CreateGroup(ctx, 1, "Team", []int64{2})
		require.NoError(t, err)
		require.NoError(t, s.SetRole(ctx, conv.ID, 1, models.RoleMember))

		n, err := s.RepairOwnerRoles(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		m, err := s.GetMembership(ctx, conv.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, models.RoleOwner, m.Role)

		n, err = s.RepairOwnerRoles(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("ListMessages pages after a cursor with attachments", func(t *testing.T) {
		s := newStore(t)
		seedUsers(t, s, 1, 2)
		dm, _, err := s.GetOrCreateDM(ctx, 1, 2)
		require.NoError(t, err)
		first := send(t, s, dm.ID, 1, "first")
		withFiles, err := s.SendMessage(ctx, NewMessage{
			ConversationID: dm.ID,
			SenderID:       2,
			Text:           "",
			Attachments: []models.Attachment{
				{URL: "/media/a.png", OriginalName: "a.png"},
				{URL: "/media/b.pdf", OriginalName: "b.pdf"},
			},
		})
		require.NoError(t, err)
		require.Len(t, withFiles.Attachments, 2)

		msgs, err := s.ListMessages(ctx, dm.ID, first.ID, 50)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, withFiles.ID, msgs[0].ID)
		require.Len(t, msgs[0].Attachments, 2)
		assert.Equal(t, "a.png", msgs[0].Attachments[0].OriginalName)
		require.NotNil(t, msgs[0].Sender)
		assert.Equal(t, "userc", msgs[0].Sender.Username)

		all, err := s.ListMessages(ctx, dm.ID, 0, 0)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		inbox, err := s.ListInbox(ctx, 1)
		require.NoError(t, err)
		require.Len(t, inbox, 1)
		require.NotNil(t, inbox[0].LastMessage)
		assert.Equal(t, withFiles.ID, inbox[0].LastMessage.ID)
		assert.True(t, inbox[0].LastMessageHasFiles)

		send(t, s, dm.ID, 1, "plain")
		inbox, err = s.ListInbox(ctx, 1)
		require.NoError(t, err)
		assert.False(t, inbox[0].LastMessageHasFiles)
	})

	t.Run("SendMessage to a missing conversation fails", func(t *testing.T) {
		s := newStore(t)
		_, err := s.SendMessage(ctx, NewMessage{ConversationID: 424242, SenderID: 1, Text: "x"})
		assert.ErrorIs(t, err, apperr.ErrChatNotFound)
	})

	t.Run("DeleteConversation cascades", func(t *testing.T) {
		s := newStore(t)
		conv, err := s.CreateGroup(ctx, 1, "Gone", []int64{2})
		require.NoError(t, err)
		send(t, s, conv.ID, 1, "bye")

		require.NoError(t, s.DeleteConversation(ctx, conv.ID))

		got, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Nil(t, got)

		m, err := s.GetMembership(ctx, conv.ID, 2)
		require.NoError(t, err)
		assert.Nil(t, m)

		msgs, err := s.ListMessages(ctx, conv.ID, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, msgs)

		total, err := s.UnreadTotal(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, 0, total)
	})

	t.Run("GetUser returns nil for unknown users", func(t *testing.T) {
		s := newStore(t)
		u, err := s.GetUser(ctx, 77)
		require.NoError(t, err)
		assert.Nil(t, u)

		require.NoError(t, s.UpsertUser(ctx, models.User{ID: 77, Username: "old"}))
		require.NoError(t, s.UpsertUser(ctx, models.User{ID: 77, Username: "new", DisplayName: "New"}))
		u, err = s.GetUser(ctx, 77)
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, "new", u.Username)
		assert.Equal(t, "New", u.DisplayName)
	})
}
