package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/gerychhh/germify/internal/apperr"
	"github.com/gerychhh/germify/internal/models"
)

// conversationLockSpace is the first key of the two-key advisory locks held
// per conversation.
const conversationLockSpace = 5102

// maxLockConns bounds the conversations locked at once by this process.
const maxLockConns = 16

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
	// locks holds the sessions owning conversation advisory locks, apart
	// from pool so that lock holders never starve their own transactions.
	locks *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	lockCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		pool.Close()
		return nil, err
	}
	lockCfg.MaxConns = maxLockConns
	locks, err := pgxpool.NewWithConfig(ctx, lockCfg)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, locks: locks}, nil
}

// Close closes the database connection pools.
func (s *PostgresStore) Close() {
	s.locks.Close()
	s.pool.Close()
}

// LockConversation takes a session advisory lock on the conversation. The
// session stays checked out until release, so the lock spans commits made
// through the main pool.
func (s *PostgresStore) LockConversation(ctx context.Context, conversationID int64) (func(), error) {
	conn, err := s.locks.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "postgresStore.LockConversation.Acquire")
	}
	key := int32(conversationID)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1, $2)`, conversationLockSpace, key); err != nil {
		conn.Release()
		return nil, errors.Wrap(err, "postgresStore.LockConversation")
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1, $2)`, conversationLockSpace, key); err != nil {
			// A session that cannot unlock must not go back to the pool.
			conn.Conn().Close(ctx)
		}
		conn.Release()
	}, nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// UpsertUser stores or refreshes the labels of a user.
func (s *PostgresStore) UpsertUser(ctx context.Context, user models.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, display_name, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			display_name = EXCLUDED.display_name,
			updated_at = NOW()
	`, user.ID, user.Username, user.DisplayName)
	return errors.Wrap(err, "postgresStore.UpsertUser")
}

// GetUser retrieves a user by ID.
func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u := &models.User{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, display_name FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Username, &u.DisplayName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "postgresStore.GetUser")
	}
	return u, nil
}

// GetOrCreateDM returns the DM between two users, creating it and both
// memberships on first use. Missing memberships of an existing DM are
// recreated.
func (s *PostgresStore) GetOrCreateDM(ctx context.Context, userA, userB int64) (*models.Conversation, bool, error) {
	if userA == userB {
		return nil, false, apperr.ErrSelfDM
	}
	u1, u2 := models.OrderedPair(userA, userB)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "postgresStore.GetOrCreateDM.Begin")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO chats (kind, dm_user1, dm_user2, created_by)
		VALUES ('dm', $1, $2, $3)
		ON CONFLICT (dm_user1, dm_user2) DO NOTHING
	`, u1, u2, userA)
	if err != nil {
		return nil, false, errors.Wrap(err, "postgresStore.GetOrCreateDM.Insert")
	}
	created := tag.RowsAffected() == 1

	conv, err := scanConversation(tx.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM chats c WHERE c.kind = 'dm' AND c.dm_user1 = $1 AND c.dm_user2 = $2
	`, u1, u2))
	if err != nil {
		return nil, false, errors.Wrap(err, "postgresStore.GetOrCreateDM.Select")
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO chat_members (chat_id, user_id, role)
		SELECT $1, u, 'member' FROM UNNEST($2::bigint[]) AS u
		ON CONFLICT (chat_id, user_id) DO NOTHING
	`, conv.ID, []int64{u1, u2}); err != nil {
		return nil, false, errors.Wrap(err, "postgresStore.GetOrCreateDM.Members")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, errors.Wrap(err, "postgresStore.GetOrCreateDM.Commit")
	}
	return conv, created, nil
}

// CreateGroup creates a group, its owner membership and one membership per
// member in a single transaction.
func (s *PostgresStore) CreateGroup(ctx context.Context, ownerID int64, title string, memberIDs []int64) (*models.Conversation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "postgresStore.CreateGroup.Begin")
	}
	defer tx.Rollback(ctx)

	conv, err := scanConversation(tx.QueryRow(ctx, `
		INSERT INTO chats AS c (kind, title, created_by)
		VALUES ('group', $1, $2)
		RETURNING `+conversationColumns, title, ownerID))
	if err != nil {
		return nil, errors.Wrap(err, "postgresStore.CreateGroup.Insert")
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO chat_members (chat_id, user_id, role) VALUES ($1, $2, 'owner')
	`, conv.ID, ownerID); err != nil {
		return nil, errors.Wrap(err, "postgresStore.CreateGroup.Owner")
	}

	if members := dedupeIDs(memberIDs, ownerID); len(members) > 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO chat_members (chat_id, user_id, role)
			SELECT $1, u, 'member' FROM UNNEST($2::bigint[]) AS u
		`, conv.ID, members); err != nil {
			return nil, errors.Wrap(err, "postgresStore.CreateGroup.Members")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "postgresStore.CreateGroup.Commit")
	}
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
func (s *PostgresStore) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	conv, err := scanConversation(s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+` FROM chats c WHERE c.id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "postgresStore.GetConversation")
	}
	return conv, nil
}

// RenameConversation updates a group title.
func (s *PostgresStore) RenameConversation(ctx context.Context, id int64, title string) error {
	_, err := s.pool.Exec(ctx, `UPDATE chats SET title = $1, updated_at = NOW() WHERE id = $2`, title, id)
	return errors.Wrap(err, "postgresStore.RenameConversation")
}

// SetAvatar updates or clears (empty url) a group avatar.
func (s *PostgresStore) SetAvatar(ctx context.Context, id int64, avatarURL string) error {
	_, err := s.pool.Exec(ctx, `UPDATE chats SET avatar_url = $1, updated_at = NOW() WHERE id = $2`, avatarURL, id)
	return errors.Wrap(err, "postgresStore.SetAvatar")
}

// DeleteConversation removes a conversation with its memberships and history.
func (s *PostgresStore) DeleteConversation(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chats WHERE id = $1`, id)
	return errors.Wrap(err, "postgresStore.DeleteConversation")
}

// ListInbox returns the user's non-hidden threads, most recent activity first.
func (s *PostgresStore) ListInbox(ctx context.Context, userID int64) ([]models.Thread, error) {
	rows, err := s.pool.Query(ctx, inboxSelect+`
		WHERE m.user_id = $1 AND m.is_hidden = FALSE
		`+inboxOrder, userID)
	if err != nil {
		return nil, errors.Wrap(err, "postgresStore.ListInbox.Query")
	}
	defer rows.Close()

	threads := []models.Thread{}
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, errors.Wrap(err, "postgresStore.ListInbox.Scan")
		}
		threads = append(threads, *t)
	}
	return threads, errors.Wrap(rows.Err(), "postgresStore.ListInbox.Rows")
}

// GetMembership retrieves the membership of a user, hidden or not.
func (s *PostgresStore) GetMembership(ctx context.Context, conversationID, userID int64) (*models.Membership, error) {
	m, err := scanMembership(s.pool.QueryRow(ctx, `
		SELECT `+membershipColumns+` FROM chat_members m WHERE m.chat_id = $1 AND m.user_id = $2
	`, conversationID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "postgresStore.GetMembership")
	}
	return m, nil
}

// ListActiveMembers returns the non-hidden memberships of a conversation.
func (s *PostgresStore) ListActiveMembers(ctx context.Context, conversationID int64) ([]models.Membership, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+membershipColumns+` FROM chat_members m
		WHERE m.chat_id = $1 AND m.is_hidden = FALSE
		ORDER BY m.user_id
	`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "postgresStore.ListActiveMembers.Query")
	}
	defer rows.Close()

	members := []models.Membership{}
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, errors.Wrap(err, "postgresStore.ListActiveMembers.Scan")
		}
		members = append(members, *m)
	}
	return members, errors.Wrap(rows.Err(), "postgresStore.ListActiveMembers.Rows")
}

// AddMembers creates memberships or reactivates hidden ones. It returns the
// ids that became active; already active members are left untouched.
func (s *PostgresStore) AddMembers(ctx context.Context, conversationID int64, userIDs []int64) ([]int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "postgresStore.AddMembers.Begin")
	}
	defer tx.Rollback(ctx)

	var head *int64
	if err := tx.QueryRow(ctx, `SELECT last_message_id FROM chats WHERE id = $1`, conversationID).Scan(&head); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrChatNotFound
		}
		return nil, errors.Wrap(err, "postgresStore.AddMembers.Head")
	}

	added := []int64{}
	for _, uid := range dedupeIDs(userIDs, 0) {
		tag, err := tx.Exec(ctx, `
			INSERT INTO chat_members (chat_id, user_id, role, last_read_message_id)
			VALUES ($1, $2, 'member', $3)
			ON CONFLICT (chat_id, user_id) DO UPDATE SET
				is_hidden = FALSE,
				unread_count = 0,
				role = 'member',
				last_read_message_id = EXCLUDED.last_read_message_id,
				joined_at = NOW()
			WHERE chat_members.is_hidden = TRUE
		`, conversationID, uid, head)
		if err != nil {
			return nil, errors.Wrap(err, "postgresStore.AddMembers.Upsert")
		}
		if tag.RowsAffected() > 0 {
			added = append(added, uid)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "postgresStore.AddMembers.Commit")
	}
	return added, nil
}

// HideMembership soft-leaves a member and clears its counter.
func (s *PostgresStore) HideMembership(ctx context.Context, conversationID, userID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chat_members SET is_hidden = TRUE, unread_count = 0
		WHERE chat_id = $1 AND user_id = $2 AND is_hidden = FALSE
	`, conversationID, userID)
	if err != nil {
		return false, errors.Wrap(err, "postgresStore.HideMembership")
	}
	return tag.RowsAffected() > 0, nil
}

// SetRole changes the role of an active member.
func (s *PostgresStore) SetRole(ctx context.Context, conversationID, userID int64, role models.Role) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chat_members SET role = $1 WHERE chat_id = $2 AND user_id = $3 AND is_hidden = FALSE
	`, string(role), conversationID, userID)
	return errors.Wrap(err, "postgresStore.SetRole")
}

// RepairOwnerRoles gives group creators the owner role where it has drifted.
func (s *PostgresStore) RepairOwnerRoles(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chat_members m SET role = 'owner'
		FROM chats c
		WHERE c.id = m.chat_id AND c.kind = 'group' AND c.created_by = m.user_id AND m.role <> 'owner'
	`)
	if err != nil {
		return 0, errors.Wrap(err, "postgresStore.RepairOwnerRoles")
	}
	return tag.RowsAffected(), nil
}

// SendMessage inserts a message with its attachments, moves the
// conversation's activity pointer and increments the counters of every other
// active member, all in one transaction. The conversation row is locked so
// that concurrent sends to one conversation commit one after another.
func (s *PostgresStore) SendMessage(ctx context.Context, in NewMessage) (*models.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "postgresStore.SendMessage.Begin")
	}
	defer tx.Rollback(ctx)

	var kind string
	if err := tx.QueryRow(ctx, `SELECT kind FROM chats WHERE id = $1 FOR UPDATE`, in.ConversationID).Scan(&kind); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrChatNotFound
		}
		return nil, errors.Wrap(err, "postgresStore.SendMessage.Lock")
	}

	msg := &models.Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Text:           in.Text,
	}
	if err := tx.QueryRow(ctx, `
		INSERT INTO chat_messages (chat_id, sender_id, text) VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, in.ConversationID, in.SenderID, in.Text).Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return nil, errors.Wrap(err, "postgresStore.SendMessage.Insert")
	}

	for _, a := range in.Attachments {
		if err := tx.QueryRow(ctx, `
			INSERT INTO chat_message_attachments (message_id, url, original_name) VALUES ($1, $2, $3)
			RETURNING id
		`, msg.ID, a.URL, a.OriginalName).Scan(&a.ID); err != nil {
			return nil, errors.Wrap(err, "postgresStore.SendMessage.Attachment")
		}
		a.MessageID = msg.ID
		msg.Attachments = append(msg.Attachments, a)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE chats SET last_message_id = $1, last_activity_at = $2, updated_at = $2 WHERE id = $3
	`, msg.ID, msg.CreatedAt, in.ConversationID); err != nil {
		return nil, errors.Wrap(err, "postgresStore.SendMessage.Pointer")
	}

	if models.Kind(kind) == models.KindDM {
		if _, err := tx.Exec(ctx, `
			UPDATE chat_members SET is_hidden = FALSE, unread_count = 0 WHERE chat_id = $1 AND is_hidden = TRUE
		`, in.ConversationID); err != nil {
			return nil, errors.Wrap(err, "postgresStore.SendMessage.Reactivate")
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE chat_members SET unread_count = unread_count + 1
		WHERE chat_id = $1 AND user_id <> $2 AND is_hidden = FALSE
	`, in.ConversationID, in.SenderID); err != nil {
		return nil, errors.Wrap(err, "postgresStore.SendMessage.Increment")
	}

	var username, displayName *string
	err = tx.QueryRow(ctx, `SELECT username, display_name FROM users WHERE id = $1`, in.SenderID).
		Scan(&username, &displayName)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(err, "postgresStore.SendMessage.Sender")
	}
	msg.Sender = userFromNullable(in.SenderID, username, displayName)

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "postgresStore.SendMessage.Commit")
	}
	return msg, nil
}

// ListMessages returns up to limit messages with id > afterID, oldest first.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID, afterID int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages msg
		LEFT JOIN users su ON su.id = msg.sender_id
		WHERE msg.chat_id = $1 AND msg.id > $2
		ORDER BY msg.id ASC
		LIMIT $3
	`, conversationID, afterID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "postgresStore.ListMessages.Query")
	}

	messages := []models.Message{}
	index := map[int64]int{}
	ids := []int64{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "postgresStore.ListMessages.Scan")
		}
		index[msg.ID] = len(messages)
		ids = append(ids, msg.ID)
		messages = append(messages, *msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "postgresStore.ListMessages.Rows")
	}
	if len(messages) == 0 {
		return messages, nil
	}

	arows, err := s.pool.Query(ctx, `
		SELECT id, message_id, url, original_name FROM chat_message_attachments
		WHERE message_id = ANY($1)
		ORDER BY id
	`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "postgresStore.ListMessages.Attachments")
	}
	defer arows.Close()

	for arows.Next() {
		var a models.Attachment
		if err := arows.Scan(&a.ID, &a.MessageID, &a.URL, &a.OriginalName); err != nil {
			return nil, errors.Wrap(err, "postgresStore.ListMessages.ScanAttachment")
		}
		i := index[a.MessageID]
		messages[i].Attachments = append(messages[i].Attachments, a)
	}
	return messages, errors.Wrap(arows.Err(), "postgresStore.ListMessages.AttachmentRows")
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func pgMarkRead(ctx context.Context, db pgExecer, userID, conversationID int64, upTo *int64) (bool, error) {
	tag, err := db.Exec(ctx, `
		UPDATE chat_members
		SET unread_count = 0,
			last_read_message_id = CASE
				WHEN $1::bigint IS NULL THEN last_read_message_id
				ELSE GREATEST(COALESCE(last_read_message_id, $1::bigint), $1::bigint)
			END
		WHERE chat_id = $2 AND user_id = $3
	`, upTo, conversationID, userID)
	if err != nil {
		return false, errors.Wrap(err, "postgresStore.MarkRead")
	}
	return tag.RowsAffected() > 0, nil
}

// MarkRead zeroes the counter and moves the cursor forward (never back).
// It reports false when the user has no membership in the conversation.
func (s *PostgresStore) MarkRead(ctx context.Context, userID, conversationID int64, upTo *int64) (bool, error) {
	return pgMarkRead(ctx, s.pool, userID, conversationID, upTo)
}

// MarkReadMessages resolves raw message ids to per-conversation cursors and
// marks each conversation read up to its highest id.
func (s *PostgresStore) MarkReadMessages(ctx context.Context, userID int64, messageIDs []int64) (int, error) {
	ids := dedupeIDs(messageIDs, 0)
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "postgresStore.MarkReadMessages.Begin")
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT msg.chat_id, MAX(msg.id)
		FROM chat_messages msg
		JOIN chat_members m ON m.chat_id = msg.chat_id AND m.user_id = $1
		WHERE msg.id = ANY($2)
		GROUP BY msg.chat_id
	`, userID, ids)
	if err != nil {
		return 0, errors.Wrap(err, "postgresStore.MarkReadMessages.Resolve")
	}
	cursors := map[int64]int64{}
	for rows.Next() {
		var chatID, maxID int64
		if err := rows.Scan(&chatID, &maxID); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "postgresStore.MarkReadMessages.Scan")
		}
		cursors[chatID] = maxID
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "postgresStore.MarkReadMessages.Rows")
	}

	updated := 0
	for chatID, maxID := range cursors {
		upTo := maxID
		ok, err := pgMarkRead(ctx, tx, userID, chatID, &upTo)
		if err != nil {
			return 0, err
		}
		if ok {
			updated++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "postgresStore.MarkReadMessages.Commit")
	}
	return updated, nil
}

// MarkAllRead zeroes every counter of the user without moving cursors.
func (s *PostgresStore) MarkAllRead(ctx context.Context, userID int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chat_members SET unread_count = 0 WHERE user_id = $1 AND unread_count > 0
	`, userID)
	if err != nil {
		return 0, errors.Wrap(err, "postgresStore.MarkAllRead")
	}
	return int(tag.RowsAffected()), nil
}

// UnreadTotal sums the counters of the user's non-hidden memberships.
func (s *PostgresStore) UnreadTotal(ctx context.Context, userID int64) (int, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(unread_count), 0)::bigint FROM chat_members WHERE user_id = $1 AND is_hidden = FALSE
	`, userID).Scan(&total)
	if err != nil {
		return 0, errors.Wrap(err, "postgresStore.UnreadTotal")
	}
	return int(total), nil
}
