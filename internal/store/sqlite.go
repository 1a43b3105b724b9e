package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/gerychhh/germify/internal/apperr"
	"github.com/gerychhh/germify/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/germify.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/germify.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}

	// SQLite has a single writer; one connection keeps transactions serialized
	// instead of failing with SQLITE_BUSY under concurrent senders.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS chats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL DEFAULT 'dm',
		title TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		dm_user1 INTEGER,
		dm_user2 INTEGER,
		created_by INTEGER,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_activity_at DATETIME NOT NULL,
		last_message_id INTEGER,
		UNIQUE (dm_user1, dm_user2)
	);

	CREATE TABLE IF NOT EXISTS chat_members (
		chat_id INTEGER NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		user_id INTEGER NOT NULL,
		role TEXT NOT NULL DEFAULT 'member',
		unread_count INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
		last_read_message_id INTEGER,
		is_hidden INTEGER NOT NULL DEFAULT 0,
		joined_at DATETIME NOT NULL,
		PRIMARY KEY (chat_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		sender_id INTEGER NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		edited_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS chat_message_attachments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id INTEGER NOT NULL REFERENCES chat_messages(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		original_name TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_chat_members_user ON chat_members(user_id, is_hidden);
	CREATE INDEX IF NOT EXISTS idx_chats_last_activity ON chats(last_activity_at);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_chat ON chat_messages(chat_id, id);
	CREATE INDEX IF NOT EXISTS idx_attachments_message ON chat_message_attachments(message_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertUser stores or refreshes the labels of a user.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user models.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			username = excluded.username,
			display_name = excluded.display_name,
			updated_at = excluded.updated_at
	`, user.ID, user.Username, user.DisplayName, time.Now().UTC())
	return errors.Wrap(err, "sqliteStore.UpsertUser")
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u := &models.User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, display_name FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.Username, &u.DisplayName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "sqliteStore.GetUser")
	}
	return u, nil
}

// GetOrCreateDM returns the DM between two users, creating it and both
// memberships on first use. Missing memberships of an existing DM are
// recreated.
func (s *SQLiteStore) GetOrCreateDM(ctx context.Context, userA, userB int64) (*models.Conversation, bool, error) {
	if userA == userB {
		return nil, false, apperr.ErrSelfDM
	}
	u1, u2 := models.OrderedPair(userA, userB)
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "sqliteStore.GetOrCreateDM.Begin")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO chats (kind, dm_user1, dm_user2, created_by, created_at, updated_at, last_activity_at)
		VALUES ('dm', ?, ?, ?, ?, ?, ?)
	`, u1, u2, userA, now, now, now)
	if err != nil {
		return nil, false, errors.Wrap(err, "sqliteStore.GetOrCreateDM.Insert")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, errors.Wrap(err, "sqliteStore.GetOrCreateDM.RowsAffected")
	}
	created := n == 1

	conv, err := scanConversation(tx.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM chats c WHERE c.kind = 'dm' AND c.dm_user1 = ? AND c.dm_user2 = ?
	`, u1, u2))
	if err != nil {
		return nil, false, errors.Wrap(err, "sqliteStore.GetOrCreateDM.Select")
	}

	for _, uid := range []int64{u1, u2} {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO chat_members (chat_id, user_id, role, joined_at)
			VALUES (?, ?, 'member', ?)
		`, conv.ID, uid, now); err != nil {
			return nil, false, errors.Wrap(err, "sqliteStore.GetOrCreateDM.Member")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, errors.Wrap(err, "sqliteStore.GetOrCreateDM.Commit")
	}
	return conv, created, nil
}

// CreateGroup creates a group, its owner membership and one membership per
// member in a single transaction.
func (s *SQLiteStore) CreateGroup(ctx context.Context, ownerID int64, title string, memberIDs []int64) (*models.Conversation, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "sqliteStore.CreateGroup.Begin")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO chats (kind, title, created_by, created_at, updated_at, last_activity_at)
		VALUES ('group', ?, ?, ?, ?, ?)
	`, title, ownerID, now, now, now)
	if err != nil {
		return nil, errors.Wrap(err, "sqliteStore.CreateGroup.Insert")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "sqliteStore.CreateGroup.LastInsertId")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_members (chat_id, user_id, role, joined_at) VALUES (?, ?, 'owner', ?)
	`, id, ownerID, now); err != nil {
		return nil, errors.Wrap(err, "sqliteStore.CreateGroup.Owner")
	}

	for _, uid := range dedupeIDs(memberIDs, ownerID) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_members (chat_id, user_id, role, joined_at) VALUES (?, ?, 'member', ?)
		`, id, uid, now); err != nil {
			return nil, errors.Wrap(err, "sqliteStore.CreateGroup.Member")
		}
	}

	conv, err := scanConversation(tx.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM chats c WHERE c.id = ?
	`, id))
	if err != nil {
		return nil, errors.Wrap(err, "sqliteStore.CreateGroup.Select")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "sqliteStore.CreateGroup.Commit")
	}
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM chats c WHERE c.id = ?
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "sqliteStore.GetConversation")
	}
	return conv, nil
}

// RenameConversation updates a group title.
func (s *SQLiteStore) RenameConversation(ctx context.Context, id int64, title string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chats SET title = ?, updated_at = ? WHERE id = ?
	`, title, time.Now().UTC(), id)
	return errors.Wrap(err, "sqliteStore.RenameConversation")
}

// SetAvatar updates or clears (empty url) a group avatar.
func (s *SQLiteStore) SetAvatar(ctx context.Context, id int64, avatarURL string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chats SET avatar_url = ?, updated_at = ? WHERE id = ?
	`, avatarURL, time.Now().UTC(), id)
	return errors.Wrap(err, "sqliteStore.SetAvatar")
}

// DeleteConversation removes a conversation with its memberships and history.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	return errors.Wrap(err, "sqliteStore.DeleteConversation")
}

// ListInbox returns the user's non-hidden threads, most recent activity first.
func (s *SQLiteStore) ListInbox(ctx context.Context, userID int64) ([]models.Thread, error) {
	rows, err := s.db.QueryContext(ctx, inboxSelect+`
		WHERE m.user_id = ? AND m.is_hidden = 0
		`+inboxOrder, userID)
	if err != nil {
		return nil, errors.Wrap(err, "sqliteStore.ListInbox.Query")
	}
	defer rows.Close()

	threads := []models.Thread{}
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqliteStore.ListInbox.Scan")
		}
		threads = append(threads, *t)
	}
	return threads, errors.Wrap(rows.Err(), "sqliteStore.ListInbox.Rows")
}

// GetMembership retrieves the membership of a user, hidden or not.
func (s *SQLiteStore) GetMembership(ctx context.Context, conversationID, userID int64) (*models.Membership, error) {
	m, err := scanMembership(s.db.QueryRowContext(ctx, `
		SELECT `+membershipColumns+` FROM chat_members m WHERE m.chat_id = ? AND m.user_id = ?
	`, conversationID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "sqliteStore.GetMembership")
	}
	return m, nil
}

// ListActiveMembers returns the non-hidden memberships of a conversation.
func (s *SQLiteStore) ListActiveMembers(ctx context.Context, conversationID int64) ([]models.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+membershipColumns+` FROM chat_members m
		WHERE m.chat_id = ? AND m.is_hidden = 0
		ORDER BY m.user_id
	`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "sqliteStore.ListActiveMembers.Query")
	}
	defer rows.Close()

	members := []models.Membership{}
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqliteStore.ListActiveMembers.Scan")
		}
		members = append(members, *m)
	}
	return members, errors.Wrap(rows.Err(), "sqliteStore.ListActiveMembers.Rows")
}

// AddMembers creates memberships or reactivates hidden ones. It returns the
// ids that became active; already active members are left untouched.
func (s *SQLiteStore) AddMembers(ctx context.Context, conversationID int64, userIDs []int64) ([]int64, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "sqliteStore.AddMembers.Begin")
	}
	defer tx.Rollback()

	var head *int64
	if err := tx.QueryRowContext(ctx, `SELECT last_message_id FROM chats WHERE id = ?`, conversationID).Scan(&head); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrChatNotFound
		}
		return nil, errors.Wrap(err, "sqliteStore.AddMembers.Head")
	}

	added := []int64{}
	for _, uid := range dedupeIDs(userIDs, 0) {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO chat_members (chat_id, user_id, role, last_read_message_id, joined_at)
			VALUES (?, ?, 'member', ?, ?)
			ON CONFLICT (chat_id, user_id) DO UPDATE SET
				is_hidden = 0,
				unread_count = 0,
				role = 'member',
				last_read_message_id = excluded.last_read_message_id,
				joined_at = excluded.joined_at
			WHERE chat_members.is_hidden = 1
		`, conversationID, uid, head, now)
		if err != nil {
			return nil, errors.Wrap(err, "sqliteStore.AddMembers.Upsert")
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added = append(added, uid)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "sqliteStore.AddMembers.Commit")
	}
	return added, nil
}

// HideMembership soft-leaves a member and clears its counter.
func (s *SQLiteStore) HideMembership(ctx context.Context, conversationID, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_members SET is_hidden = 1, unread_count = 0
		WHERE chat_id = ? AND user_id = ? AND is_hidden = 0
	`, conversationID, userID)
	if err != nil {
		return false, errors.Wrap(err, "sqliteStore.HideMembership")
	}
	n, err := res.RowsAffected()
	return n > 0, errors.Wrap(err, "sqliteStore.HideMembership.RowsAffected")
}

// SetRole changes the role of an active member.
func (s *SQLiteStore) SetRole(ctx context.Context, conversationID, userID int64, role models.Role) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_members SET role = ? WHERE chat_id = ? AND user_id = ? AND is_hidden = 0
	`, string(role), conversationID, userID)
	return errors.Wrap(err, "sqliteStore.SetRole")
}

// RepairOwnerRoles gives group creators the owner role where it has drifted.
func (s *SQLiteStore) RepairOwnerRoles(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_members SET role = 'owner'
		WHERE role <> 'owner' AND EXISTS (
			SELECT 1 FROM chats c
			WHERE c.id = chat_members.chat_id AND c.kind = 'group' AND c.created_by = chat_members.user_id
		)
	`)
	if err != nil {
		return 0, errors.Wrap(err, "sqliteStore.RepairOwnerRoles")
	}
	return res.RowsAffected()
}

// SendMessage inserts a message with its attachments, moves the
// conversation's activity pointer and increments the counters of every other
// active member, all in one transaction.
func (s *SQLiteStore) SendMessage(ctx context.Context, in NewMessage) (*models.Message, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "sqliteStore.SendMessage.Begin")
	}
	defer tx.Rollback()

	var kind string
	if err := tx.QueryRowContext(ctx, `SELECT kind FROM chats WHERE id = ?`, in.ConversationID).Scan(&kind); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrChatNotFound
		}
		return nil, errors.Wrap(err, "sqliteStore.SendMessage.Chat")
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (chat_id, sender_id, text, created_at) VALUES (?, ?, ?, ?)
	`, in.ConversationID, in.SenderID, in.Text, now)
	if err != nil {
		return nil, errors.Wrap(err, "sqliteStore.SendMessage.Insert")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "sqliteStore.SendMessage.LastInsertId")
	}

	msg := &models.Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Text:           in.Text,
		CreatedAt:      now,
	}

	for _, a := range in.Attachments {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO chat_message_attachments (message_id, url, original_name) VALUES (?, ?, ?)
		`, id, a.URL, a.OriginalName)
		if err != nil {
			return nil, errors.Wrap(err, "sqliteStore.SendMessage.Attachment")
		}
		a.MessageID = id
		a.ID, _ = res.LastInsertId()
		msg.Attachments = append(msg.Attachments, a)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE chats SET last_message_id = ?, last_activity_at = ?, updated_at = ? WHERE id = ?
	`, id, now, now, in.ConversationID); err != nil {
		return nil, errors.Wrap(err, "sqliteStore.SendMessage.Pointer")
	}

	if models.Kind(kind) == models.KindDM {
		if _, err := tx.ExecContext(ctx, `
			UPDATE chat_members SET is_hidden = 0, unread_count = 0 WHERE chat_id = ? AND is_hidden = 1
		`, in.ConversationID); err != nil {
			return nil, errors.Wrap(err, "sqliteStore.SendMessage.Reactivate")
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE chat_members SET unread_count = unread_count + 1
		WHERE chat_id = ? AND user_id <> ? AND is_hidden = 0
	`, in.ConversationID, in.SenderID); err != nil {
		return nil, errors.Wrap(err, "sqliteStore.SendMessage.Increment")
	}

	var username, displayName *string
	err = tx.QueryRowContext(ctx, `SELECT username, display_name FROM users WHERE id = ?`, in.SenderID).
		Scan(&username, &displayName)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, "sqliteStore.SendMessage.Sender")
	}
	msg.Sender = userFromNullable(in.SenderID, username, displayName)

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "sqliteStore.SendMessage.Commit")
	}
	return msg, nil
}

// ListMessages returns up to limit messages with id > afterID, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID, afterID int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages msg
		LEFT JOIN users su ON su.id = msg.sender_id
		WHERE msg.chat_id = ? AND msg.id > ?
		ORDER BY msg.id ASC
		LIMIT ?
	`, conversationID, afterID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqliteStore.ListMessages.Query")
	}
	defer rows.Close()

	messages := []models.Message{}
	index := map[int64]int{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqliteStore.ListMessages.Scan")
		}
		index[msg.ID] = len(messages)
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqliteStore.ListMessages.Rows")
	}
	if len(messages) == 0 {
		return messages, nil
	}

	ids := make([]any, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	arows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, url, original_name FROM chat_message_attachments
		WHERE message_id IN (`+placeholders(len(ids))+`)
		ORDER BY id
	`, ids...)
	if err != nil {
		return nil, errors.Wrap(err, "sqliteStore.ListMessages.Attachments")
	}
	defer arows.Close()

	for arows.Next() {
		var a models.Attachment
		if err := arows.Scan(&a.ID, &a.MessageID, &a.URL, &a.OriginalName); err != nil {
			return nil, errors.Wrap(err, "sqliteStore.ListMessages.ScanAttachment")
		}
		i := index[a.MessageID]
		messages[i].Attachments = append(messages[i].Attachments, a)
	}
	return messages, errors.Wrap(arows.Err(), "sqliteStore.ListMessages.AttachmentRows")
}

// MarkRead zeroes the counter and moves the cursor forward (never back).
// It reports false when the user has no membership in the conversation.
func (s *SQLiteStore) MarkRead(ctx context.Context, userID, conversationID int64, upTo *int64) (bool, error) {
	return markRead(ctx, s.db, userID, conversationID, upTo)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func markRead(ctx context.Context, db sqlExecer, userID, conversationID int64, upTo *int64) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE chat_members
		SET unread_count = 0,
			last_read_message_id = CASE
				WHEN ?1 IS NULL THEN last_read_message_id
				WHEN last_read_message_id IS NULL OR last_read_message_id < ?1 THEN ?1
				ELSE last_read_message_id
			END
		WHERE chat_id = ?2 AND user_id = ?3
	`, upTo, conversationID, userID)
	if err != nil {
		return false, errors.Wrap(err, "sqliteStore.MarkRead")
	}
	n, err := res.RowsAffected()
	return n > 0, errors.Wrap(err, "sqliteStore.MarkRead.RowsAffected")
}

// MarkReadMessages resolves raw message ids to per-conversation cursors and
// marks each conversation read up to its highest id. Ids in conversations
// the user does not belong to are ignored.
func (s *SQLiteStore) MarkReadMessages(ctx context.Context, userID int64, messageIDs []int64) (int, error) {
	ids := dedupeIDs(messageIDs, 0)
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "sqliteStore.MarkReadMessages.Begin")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT msg.chat_id, MAX(msg.id)
		FROM chat_messages msg
		JOIN chat_members m ON m.chat_id = msg.chat_id AND m.user_id = ?
		WHERE msg.id IN (`+placeholders(len(ids))+`)
		GROUP BY msg.chat_id
	`, args...)
	if err != nil {
		return 0, errors.Wrap(err, "sqliteStore.MarkReadMessages.Resolve")
	}
	cursors := map[int64]int64{}
	for rows.Next() {
		var chatID, maxID int64
		if err := rows.Scan(&chatID, &maxID); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "sqliteStore.MarkReadMessages.Scan")
		}
		cursors[chatID] = maxID
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "sqliteStore.MarkReadMessages.Rows")
	}

	updated := 0
	for chatID, maxID := range cursors {
		upTo := maxID
		ok, err := markRead(ctx, tx, userID, chatID, &upTo)
		if err != nil {
			return 0, err
		}
		if ok {
			updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "sqliteStore.MarkReadMessages.Commit")
	}
	return updated, nil
}

// MarkAllRead zeroes every counter of the user without moving cursors.
func (s *SQLiteStore) MarkAllRead(ctx context.Context, userID int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_members SET unread_count = 0 WHERE user_id = ? AND unread_count > 0
	`, userID)
	if err != nil {
		return 0, errors.Wrap(err, "sqliteStore.MarkAllRead")
	}
	n, err := res.RowsAffected()
	return int(n), errors.Wrap(err, "sqliteStore.MarkAllRead.RowsAffected")
}

// UnreadTotal sums the counters of the user's non-hidden memberships.
func (s *SQLiteStore) UnreadTotal(ctx context.Context, userID int64) (int, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(unread_count), 0) FROM chat_members WHERE user_id = ? AND is_hidden = 0
	`, userID).Scan(&total)
	if err != nil {
		return 0, errors.Wrap(err, "sqliteStore.UnreadTotal")
	}
	return int(total), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
