package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL suite in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("germify"),
		postgres.WithUsername("germify"),
		postgres.WithPassword("password"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, RunMigrations(ctx, connStr))
	// A second run must find nothing to apply.
	require.NoError(t, RunMigrations(ctx, connStr))

	s, err := NewPostgresStore(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	runChatStoreSuite(t, suiteBackend{
		newStore: func(t *testing.T) ChatStore {
			_, err := s.pool.Exec(ctx, `
				TRUNCATE chat_message_attachments, chat_messages, chat_members, chats, users RESTART IDENTITY CASCADE
			`)
			require.NoError(t, err)
			return s
		},
		failMemberInsert: func(t *testing.T, _ ChatStore, userID int64) {
			_, err := s.pool.Exec(ctx, fmt.Sprintf(`
				CREATE OR REPLACE FUNCTION fail_member_insert() RETURNS trigger AS $$
				BEGIN
					IF NEW.user_id = %d THEN
						RAISE EXCEPTION 'member insert rejected';
					END IF;
					RETURN NEW;
				END
				$$ LANGUAGE plpgsql;
				CREATE TRIGGER fail_member_insert BEFORE INSERT ON chat_members
					FOR EACH ROW EXECUTE FUNCTION fail_member_insert();
			`, userID))
			require.NoError(t, err)
			t.Cleanup(func() {
				_, err := s.pool.Exec(context.Background(), `
					DROP TRIGGER IF EXISTS fail_member_insert ON chat_members;
					DROP FUNCTION IF EXISTS fail_member_insert();
				`)
				require.NoError(t, err)
			})
		},
		countRows: func(t *testing.T, _ ChatStore, table string) int {
			var n int
			require.NoError(t, s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n))
			return n
		},
	})

	t.Run("LockConversation serializes one conversation across sessions", func(t *testing.T) {
		release, err := s.LockConversation(ctx, 5)
		require.NoError(t, err)

		unrelated, err := s.LockConversation(ctx, 6)
		require.NoError(t, err)
		unrelated()

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		_, err = s.LockConversation(waitCtx, 5)
		cancel()
		require.Error(t, err)

		acquired := make(chan struct{})
		go func() {
			defer close(acquired)
			if next, err := s.LockConversation(ctx, 5); err == nil {
				next()
			}
		}()
		select {
		case <-acquired:
			t.Fatal("lock taken while held")
		case <-time.After(200 * time.Millisecond):
		}

		release()
		select {
		case <-acquired:
		case <-time.After(5 * time.Second):
			t.Fatal("lock not handed over after release")
		}
	})
}
