package db

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// ChangeChannel is the LISTEN/NOTIFY channel row-change triggers publish on.
const ChangeChannel = "row_changes"

// Connect initializes the database connection and runs migrations.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func runMigrations(db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
            id UUID PRIMARY KEY,
            username TEXT UNIQUE NOT NULL,
            display_name TEXT NOT NULL DEFAULT '',
            avatar_url TEXT,
            is_online BOOLEAN NOT NULL DEFAULT FALSE,
            last_seen TIMESTAMPTZ
        );`,
		`CREATE TABLE IF NOT EXISTS conversations (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            type TEXT NOT NULL CHECK (type IN ('direct', 'group')),
            name TEXT,
            description TEXT,
            avatar_url TEXT,
            created_by UUID NOT NULL REFERENCES profiles(id),
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE TABLE IF NOT EXISTS conversation_members (
            conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            user_id UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
            is_admin BOOLEAN NOT NULL DEFAULT FALSE,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (conversation_id, user_id)
        );`,
		`CREATE INDEX IF NOT EXISTS conversation_members_user_idx ON conversation_members (user_id);`,
		`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY,
            conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            user_id UUID NOT NULL REFERENCES profiles(id),
            message_type TEXT NOT NULL DEFAULT 'text' CHECK (message_type IN ('text', 'image')),
            content TEXT NOT NULL DEFAULT '',
            media_url TEXT,
            reply_to UUID REFERENCES messages(id) ON DELETE SET NULL,
            is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
        );`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_created_idx ON messages (conversation_id, created_at DESC, id DESC);`,
		`CREATE TABLE IF NOT EXISTS message_reads (
            message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
            user_id UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
            read_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (message_id, user_id)
        );`,
		`CREATE TABLE IF NOT EXISTS stories (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            user_id UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
            content TEXT,
            media_url TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            expires_at TIMESTAMPTZ NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS stories_expires_idx ON stories (expires_at);`,
		`CREATE TABLE IF NOT EXISTS story_views (
            story_id UUID NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
            viewer_id UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
            viewed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (story_id, viewer_id)
        );`,
		`CREATE TABLE IF NOT EXISTS blobs (
            path TEXT PRIMARY KEY,
            content_type TEXT NOT NULL,
            data BYTEA NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE OR REPLACE FUNCTION notify_row_change() RETURNS trigger AS $$
        DECLARE
            rec RECORD;
            payload TEXT;
        BEGIN
            IF TG_OP = 'DELETE' THEN
                rec := OLD;
            ELSE
                rec := NEW;
            END IF;
            payload := json_build_object('table', TG_TABLE_NAME, 'op', TG_OP, 'row', to_jsonb(rec))::text;
            IF octet_length(payload) > 7900 THEN
                payload := json_build_object('table', TG_TABLE_NAME, 'op', TG_OP, 'row', to_jsonb(rec) - 'content' - 'description', 'truncated', TRUE)::text;
            END IF;
            PERFORM pg_notify('` + ChangeChannel + `', payload);
            RETURN rec;
        END;
        $$ LANGUAGE plpgsql;`,
		`CREATE OR REPLACE FUNCTION bump_conversation_activity() RETURNS trigger AS $$
        BEGIN
            UPDATE conversations SET updated_at = NOW() WHERE id = NEW.conversation_id;
            RETURN NEW;
        END;
        $$ LANGUAGE plpgsql;`,
		`DROP TRIGGER IF EXISTS messages_bump_activity ON messages;`,
		`CREATE TRIGGER messages_bump_activity AFTER INSERT ON messages
            FOR EACH ROW EXECUTE FUNCTION bump_conversation_activity();`,
	}

	for _, table := range []string{"profiles", "conversation_members", "messages", "stories"} {
		migrations = append(migrations,
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s_notify ON %s;`, table, table),
			fmt.Sprintf(`CREATE TRIGGER %s_notify AFTER INSERT OR UPDATE OR DELETE ON %s
            FOR EACH ROW EXECUTE FUNCTION notify_row_change();`, table, table),
		)
	}
	// The activity bump on every new message only touches updated_at and must
	// not fan out a second notification; the message insert already carries it.
	migrations = append(migrations,
		`DROP TRIGGER IF EXISTS conversations_notify ON conversations;`,
		`CREATE TRIGGER conversations_notify AFTER INSERT OR DELETE ON conversations
            FOR EACH ROW EXECUTE FUNCTION notify_row_change();`,
		`DROP TRIGGER IF EXISTS conversations_notify_update ON conversations;`,
		`CREATE TRIGGER conversations_notify_update AFTER UPDATE ON conversations
            FOR EACH ROW
            WHEN (OLD.name IS DISTINCT FROM NEW.name
                OR OLD.description IS DISTINCT FROM NEW.description
                OR OLD.avatar_url IS DISTINCT FROM NEW.avatar_url)
            EXECUTE FUNCTION notify_row_change();`,
	)

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	log.Info().Int("statements", len(migrations)).Msg("database migrations applied")
	return nil
}
