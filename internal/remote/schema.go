package remote

import (
	"context"
	"fmt"
	"strings"
)

// Schema is the remote table layout touched by queued actions.
const Schema = `
-- Events created by riders
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    creator_id TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT,
    resort TEXT,
    discipline TEXT, -- ski, snowboard, touring
    starts_at INTEGER NOT NULL,
    capacity INTEGER DEFAULT 0,
    created_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE INDEX IF NOT EXISTS idx_events_starts ON events(starts_at);
CREATE INDEX IF NOT EXISTS idx_events_resort ON events(resort, starts_at);

-- Event membership, one row per rider and event
CREATE TABLE IF NOT EXISTS event_participants (
    event_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    joined_at INTEGER NOT NULL,
    PRIMARY KEY (event_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_participants_user ON event_participants(user_id);

-- Rider profiles
CREATE TABLE IF NOT EXISTS profiles (
    user_id TEXT PRIMARY KEY,
    display_name TEXT,
    bio TEXT,
    home_resort TEXT,
    skill_level TEXT, -- beginner, intermediate, advanced, expert
    discipline TEXT,
    avatar_url TEXT,
    updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);

-- Chat messages. id is chosen by the sending device.
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    sender_id TEXT NOT NULL,
    body TEXT NOT NULL,
    sent_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, sent_at);
`

// columns lists the writable columns per table.
var columns = map[string][]string{
	"events":             {"id", "creator_id", "title", "description", "resort", "discipline", "starts_at", "capacity"},
	"event_participants": {"event_id", "user_id", "joined_at"},
	"profiles":           {"user_id", "display_name", "bio", "home_resort", "skill_level", "discipline", "avatar_url"},
	"messages":           {"id", "conversation_id", "sender_id", "body", "sent_at"},
}

// touchColumn is set to the current time by updates, when a table has one.
var touchColumn = map[string]string{
	"profiles": "updated_at",
}

// CheckColumn reports an error unless column is writable in table.
func CheckColumn(table, column string) error {
	cols, ok := columns[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	for _, c := range cols {
		if c == column {
			return nil
		}
	}
	return fmt.Errorf("unknown column %q in table %q", column, table)
}

// InitSchema creates all tables and indexes.
func (c *Client) InitSchema(ctx context.Context) error {
	statements := splitStatements(Schema)

	if err := c.BatchExecute(ctx, statements, nil); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	c.logger.Info("remote schema initialized", "statements", len(statements))
	return nil
}

// splitStatements breaks a schema script into single statements, dropping
// comment-only lines.
func splitStatements(schema string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(schema, "\n") {
		if i := strings.Index(line, "--"); i >= 0 {
			line = line[:i]
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSpace(current.String())
			if stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}
	if rest := strings.TrimSpace(current.String()); rest != "" {
		statements = append(statements, rest)
	}
	return statements
}
