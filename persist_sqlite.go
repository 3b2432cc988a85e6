package chatsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chat_state (
	owner      TEXT PRIMARY KEY,
	focused_id INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS chat_conversations (
	owner    TEXT    NOT NULL,
	id       INTEGER NOT NULL,
	position INTEGER NOT NULL,
	body     TEXT    NOT NULL,
	PRIMARY KEY (owner, id)
);
`

// SQLitePersister stores each committed state in one SQL transaction, so the
// file always holds a complete committed state even after a crash.
type SQLitePersister struct {
	db *sql.DB
}

// OpenSQLitePersister opens (or creates) the database at path.
func OpenSQLitePersister(path string) (*SQLitePersister, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; the store serializes commits anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLitePersister{db: db}, nil
}

func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

func (p *SQLitePersister) Save(ctx context.Context, state PersistedState) (err error) {
	if state.Owner == "" {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO chat_state (owner, focused_id) VALUES (?, ?)
		 ON CONFLICT(owner) DO UPDATE SET focused_id = excluded.focused_id`,
		state.Owner, state.FocusedID); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM chat_conversations WHERE owner = ?`, state.Owner); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chat_conversations (owner, id, position, body) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, c := range state.Conversations {
		body, mErr := json.Marshal(c)
		if mErr != nil {
			err = fmt.Errorf("marshal conversation %d: %w", c.ID, mErr)
			return err
		}
		if _, err = stmt.ExecContext(ctx, state.Owner, c.ID, i, string(body)); err != nil {
			return fmt.Errorf("insert conversation %d: %w", c.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *SQLitePersister) Load(ctx context.Context, owner string) (*PersistedState, error) {
	state := &PersistedState{Owner: owner}
	err := p.db.QueryRowContext(ctx, `SELECT focused_id FROM chat_state WHERE owner = ?`, owner).Scan(&state.FocusedID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `SELECT body FROM chat_conversations WHERE owner = ? ORDER BY position`, owner)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		var c Conversation
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, fmt.Errorf("decode conversation: %w", err)
		}
		state.Conversations = append(state.Conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	return state, nil
}
