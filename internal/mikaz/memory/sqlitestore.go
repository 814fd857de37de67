package memory

import (
	"database/sql"
	"fmt"
)

// SQLiteStore is a DurableStore backed by the shared application database.
// SaveAll rewrites the conversation_memory table inside a single transaction,
// which gives the same all-or-nothing snapshot semantics as the file store's
// atomic rename.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLiteStore on db. The conversation_memory table
// must already exist (store.New applies the migration on startup).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// LoadAll reads every user's history, ordered by insertion sequence.
func (s *SQLiteStore) LoadAll() (map[string][]Entry, error) {
	rows, err := s.db.Query(`
		SELECT user_id, role, content
		FROM conversation_memory
		ORDER BY user_id, seq
	`)
	if err != nil {
		return map[string][]Entry{}, fmt.Errorf("memory: load snapshot: %w", err)
	}
	defer rows.Close()

	snapshot := make(map[string][]Entry)
	for rows.Next() {
		var userID, role, content string
		if err := rows.Scan(&userID, &role, &content); err != nil {
			return map[string][]Entry{}, fmt.Errorf("memory: scan snapshot row: %w", err)
		}
		snapshot[userID] = append(snapshot[userID], Entry{Role: Role(role), Content: content})
	}
	if err := rows.Err(); err != nil {
		return map[string][]Entry{}, fmt.Errorf("memory: read snapshot rows: %w", err)
	}
	return snapshot, nil
}

// SaveAll replaces the stored snapshot in one transaction.
func (s *SQLiteStore) SaveAll(snapshot map[string][]Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("memory: begin snapshot write: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM conversation_memory`); err != nil {
		tx.Rollback()
		return fmt.Errorf("memory: clear snapshot: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO conversation_memory (user_id, seq, role, content)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("memory: prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for userID, seq := range snapshot {
		for i, e := range seq {
			if _, err := stmt.Exec(userID, i, string(e.Role), e.Content); err != nil {
				tx.Rollback()
				return fmt.Errorf("memory: write snapshot row: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("memory: commit snapshot: %w", err)
	}
	return nil
}
