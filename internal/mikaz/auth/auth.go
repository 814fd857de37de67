// Package auth maintains the allowlist of users permitted to talk to the
// bot. The list lives in the shared SQLite database and is mirrored in
// memory so the hot-path check on every inbound message never touches disk.
package auth

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store is the authorized-user allowlist. Safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	db    *sql.DB
	users map[string]struct{}
}

// New creates a Store over db and loads the current allowlist.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, users: make(map[string]struct{})}

	rows, err := db.Query(`SELECT user_id FROM authorized_users`)
	if err != nil {
		return nil, fmt.Errorf("auth: load allowlist: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("auth: scan allowlist row: %w", err)
		}
		s.users[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auth: read allowlist: %w", err)
	}
	return s, nil
}

// IsAuthorized reports whether userID may use the bot.
func (s *Store) IsAuthorized(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[userID]
	return ok
}

// Add grants userID access. Returns false when the user was already
// authorized.
func (s *Store) Add(userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; ok {
		return false, nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.Exec(
		`INSERT INTO authorized_users (user_id, added_at) VALUES (?, ?)`, userID, now,
	); err != nil {
		return false, fmt.Errorf("auth: add %q: %w", userID, err)
	}
	s.users[userID] = struct{}{}
	return true, nil
}

// Remove revokes userID's access. Returns false when the user was not
// authorized.
func (s *Store) Remove(userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return false, nil
	}
	if _, err := s.db.Exec(`DELETE FROM authorized_users WHERE user_id = ?`, userID); err != nil {
		return false, fmt.Errorf("auth: remove %q: %w", userID, err)
	}
	delete(s.users, userID)
	return true, nil
}

// List returns the sorted allowlist.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.users))
	for id := range s.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
