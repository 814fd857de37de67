// Package memory implements Mikaz's bounded per-user conversation history.
// Each user's turns are kept oldest-first under two caps (message count and
// estimated token budget) and every mutation is persisted as a whole-map
// durable snapshot so the history survives restarts.
package memory

import (
	"log/slog"
	"sync"
)

// Role identifies the author of a conversation entry, using the chat
// completion API role names.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Entry is a single turn in a user's conversation.
type Entry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Tokenizer estimates the token cost of a text span. Estimates must be
// deterministic for the same input; eviction only needs consistent relative
// counts, not exact provider tokenization.
type Tokenizer interface {
	EstimateTokens(text string) int
}

// DurableStore persists the complete per-user conversation map. Both
// operations act on whole snapshots and SaveAll must be atomic: a reader
// never observes a partially written snapshot.
type DurableStore interface {
	LoadAll() (map[string][]Entry, error)
	SaveAll(snapshot map[string][]Entry) error
}

// Config bounds each user's history.
type Config struct {
	// MaxMessages is the cap on entries per user. Default: 50.
	MaxMessages int
	// MaxTokens is the cap on the summed estimated token cost of a user's
	// entries. Default: 2000.
	MaxTokens int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{MaxMessages: 50, MaxTokens: 2000}
}

// ConversationMemory owns the per-user ordered histories. Append and Clear
// serialize on one mutex, and the durable snapshot is written under that same
// mutex, so the last writer always persists every prior in-memory mutation.
//
// Safe for concurrent use.
type ConversationMemory struct {
	mu      sync.Mutex
	cfg     Config
	tok     Tokenizer
	store   DurableStore
	entries map[string][]Entry
	tokens  map[string]int // cached running totals, maintained incrementally
}

// New creates a ConversationMemory and loads the existing snapshot from
// store. A missing or corrupt snapshot is never fatal: the error is logged
// and the memory starts empty.
func New(cfg Config, tok Tokenizer, store DurableStore) *ConversationMemory {
	def := DefaultConfig()
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}

	m := &ConversationMemory{
		cfg:     cfg,
		tok:     tok,
		store:   store,
		entries: make(map[string][]Entry),
		tokens:  make(map[string]int),
	}

	loaded, err := store.LoadAll()
	if err != nil {
		slog.Warn("conversation memory snapshot unreadable, starting empty", "err", err)
		return m
	}
	for userID, seq := range loaded {
		m.entries[userID] = seq
		total := 0
		for _, e := range seq {
			total += tok.EstimateTokens(e.Content)
		}
		m.tokens[userID] = total
		m.evictLocked(userID)
	}
	slog.Info("conversation memory loaded", "users", len(m.entries))
	return m
}

// Messages returns a defensive copy of the user's ordered history.
func (m *ConversationMemory) Messages(userID string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq := m.entries[userID]
	out := make([]Entry, len(seq))
	copy(out, seq)
	return out
}

// Append adds an entry to the user's history, evicts oldest entries until
// both caps hold, and persists the snapshot. Persistence failure is logged
// and swallowed: the in-memory state stays authoritative for the process
// lifetime rather than breaking the conversation.
func (m *ConversationMemory) Append(userID string, e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[userID] = append(m.entries[userID], e)
	m.tokens[userID] += m.tok.EstimateTokens(e.Content)
	m.evictLocked(userID)
	m.persistLocked()
}

// Clear removes the user's entire history and persists.
func (m *ConversationMemory) Clear(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[userID]; !ok {
		return
	}
	delete(m.entries, userID)
	delete(m.tokens, userID)
	m.persistLocked()
}

// Users returns the IDs of users with stored history.
func (m *ConversationMemory) Users() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.entries))
	for id := range m.entries {
		out = append(out, id)
	}
	return out
}

// EstimatedTokens returns the cached token total for the user's history.
func (m *ConversationMemory) EstimatedTokens(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[userID]
}

// evictLocked drops entries from the head until both caps hold. Eviction
// never reorders: index 0 is always the oldest entry. Must be called with
// mu held.
func (m *ConversationMemory) evictLocked(userID string) {
	seq := m.entries[userID]

	for len(seq) > m.cfg.MaxMessages {
		m.tokens[userID] -= m.tok.EstimateTokens(seq[0].Content)
		seq = seq[1:]
	}
	for len(seq) > 0 && m.tokens[userID] > m.cfg.MaxTokens {
		m.tokens[userID] -= m.tok.EstimateTokens(seq[0].Content)
		seq = seq[1:]
	}

	if len(seq) == 0 {
		delete(m.entries, userID)
		delete(m.tokens, userID)
		return
	}
	m.entries[userID] = seq
}

// persistLocked writes the whole-map snapshot. Must be called with mu held.
func (m *ConversationMemory) persistLocked() {
	if err := m.store.SaveAll(m.entries); err != nil {
		slog.Error("failed to persist conversation memory", "err", err)
	}
}
