// Package settings stores each user's completion preferences: which model
// their requests run against and the system prompt prepended to their
// conversation. Values live in the shared SQLite database; users without an
// explicit row fall back to the configured defaults.
package settings

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// MaxPromptLength caps a user-supplied system prompt.
const MaxPromptLength = 10_000

// ErrUnsupportedModel is returned by SetModel for a model outside the
// configured allowlist.
var ErrUnsupportedModel = errors.New("settings: unsupported model")

// ErrEmptyPrompt is returned by SetSystemPrompt for a blank prompt.
var ErrEmptyPrompt = errors.New("settings: system prompt must not be empty")

// ErrPromptTooLong is returned by SetSystemPrompt when the prompt exceeds
// MaxPromptLength.
var ErrPromptTooLong = errors.New("settings: system prompt too long")

// Defaults supplies the values used for users without stored settings.
type Defaults struct {
	Model        string
	SystemPrompt string
}

// Manager reads and writes per-user settings. Safe for concurrent use (the
// underlying single-connection SQLite store serializes access).
type Manager struct {
	db        *sql.DB
	defaults  Defaults
	supported map[string]struct{}
}

// NewManager creates a Manager over db. supportedModels is the model
// allowlist for SetModel; the default model is always accepted.
func NewManager(db *sql.DB, defaults Defaults, supportedModels []string) *Manager {
	supported := make(map[string]struct{}, len(supportedModels)+1)
	for _, m := range supportedModels {
		supported[m] = struct{}{}
	}
	if defaults.Model != "" {
		supported[defaults.Model] = struct{}{}
	}
	return &Manager{db: db, defaults: defaults, supported: supported}
}

// Model returns the user's model, or the default when unset.
func (m *Manager) Model(userID string) string {
	model, _, err := m.load(userID)
	if err != nil || model == "" {
		return m.defaults.Model
	}
	return model
}

// SystemPrompt returns the user's system prompt, or the default when unset.
func (m *Manager) SystemPrompt(userID string) string {
	_, prompt, err := m.load(userID)
	if err != nil || prompt == "" {
		return m.defaults.SystemPrompt
	}
	return prompt
}

// SetModel stores the user's model choice after validating it against the
// allowlist.
func (m *Manager) SetModel(userID, model string) error {
	model = strings.TrimSpace(model)
	if _, ok := m.supported[model]; !ok {
		return fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedModel, model, strings.Join(m.SupportedModels(), ", "))
	}
	return m.upsert(userID, "model", model)
}

// SetSystemPrompt stores the user's system prompt.
func (m *Manager) SetSystemPrompt(userID, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ErrEmptyPrompt
	}
	if len(prompt) > MaxPromptLength {
		return fmt.Errorf("%w: %d characters (limit %d)", ErrPromptTooLong, len(prompt), MaxPromptLength)
	}
	return m.upsert(userID, "system_prompt", prompt)
}

// Reset removes the user's stored settings, reverting them to the defaults.
// Resetting a user without settings is a no-op.
func (m *Manager) Reset(userID string) error {
	if _, err := m.db.Exec(`DELETE FROM user_settings WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("settings: reset %q: %w", userID, err)
	}
	return nil
}

// SupportedModels returns the sorted model allowlist.
func (m *Manager) SupportedModels() []string {
	out := make([]string, 0, len(m.supported))
	for model := range m.supported {
		out = append(out, model)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) load(userID string) (model, prompt string, err error) {
	err = m.db.QueryRow(
		`SELECT model, system_prompt FROM user_settings WHERE user_id = ?`, userID,
	).Scan(&model, &prompt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("settings: load %q: %w", userID, err)
	}
	return model, prompt, nil
}

// upsert writes one column for the user, preserving the other.
func (m *Manager) upsert(userID, column, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := fmt.Sprintf(`
		INSERT INTO user_settings (user_id, %s, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			%s         = excluded.%s,
			updated_at = excluded.updated_at
	`, column, column, column)
	if _, err := m.db.Exec(query, userID, value, now); err != nil {
		return fmt.Errorf("settings: set %s for %q: %w", column, userID, err)
	}
	return nil
}
