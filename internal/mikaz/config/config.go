// Package config loads the Mikaz bot configuration file. The file is YAML,
// validated against an embedded JSON schema before being decoded, so a typo
// in a key or a wrong value type fails at startup with a precise message
// instead of silently falling back to a default.
//
// Credentials (homeserver token, completion API key) are deliberately not
// part of this file; they come from the environment.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

// Config is the decoded bot configuration.
type Config struct {
	// CommandPrefix introduces bot commands, e.g. ";help". Default ";".
	CommandPrefix string `yaml:"command_prefix"`
	// AllowedRooms lists the Matrix room IDs the bot answers in. Empty
	// means every joined room.
	AllowedRooms []string `yaml:"allowed_rooms"`
	// Owners are Matrix user IDs whose requests are privileged: they skip
	// the cooldown, jump the queue, and may run admin commands.
	Owners []string `yaml:"owners"`
	// MaxMessageLength is the chunk size for splitting long replies.
	MaxMessageLength int `yaml:"max_message_length"`

	Memory MemoryConfig `yaml:"memory"`
	LLM    LLMConfig    `yaml:"llm"`
	Queue  QueueConfig  `yaml:"queue"`
}

// MemoryConfig configures the conversation memory and its durable backend.
type MemoryConfig struct {
	// Backend selects where snapshots persist: "file" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the JSON snapshot location for the file backend.
	Path string `yaml:"path"`
	// MaxMessages caps the entries kept per user.
	MaxMessages int `yaml:"max_messages"`
	// MaxTokens caps the estimated token total kept per user.
	MaxTokens int `yaml:"max_tokens"`
}

// LLMConfig configures the completion backend.
type LLMConfig struct {
	BaseURL         string   `yaml:"base_url"`
	Model           string   `yaml:"model"`
	SupportedModels []string `yaml:"supported_models"`
	SystemPrompt    string   `yaml:"system_prompt"`
	TimeoutSeconds  int      `yaml:"timeout_seconds"`
	MaxAttempts     int      `yaml:"max_attempts"`
}

// QueueConfig configures request admission.
type QueueConfig struct {
	CooldownSeconds float64 `yaml:"cooldown_seconds"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		CommandPrefix:    ";",
		MaxMessageLength: 4000,
		Memory: MemoryConfig{
			Backend:     "file",
			Path:        "./mikaz-memory.json",
			MaxMessages: 50,
			MaxTokens:   2000,
		},
		LLM: LLMConfig{
			Model:          "gpt-4o-mini",
			SystemPrompt:   "You are a helpful assistant.",
			TimeoutSeconds: 120,
			MaxAttempts:    2,
		},
		Queue: QueueConfig{CooldownSeconds: 5},
	}
}

// Load reads, validates, and decodes the configuration file at path. An
// empty path returns the defaults. Unset fields fall back to their defaults;
// fields present but malformed are a startup error.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and decodes a configuration document.
func Parse(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

// validateSchema checks the YAML document against the embedded JSON schema.
// The document is round-tripped through encoding/json so the validator sees
// the value shapes it expects.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: parse: %w", err)
	}
	if doc == nil {
		return nil // empty file, defaults apply
	}

	jsonDoc, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: normalize for validation: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(jsonDoc, &normalized); err != nil {
		return fmt.Errorf("config: normalize for validation: %w", err)
	}

	schema, err := jsonschema.CompileString("schema.json", schemaJSON)
	if err != nil {
		return fmt.Errorf("config: compile schema: %w", err)
	}
	if err := schema.Validate(normalized); err != nil {
		return fmt.Errorf("config: invalid configuration: %w", err)
	}
	return nil
}

// CompletionTimeout returns the configured completion call timeout.
func (c *Config) CompletionTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

// Cooldown returns the configured admission cooldown.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Queue.CooldownSeconds * float64(time.Second))
}

// IsOwner reports whether userID is listed as a bot owner.
func (c *Config) IsOwner(userID string) bool {
	for _, owner := range c.Owners {
		if owner == userID {
			return true
		}
	}
	return false
}

// RoomAllowed reports whether the bot should answer in roomID.
func (c *Config) RoomAllowed(roomID string) bool {
	if len(c.AllowedRooms) == 0 {
		return true
	}
	for _, room := range c.AllowedRooms {
		if room == roomID {
			return true
		}
	}
	return false
}
