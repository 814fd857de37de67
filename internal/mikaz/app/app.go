// Package app assembles and runs the Mikaz bot: database, allowlist,
// per-user settings, conversation memory, completion backend, request queue,
// dispatcher, and the Matrix client.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zvwgvx/Mikaz/internal/mikaz/auth"
	"github.com/zvwgvx/Mikaz/internal/mikaz/bot"
	"github.com/zvwgvx/Mikaz/internal/mikaz/config"
	"github.com/zvwgvx/Mikaz/internal/mikaz/llm"
	"github.com/zvwgvx/Mikaz/internal/mikaz/matrix"
	"github.com/zvwgvx/Mikaz/internal/mikaz/memory"
	"github.com/zvwgvx/Mikaz/internal/mikaz/queue"
	"github.com/zvwgvx/Mikaz/internal/mikaz/settings"
	"github.com/zvwgvx/Mikaz/internal/mikaz/store"
)

// DrainTimeout bounds how long shutdown waits for the request being
// processed before giving up on it.
const DrainTimeout = 10 * time.Second

// Config holds application configuration. The bot configuration file covers
// behavior; this struct carries deployment concerns (credentials, paths).
type Config struct {
	DatabasePath string
	Bot          *config.Config
	Matrix       matrix.Config
	LLMAPIKey    string
}

// App is the assembled Mikaz application.
type App struct {
	config *Config
	store  *store.Store
	queue  *queue.PriorityRequestQueue
	bot    *bot.Dispatcher
	matrix *matrix.Client

	cancelWorker context.CancelFunc
}

// New wires the application. Nothing starts until Run.
func New(cfg *Config) (*App, error) {
	if cfg.Bot == nil {
		cfg.Bot = config.Default()
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	authStore, err := auth.New(st.DB())
	if err != nil {
		st.Close()
		return nil, err
	}

	settingsMgr := settings.NewManager(st.DB(), settings.Defaults{
		Model:        cfg.Bot.LLM.Model,
		SystemPrompt: cfg.Bot.LLM.SystemPrompt,
	}, cfg.Bot.LLM.SupportedModels)

	memStore, err := memoryBackend(cfg, st)
	if err != nil {
		st.Close()
		return nil, err
	}
	mem := memory.New(memory.Config{
		MaxMessages: cfg.Bot.Memory.MaxMessages,
		MaxTokens:   cfg.Bot.Memory.MaxTokens,
	}, memory.HeuristicTokenizer{}, memStore)

	provider := llm.New(llm.Config{
		APIKey:      cfg.LLMAPIKey,
		BaseURL:     cfg.Bot.LLM.BaseURL,
		Model:       cfg.Bot.LLM.Model,
		Timeout:     cfg.Bot.CompletionTimeout(),
		MaxAttempts: cfg.Bot.LLM.MaxAttempts,
	})

	cfg.Matrix.DB = st.DB()
	matrixClient, err := matrix.New(&cfg.Matrix)
	if err != nil {
		st.Close()
		return nil, err
	}

	q := queue.New()
	admission := queue.NewAdmissionController(q, cfg.Bot.Cooldown(), nil)
	dispatcher := bot.New(cfg.Bot, q, admission, mem, provider, settingsMgr, authStore, matrixClient)

	return &App{
		config: cfg,
		store:  st,
		queue:  q,
		bot:    dispatcher,
		matrix: matrixClient,
	}, nil
}

// memoryBackend selects the durable snapshot store for conversation memory.
func memoryBackend(cfg *Config, st *store.Store) (memory.DurableStore, error) {
	switch cfg.Bot.Memory.Backend {
	case "sqlite":
		return memory.NewSQLiteStore(st.DB()), nil
	case "", "file":
		fs, err := memory.NewFileStore(cfg.Bot.Memory.Path)
		if err != nil {
			return nil, fmt.Errorf("app: memory file store: %w", err)
		}
		return fs, nil
	default:
		return nil, fmt.Errorf("app: unknown memory backend %q", cfg.Bot.Memory.Backend)
	}
}

// Run starts the worker and the Matrix sync loop, then blocks until an
// interrupt signal arrives.
func (a *App) Run() error {
	workerCtx, cancel := context.WithCancel(context.Background())
	a.cancelWorker = cancel

	if err := a.queue.Start(workerCtx); err != nil {
		return fmt.Errorf("app: start request queue: %w", err)
	}

	slog.Info("starting Matrix sync", "user", a.config.Matrix.UserID)
	if err := a.matrix.Start(a.bot.HandleMessage); err != nil {
		return fmt.Errorf("app: start Matrix client: %w", err)
	}

	slog.Info("Mikaz is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop shuts the application down: the Matrix sync loop first so no new
// requests arrive, then the queue (bounded drain of the in-progress
// request), then the database.
func (a *App) Stop() {
	slog.Info("stopping Matrix client")
	a.matrix.Stop()

	slog.Info("draining request queue")
	drainCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	a.queue.DrainAndStop(drainCtx)
	cancel()
	if a.cancelWorker != nil {
		a.cancelWorker()
	}

	slog.Info("closing database")
	if err := a.store.Close(); err != nil {
		slog.Error("failed to close database", "err", err)
	}
}
