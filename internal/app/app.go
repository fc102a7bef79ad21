package app

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"mentorchat/internal/auth"
	"mentorchat/internal/config"
	"mentorchat/internal/conversation"
	"mentorchat/internal/redis"
	"mentorchat/internal/service/ai"
	"mentorchat/internal/service/assistant"
	"mentorchat/internal/service/chat"
	"mentorchat/internal/storage"
	"mentorchat/internal/worker"
)

// App holds the services shared by the HTTP server and the terminal client.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Redis     *redis.Client
	Assistant *assistant.Service
	Auth      *auth.Service
	Generator ai.Generator
	Builder   *conversation.Builder
}

// New opens the database named by dbType, migrates it and builds every
// service. Redis is optional.
func New(cfg *config.Config, dbType string) (*App, error) {
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, dbType); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	a := &App{Config: cfg, DB: db}

	a.Redis, err = redis.NewRedisClient(cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create redis client: %w", err)
	}
	if !a.Redis.Available() {
		log.Printf("[app] redis not configured, tokens and sessions stay in-process")
	}

	a.Assistant, err = assistant.NewService(db)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init assistant service: %w", err)
	}
	a.Auth = auth.NewService(db, a.Redis, time.Duration(cfg.BasicConfig.TokenTTL)*time.Hour)

	a.Generator, err = ai.NewGenerator(cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init generator: %w", err)
	}
	a.Builder, err = chat.NewBuilder(cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init request builder: %w", err)
	}
	return a, nil
}

// Credentials resolves the provider key for a client: its stored key, then
// the configured api_key, then GEMINI_API_KEY.
func (a *App) Credentials(clientID int64) chat.CredentialStore {
	return chat.ChainStore{
		a.Assistant.CredentialStore(clientID),
		chat.ConfigStore(a.Config),
		chat.EnvStore{},
	}
}

// NewSession creates a chat session bound to clientID's credentials.
func (a *App) NewSession(clientID int64, history *conversation.Log) *chat.Session {
	return chat.NewSession(chat.Options{
		Builder:     a.Builder,
		Generator:   a.Generator,
		Credentials: a.Credentials(clientID),
		Log:         history,
	})
}

// NewManager builds the session manager used by the HTTP API.
func (a *App) NewManager() *worker.Manager {
	b := a.Config.BasicConfig
	opts := []worker.Option{worker.WithStateCache(a.Redis)}
	if b.GenerateTitles {
		opts = append(opts, worker.WithTitler(assistant.NewTitler(a.Generator, a.Credentials)))
	}
	return worker.NewManager(a.NewSession, worker.DispatcherConfig{
		MinWorkers:        b.MinWorkers,
		MaxWorkers:        b.MaxInFlight,
		QueueSize:         b.QueueSize,
		WorkerIdleTimeout: time.Duration(b.WorkerIdleTimeout) * time.Minute,
		SessionIdle:       time.Duration(b.SessionIdle) * time.Minute,
		RequestsPerMinute: b.RequestsPerMinute,
	}, opts...)
}

// RequestTimeout bounds one provider call.
func (a *App) RequestTimeout() time.Duration {
	return time.Duration(a.Config.BasicConfig.RequestTimeout) * time.Second
}

// Close releases the database and redis connections.
func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
