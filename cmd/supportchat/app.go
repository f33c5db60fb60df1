package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xaenox/supportchat/internal/backend"
	"github.com/xaenox/supportchat/internal/channel"
	"github.com/xaenox/supportchat/internal/escalation"
	"github.com/xaenox/supportchat/internal/models"
	"github.com/xaenox/supportchat/internal/session"
	"github.com/xaenox/supportchat/internal/storage"
	"github.com/xaenox/supportchat/pkg/config"
	"go.uber.org/zap"
)

// app holds everything a command needs, wired from the config.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	tickets    storage.TicketStore
	agents     storage.AgentRegistry
	redis      *redis.Client
	channel    *channel.Client
	controller *session.Controller
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, observer func(session.Change)) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var memory *storage.MemoryStorage
	if cfg.Database.UseInMemory || !cfg.Redis.Enabled {
		memory = storage.NewMemoryStorage()
	}

	// Initialize ticket store
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory ticket store")
		a.tickets = memory
	} else {
		logger.Info("Using PostgreSQL ticket store")
		store, err := storage.NewPostgresTicketStore(storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.tickets = store
	}

	// Initialize agent registry
	if cfg.Redis.Enabled {
		client, err := newRedisClient(cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			a.Close()
			return nil, fmt.Errorf("error connecting to redis: %w", err)
		}
		logger.Info("Using Redis agent registry")
		a.redis = client
		registry := storage.NewRedisAgentRegistry(client, logger)
		if err := seedRedisAgents(ctx, registry, cfg.Agents); err != nil {
			a.Close()
			return nil, err
		}
		a.agents = registry
	} else {
		logger.Info("Using in-memory agent registry")
		for _, ac := range cfg.Agents {
			memory.PutAgent(agentFromConfig(ac))
		}
		a.agents = memory
	}

	httpClient := backend.NewHTTPClient(backend.HTTPConfig{
		BaseURL: cfg.Backend.BaseURL,
		OrgID:   cfg.Backend.OrgID,
		Channel: cfg.Backend.Channel,
		Timeout: cfg.Backend.Timeout,
	}, logger.Named("backend"))

	var responder backend.Responder = httpClient
	if cfg.OpenAI.Enabled {
		logger.Info("Answering with OpenAI", zap.String("model", cfg.OpenAI.Model))
		responder = backend.NewOpenAIResponder(backend.OpenAIConfig{
			APIKey:      cfg.OpenAI.APIKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			MaxTokens:   cfg.OpenAI.MaxTokens,
			Temperature: cfg.OpenAI.Temperature,
		}, logger.Named("openai"))
	}

	a.channel = channel.NewClient(channel.Config{
		URL:                  cfg.Backend.WSURL,
		ReconnectInitial:     cfg.Channel.ReconnectInitial,
		ReconnectMax:         cfg.Channel.ReconnectMax,
		MaxReconnectAttempts: cfg.Channel.MaxReconnectAttempts,
	}, logger.Named("channel"))

	opts := []session.Option{
		session.WithSimilarityThreshold(cfg.Escalation.SimilarityThreshold),
		session.WithDetector(escalation.NewKeywordDetector(cfg.Escalation.Keywords)),
	}
	if observer != nil {
		opts = append(opts, session.WithObserver(observer))
	}
	a.controller = session.NewController(session.Deps{
		Coordinator: escalation.NewCoordinator(a.tickets, a.agents, logger.Named("escalation")),
		Channel:     a.channel,
		Responder:   responder,
		History:     httpClient,
		Ender:       httpClient,
		Identity:    session.StaticIdentity{Email: cfg.User.Email, Name: cfg.User.Name},
		Logger:      logger.Named("session"),
	}, opts...)
	a.controller.Bind(a.channel)

	return a, nil
}

// runChannel keeps the event channel connected in the background.
func (a *app) runChannel(ctx context.Context) {
	go func() {
		if err := a.channel.Run(ctx); err != nil {
			var e *models.Error
			if errors.As(err, &e) {
				a.logger.Error("Event channel stopped", zap.String("reason", e.UserMessage()))
				return
			}
			a.logger.Error("Event channel stopped", zap.Error(err))
		}
	}()
}

func (a *app) Close() {
	if a.controller != nil {
		a.controller.Shutdown(context.Background())
	}
	if a.channel != nil {
		a.channel.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.tickets != nil {
		a.tickets.Close()
	}
}

func newRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}

// seedRedisAgents adds configured agents that the registry does not know yet.
// Existing agents keep their session sets.
func seedRedisAgents(ctx context.Context, registry *storage.RedisAgentRegistry, agents []config.AgentConfig) error {
	for _, ac := range agents {
		_, err := registry.GetAgent(ctx, ac.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrAgentNotFound) {
			return err
		}
		if err := registry.PutAgent(ctx, agentFromConfig(ac)); err != nil {
			return err
		}
	}
	return nil
}

func agentFromConfig(ac config.AgentConfig) *models.Agent {
	status := models.AgentStatus(ac.Status)
	if status == "" {
		status = models.AgentAvailable
	}
	return &models.Agent{
		ID:          ac.ID,
		Name:        ac.Name,
		Status:      status,
		MaxSessions: ac.MaxSessions,
	}
}
