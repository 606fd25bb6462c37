package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mobilinkhero/waflow/internal/assistant"
	"github.com/mobilinkhero/waflow/internal/bot"
	"github.com/mobilinkhero/waflow/internal/config"
	"github.com/mobilinkhero/waflow/internal/conversation"
	"github.com/mobilinkhero/waflow/internal/httpapi"
	"github.com/mobilinkhero/waflow/internal/observability"
	"github.com/mobilinkhero/waflow/internal/orderflow"
	"github.com/mobilinkhero/waflow/internal/session"
)

type BuildResult struct {
	Config        config.Config
	API           *httpapi.Server
	Sessions      *session.Manager
	Conversations *conversation.Manager
	Processor     *bot.Processor
	Metrics       *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	sessionStore, err := session.NewStore(ctx, cfg.SessionStoreDriver, cfg.DatabaseURL, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}
	sessions := session.NewManager(sessionStore, cfg.OrderSessionTTL, cfg.StoreRetryAttempts)
	sessions.SetStoreErrorHook(func(class string) {
		metrics.SessionStoreErrors.WithLabelValues(class).Inc()
	})
	sessions.SetLiveCountHook(func(n int) {
		metrics.ActiveOrderSessions.Set(float64(n))
	})

	convStore, err := conversation.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = sessionStore.Close()
		return nil, fmt.Errorf("conversation store init failed: %w", err)
	}
	conversations := conversation.NewManager(convStore)
	conversations.SetEventHook(func(event string) {
		metrics.ConversationEvents.WithLabelValues(event).Inc()
	})

	catalog, orders, commerceCleanup, err := buildCommerce(ctx, cfg)
	if err != nil {
		_ = convStore.Shutdown()
		_ = sessionStore.Close()
		return nil, err
	}

	reuseWindow := cfg.ChatReuseWindow
	if cfg.ThreadsEnabled {
		reuseWindow = cfg.ThreadReuseWindow
	}
	resolver := assistant.NewResolver(
		conversations,
		assistant.NewHTTPThreadClient(cfg.ThreadAPIBaseURL, cfg.OpenAIAPIKey),
		assistant.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL),
		assistant.Config{
			Model:          cfg.Model,
			Temperature:    cfg.Temperature,
			MaxTokens:      cfg.MaxTokens,
			SystemPrompt:   cfg.SystemPrompt,
			ThreadsEnabled: cfg.ThreadsEnabled,
			AssistantID:    cfg.AssistantID,
			ReuseWindow:    reuseWindow,
			PollAttempts:   cfg.PollAttempts,
			PollInterval:   cfg.PollInterval,
		},
		metrics,
	)

	machine := orderflow.NewMachine(sessions, catalog, orders, cfg.PaymentMethods, metrics)
	processor := bot.NewProcessor(machine, resolver, metrics)
	api := httpapi.New(cfg, processor, sessions, metrics)

	cleanup := func() error {
		var errs []string
		if commerceCleanup != nil {
			commerceCleanup()
		}
		if err := convStore.Shutdown(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := sessionStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:        cfg,
		API:           api,
		Sessions:      sessions,
		Conversations: conversations,
		Processor:     processor,
		Metrics:       metrics,
		Cleanup:       cleanup,
	}, nil
}

func buildCommerce(ctx context.Context, cfg config.Config) (orderflow.Catalog, orderflow.OrderCreator, func(), error) {
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pg, err := orderflow.NewPostgresCommerce(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("commerce store init failed: %w", err)
		}
		log.Printf("commerce backend: postgres")
		return pg, pg, pg.Close, nil
	}
	mem := orderflow.NewMemoryCommerce()
	log.Printf("commerce backend: in-memory (no DATABASE_URL)")
	return mem, mem, nil, nil
}
