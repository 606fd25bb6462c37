package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the bot backend.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DatabaseURL        string
	RedisURL           string
	SessionStoreDriver string

	OrderSessionTTL   time.Duration
	ChatReuseWindow   time.Duration
	ThreadReuseWindow time.Duration
	SweepInterval     time.Duration

	OpenAIAPIKey  string
	OpenAIBaseURL string
	Model         string
	Temperature   float64
	MaxTokens     int

	ThreadsEnabled   bool
	ThreadAPIBaseURL string
	AssistantID      string
	PollAttempts     int
	PollInterval     time.Duration

	SystemPrompt   string
	PaymentMethods []string

	StoreRetryAttempts int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	// Best-effort: a missing .env is not an error.
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "waflow"),
		AllowAnyOrigin:     false,
		DatabaseURL:        trimmedEnv("DATABASE_URL"),
		RedisURL:           trimmedEnv("REDIS_URL"),
		SessionStoreDriver: envOrDefault("SESSION_STORE_DRIVER", "auto"),
		OpenAIAPIKey:       trimmedEnv("OPENAI_API_KEY"),
		OpenAIBaseURL:      trimmedEnv("OPENAI_BASE_URL"),
		Model:              envOrDefault("AI_MODEL", "gpt-4o-mini"),
		Temperature:        0.7,
		MaxTokens:          1024,
		ThreadAPIBaseURL:   trimmedEnv("THREAD_API_BASE_URL"),
		AssistantID:        trimmedEnv("ASSISTANT_ID"),
		SystemPrompt:       envOrDefault("AI_SYSTEM_PROMPT", "You are a helpful shop assistant."),
		ShutdownTimeout:    15 * time.Second,
		OrderSessionTTL:    2 * time.Hour,
		ChatReuseWindow:    30 * time.Minute,
		ThreadReuseWindow:  24 * time.Hour,
		SweepInterval:      time.Minute,
		PollAttempts:       30,
		PollInterval:       time.Second,
		StoreRetryAttempts: 3,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.OrderSessionTTL, err = durationFromEnv("ORDER_SESSION_TTL", cfg.OrderSessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.ChatReuseWindow, err = durationFromEnv("CHAT_REUSE_WINDOW", cfg.ChatReuseWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.ThreadReuseWindow, err = durationFromEnv("THREAD_REUSE_WINDOW", cfg.ThreadReuseWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("SESSION_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.PollInterval, err = durationFromEnv("RUN_POLL_INTERVAL", cfg.PollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.PollAttempts, err = intFromEnv("RUN_POLL_ATTEMPTS", cfg.PollAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxTokens, err = intFromEnv("AI_MAX_TOKENS", cfg.MaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreRetryAttempts, err = intFromEnv("STORE_RETRY_ATTEMPTS", cfg.StoreRetryAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.Temperature, err = floatFromEnv("AI_TEMPERATURE", cfg.Temperature)
	if err != nil {
		return Config{}, err
	}
	cfg.ThreadsEnabled, err = boolFromEnv("AI_THREADS_ENABLED", cfg.ThreadsEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.PaymentMethods = splitList(envOrDefault("PAYMENT_METHODS", "cod,transfer,qris"))

	if cfg.OrderSessionTTL < time.Minute {
		return Config{}, fmt.Errorf("ORDER_SESSION_TTL must be at least 1m")
	}
	if cfg.ChatReuseWindow < time.Minute {
		return Config{}, fmt.Errorf("CHAT_REUSE_WINDOW must be at least 1m")
	}
	if cfg.ThreadReuseWindow < cfg.ChatReuseWindow {
		return Config{}, fmt.Errorf("THREAD_REUSE_WINDOW must not be shorter than CHAT_REUSE_WINDOW")
	}
	if cfg.PollAttempts <= 0 {
		return Config{}, fmt.Errorf("RUN_POLL_ATTEMPTS must be positive")
	}
	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("RUN_POLL_INTERVAL must be positive")
	}
	if cfg.MaxTokens <= 0 {
		return Config{}, fmt.Errorf("AI_MAX_TOKENS must be positive")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return Config{}, fmt.Errorf("AI_TEMPERATURE must be within [0, 2]")
	}
	if cfg.StoreRetryAttempts <= 0 {
		return Config{}, fmt.Errorf("STORE_RETRY_ATTEMPTS must be positive")
	}
	if cfg.ThreadsEnabled && strings.TrimSpace(cfg.AssistantID) == "" {
		return Config{}, fmt.Errorf("ASSISTANT_ID is required when AI_THREADS_ENABLED is set")
	}
	if len(cfg.PaymentMethods) == 0 {
		return Config{}, fmt.Errorf("PAYMENT_METHODS must list at least one method")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.SessionStoreDriver)) {
	case "auto", "memory", "postgres", "redis":
	default:
		return Config{}, fmt.Errorf("invalid SESSION_STORE_DRIVER: %q (expected auto|memory|postgres|redis)", cfg.SessionStoreDriver)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
