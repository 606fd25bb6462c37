package assistant

import (
	"context"
	"errors"
	"time"
)

// ChatMessage is the normalized message shape exchanged with AI backends.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RunStatus is the lifecycle state of an asynchronous remote run.
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
	RunExpired    RunStatus = "expired"
)

// Terminal reports whether the run will make no further progress.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired:
		return true
	default:
		return false
	}
}

var (
	// ErrRemoteThread covers thread creation/append/run failures.
	ErrRemoteThread = errors.New("remote thread error")
	// ErrRemoteTimeout means the polling budget ran out before a terminal state.
	ErrRemoteTimeout = errors.New("remote run timed out")
	// ErrRemoteUnavailable means both the threaded and stateless backends failed.
	ErrRemoteUnavailable = errors.New("ai backends unavailable")
)

// ThreadClient is the stateful backend: conversation context lives remotely
// in a thread addressed by an opaque id.
type ThreadClient interface {
	CreateThread(ctx context.Context) (string, error)
	AppendMessage(ctx context.Context, threadID, role, content string) error
	Run(ctx context.Context, threadID, assistantID string) (string, error)
	RunStatus(ctx context.Context, threadID, runID string) (RunStatus, error)
	// ListMessages returns the thread transcript, newest first.
	ListMessages(ctx context.Context, threadID string) ([]ChatMessage, error)
}

// CompletionClient is the stateless backend: the full message list travels
// with every request. Returns the reply text and total tokens used.
type CompletionClient interface {
	Complete(ctx context.Context, model string, messages []ChatMessage, temperature float64, maxTokens int) (string, int, error)
}

// Config describes one assistant as the settings layer provisions it.
type Config struct {
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string

	ThreadsEnabled bool
	AssistantID    string

	ReuseWindow  time.Duration
	PollAttempts int
	PollInterval time.Duration

	// ClaimWait bounds how long a resolution that lost the thread-creation
	// claim waits for the winner to confirm before falling back.
	ClaimWaitAttempts int
	ClaimWaitInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.ReuseWindow <= 0 {
		c.ReuseWindow = 24 * time.Hour
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 30
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ClaimWaitAttempts <= 0 {
		c.ClaimWaitAttempts = 10
	}
	if c.ClaimWaitInterval <= 0 {
		c.ClaimWaitInterval = 200 * time.Millisecond
	}
	return c
}
