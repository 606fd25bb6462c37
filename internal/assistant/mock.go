package assistant

import (
	"context"
	"fmt"
	"sync"
)

// MockThreadClient is a deterministic in-memory thread backend. Counters are
// exported so tests can assert invocation counts under concurrency.
type MockThreadClient struct {
	mu      sync.Mutex
	threads map[string][]ChatMessage
	runs    map[string]string // run id -> thread id
	seq     int

	CreateThreadCalls int
	RunCalls          int

	// FailCreate/FailRun/StallRuns inject failure modes.
	FailCreate bool
	FailRun    bool
	StallRuns  bool
}

func NewMockThreadClient() *MockThreadClient {
	return &MockThreadClient{
		threads: make(map[string][]ChatMessage),
		runs:    make(map[string]string),
	}
}

func (c *MockThreadClient) CreateThread(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CreateThreadCalls++
	if c.FailCreate {
		return "", fmt.Errorf("%w: injected create failure", ErrRemoteThread)
	}
	c.seq++
	id := fmt.Sprintf("th_%d", c.seq)
	c.threads[id] = nil
	return id, nil
}

func (c *MockThreadClient) AppendMessage(_ context.Context, threadID, role, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.threads[threadID]; !ok {
		return fmt.Errorf("%w: unknown thread %s", ErrRemoteThread, threadID)
	}
	c.threads[threadID] = append(c.threads[threadID], ChatMessage{Role: role, Content: content})
	return nil
}

func (c *MockThreadClient) Run(_ context.Context, threadID, assistantID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RunCalls++
	if c.FailRun {
		return "", fmt.Errorf("%w: injected run failure", ErrRemoteThread)
	}
	if _, ok := c.threads[threadID]; !ok {
		return "", fmt.Errorf("%w: unknown thread %s", ErrRemoteThread, threadID)
	}
	c.seq++
	runID := fmt.Sprintf("run_%d", c.seq)
	c.runs[runID] = threadID

	// Synthesize the assistant reply at run time so ListMessages sees it.
	last := ""
	for _, m := range c.threads[threadID] {
		if m.Role == "user" {
			last = m.Content
		}
	}
	c.threads[threadID] = append(c.threads[threadID], ChatMessage{
		Role:    "assistant",
		Content: "threaded reply to: " + last,
	})
	return runID, nil
}

func (c *MockThreadClient) RunStatus(_ context.Context, _, runID string) (RunStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StallRuns {
		return RunInProgress, nil
	}
	if _, ok := c.runs[runID]; !ok {
		return "", fmt.Errorf("%w: unknown run %s", ErrRemoteThread, runID)
	}
	return RunCompleted, nil
}

func (c *MockThreadClient) ListMessages(_ context.Context, threadID string) ([]ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	transcript, ok := c.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown thread %s", ErrRemoteThread, threadID)
	}
	// Newest first, matching the real API.
	out := make([]ChatMessage, len(transcript))
	for i, m := range transcript {
		out[len(transcript)-1-i] = m
	}
	return out, nil
}

// Transcript returns a copy of the thread contents for assertions.
func (c *MockThreadClient) Transcript(threadID string) []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChatMessage, len(c.threads[threadID]))
	copy(out, c.threads[threadID])
	return out
}

// MockCompletionClient is a deterministic stateless backend.
type MockCompletionClient struct {
	mu    sync.Mutex
	Calls int
	Fail  bool

	// LastMessages captures the message list of the most recent call.
	LastMessages []ChatMessage
}

func NewMockCompletionClient() *MockCompletionClient {
	return &MockCompletionClient{}
}

func (c *MockCompletionClient) Complete(_ context.Context, _ string, messages []ChatMessage, _ float64, _ int) (string, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls++
	if c.Fail {
		return "", 0, fmt.Errorf("%w: injected completion failure", ErrRemoteUnavailable)
	}
	c.LastMessages = make([]ChatMessage, len(messages))
	copy(c.LastMessages, messages)

	last := ""
	for _, m := range messages {
		if m.Role == "user" {
			last = m.Content
		}
	}
	return "stateless reply to: " + last, 11, nil
}
