package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mobilinkhero/waflow/internal/reliability"
)

// HTTPThreadClient talks to an assistants-style thread/run HTTP API.
type HTTPThreadClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPThreadClient(baseURL, apiKey string) *HTTPThreadClient {
	return &HTTPThreadClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type threadEnvelope struct {
	ID string `json:"id"`
}

type runEnvelope struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type messageEnvelope struct {
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text struct {
			Value string `json:"value"`
		} `json:"text"`
	} `json:"content"`
}

type messageListEnvelope struct {
	Data []messageEnvelope `json:"data"`
}

func (c *HTTPThreadClient) CreateThread(ctx context.Context) (string, error) {
	var out threadEnvelope
	if err := c.do(ctx, http.MethodPost, "/threads", map[string]any{}, &out); err != nil {
		return "", fmt.Errorf("%w: create thread: %v", ErrRemoteThread, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: create thread returned no id", ErrRemoteThread)
	}
	return out.ID, nil
}

func (c *HTTPThreadClient) AppendMessage(ctx context.Context, threadID, role, content string) error {
	payload := map[string]any{
		"role":    role,
		"content": content,
	}
	if err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/messages", payload, nil); err != nil {
		return fmt.Errorf("%w: append message: %v", ErrRemoteThread, err)
	}
	return nil
}

func (c *HTTPThreadClient) Run(ctx context.Context, threadID, assistantID string) (string, error) {
	payload := map[string]any{
		"assistant_id": assistantID,
	}
	var out runEnvelope
	if err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/runs", payload, &out); err != nil {
		return "", fmt.Errorf("%w: start run: %v", ErrRemoteThread, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: start run returned no id", ErrRemoteThread)
	}
	return out.ID, nil
}

func (c *HTTPThreadClient) RunStatus(ctx context.Context, threadID, runID string) (RunStatus, error) {
	var out runEnvelope
	if err := c.do(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, &out); err != nil {
		return "", fmt.Errorf("%w: run status: %v", ErrRemoteThread, err)
	}
	return RunStatus(out.Status), nil
}

func (c *HTTPThreadClient) ListMessages(ctx context.Context, threadID string) ([]ChatMessage, error) {
	var out messageListEnvelope
	if err := c.do(ctx, http.MethodGet, "/threads/"+threadID+"/messages", nil, &out); err != nil {
		return nil, fmt.Errorf("%w: list messages: %v", ErrRemoteThread, err)
	}

	messages := make([]ChatMessage, 0, len(out.Data))
	for _, m := range out.Data {
		var text strings.Builder
		for _, part := range m.Content {
			if part.Type == "text" {
				text.WriteString(part.Text.Value)
			}
		}
		messages = append(messages, ChatMessage{Role: m.Role, Content: text.String()})
	}
	return messages, nil
}

func (c *HTTPThreadClient) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", "assistants=v2")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		slice, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		if reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return fmt.Errorf("thread api status %d (retryable): %s", res.StatusCode, string(slice))
		}
		return fmt.Errorf("thread api status %d: %s", res.StatusCode, string(slice))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
