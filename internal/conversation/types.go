package conversation

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// claimPrefix marks a remote_thread_id that is a creation claim, not a real
// thread id. The claim write is what keeps concurrent resolutions from each
// creating their own remote thread.
const claimPrefix = "claim:"

var (
	ErrNotFound = errors.New("conversation not found")
	ErrInactive = errors.New("conversation is not active")
)

// Message is one entry of a conversation transcript. Append-only.
type Message struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	TokensUsed int       `json:"tokens_used,omitempty"`
}

// Record maps a tenant+contact chat to at most one remote AI thread and
// holds the full message history.
type Record struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	ContactID       string    `json:"contact_id"`
	ContactPhone    string    `json:"contact_phone"`
	RemoteThreadID  string    `json:"remote_thread_id,omitempty"`
	SystemPrompt    string    `json:"system_prompt"`
	Messages        []Message `json:"messages"`
	MessageCount    int       `json:"message_count"`
	TotalTokensUsed int       `json:"total_tokens_used"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	IsActive        bool      `json:"is_active"`
}

// Reusable reports whether the record may serve another turn: still active
// and inside its absolute lifetime window.
func (r *Record) Reusable(now time.Time) bool {
	return r != nil && r.IsActive && now.Before(r.ExpiresAt)
}

// HasThread reports whether a real remote thread id is present (a pending
// claim does not count).
func (r *Record) HasThread() bool {
	return r != nil && r.RemoteThreadID != "" && !strings.HasPrefix(r.RemoteThreadID, claimPrefix)
}

// Fresh reports whether the record holds nothing beyond the system seed, so
// caller-supplied history still needs replaying into the remote thread.
func (r *Record) Fresh() bool {
	if r == nil {
		return false
	}
	for _, m := range r.Messages {
		if m.Role != RoleSystem {
			return false
		}
	}
	return true
}

func newConversationID() string {
	return "conv_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newClaimToken() string {
	return claimPrefix + uuid.NewString()
}

// IsClaim reports whether a stored remote_thread_id value is a pending
// creation claim rather than a real thread id.
func IsClaim(threadID string) bool {
	return strings.HasPrefix(threadID, claimPrefix)
}
