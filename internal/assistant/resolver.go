package assistant

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/mobilinkhero/waflow/internal/conversation"
	"github.com/mobilinkhero/waflow/internal/observability"
)

// UnavailableReply is returned when both backends fail. It is the only reply
// this package produces that did not come from a model.
const UnavailableReply = "Sorry, I can't answer right now. Please try again in a few minutes."

// Resolver decides per turn whether to resume an existing remote thread,
// create one, or answer through the stateless completion backend. All
// provider failures are absorbed here; callers always get a reply string.
type Resolver struct {
	conversations *conversation.Manager
	threads       ThreadClient
	completions   CompletionClient
	cfg           Config
	metrics       *observability.Metrics
}

// outcome is the tagged result threaded through the turn instead of
// exception-style control flow: every fallback entry point is visible.
type outcome struct {
	kind   outcomeKind
	reply  string
	tokens int
	reason string
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeNeedsFallback
	outcomeFailure
)

func success(reply string, tokens int) outcome {
	return outcome{kind: outcomeSuccess, reply: reply, tokens: tokens}
}

func needsFallback(reason string, err error) outcome {
	if err != nil {
		log.Printf("thread path falling back (%s): %v", reason, err)
	}
	return outcome{kind: outcomeNeedsFallback, reason: reason}
}

func failure(reason string) outcome {
	return outcome{kind: outcomeFailure, reason: reason}
}

func NewResolver(conversations *conversation.Manager, threads ThreadClient, completions CompletionClient, cfg Config, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		conversations: conversations,
		threads:       threads,
		completions:   completions,
		cfg:           cfg.withDefaults(),
		metrics:       metrics,
	}
}

// Resolve handles one inbound turn. history is optional caller-supplied
// context (e.g. imported from the messaging provider) and is only replayed
// into a freshly created record; a reused record's thread already has it.
func (r *Resolver) Resolve(ctx context.Context, tenantID, contactID, contactPhone, text string, history []ChatMessage) (string, *conversation.Record) {
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.ObserveTurnLatency(time.Since(start))
			r.metrics.ObserveStage("turn_total", time.Since(start))
		}
	}()

	rec, _, err := r.conversations.GetOrCreate(ctx, tenantID, contactID, contactPhone, r.cfg.SystemPrompt, r.cfg.ReuseWindow)
	if err != nil {
		// Record store down: answer statelessly, mutate nothing.
		log.Printf("conversation store unavailable for %s/%s: %v", tenantID, contactID, err)
		out := r.runStateless(ctx, nil, text, history, true)
		if out.kind != outcomeSuccess {
			return UnavailableReply, nil
		}
		return FormatForWhatsApp(out.reply), nil
	}
	if r.metrics != nil {
		r.metrics.ObserveStage("record_resolved", time.Since(start))
	}

	// Freshness must be read before the user turn is appended.
	fresh := rec.Fresh()

	if err := r.conversations.AppendUserMessage(ctx, rec, text); err != nil {
		log.Printf("append user message failed on %s: %v", rec.ID, err)
	}

	out := failure("threads disabled")
	if r.cfg.ThreadsEnabled {
		out = r.runThreaded(ctx, rec, text, history, fresh)
		if out.kind == outcomeSuccess {
			r.finishTurn(ctx, rec, &out)
			return FormatForWhatsApp(out.reply), rec
		}
		if out.kind == outcomeFailure {
			return UnavailableReply, rec
		}
		if r.metrics != nil {
			r.metrics.Fallbacks.WithLabelValues(out.reason).Inc()
			r.metrics.MarkIndicator("fallback_" + out.reason)
		}
	}

	out = r.runStateless(ctx, rec, text, history, fresh)
	if out.kind != outcomeSuccess {
		log.Printf("both backends failed for %s/%s: %s", tenantID, contactID, out.reason)
		return UnavailableReply, rec
	}
	r.finishTurn(ctx, rec, &out)
	return FormatForWhatsApp(out.reply), rec
}

func (r *Resolver) finishTurn(ctx context.Context, rec *conversation.Record, out *outcome) {
	if err := r.conversations.AppendAssistantMessage(ctx, rec, out.reply, out.tokens); err != nil {
		log.Printf("append assistant message failed on %s: %v", rec.ID, err)
	}
}

// runThreaded drives the stateful path:
// thread ensured → history replayed (fresh records only) → message sent →
// run polled → reply extracted. Any failure converts to a fallback outcome.
func (r *Resolver) runThreaded(ctx context.Context, rec *conversation.Record, text string, history []ChatMessage, fresh bool) outcome {
	stageStart := time.Now()

	threadID, out := r.ensureThread(ctx, rec)
	if out != nil {
		return *out
	}
	if r.metrics != nil {
		r.metrics.ObserveStage("thread_ensured", time.Since(stageStart))
	}

	if fresh && len(history) > 0 {
		for _, entry := range history {
			if err := r.threads.AppendMessage(ctx, threadID, entry.Role, entry.Content); err != nil {
				return needsFallback("history_replay", err)
			}
		}
		if r.metrics != nil {
			r.metrics.ObserveStage("history_replayed", time.Since(stageStart))
		}
	}

	if err := r.threads.AppendMessage(ctx, threadID, conversation.RoleUser, text); err != nil {
		return needsFallback("message_send", err)
	}

	runID, err := r.threads.Run(ctx, threadID, r.cfg.AssistantID)
	if err != nil {
		return needsFallback("run_start", err)
	}

	pollStart := time.Now()
	status, pollOut := r.pollRun(ctx, threadID, runID)
	if pollOut != nil {
		return *pollOut
	}
	if r.metrics != nil {
		r.metrics.ObserveStage("run_polled", time.Since(pollStart))
	}
	if status != RunCompleted {
		return needsFallback("run_"+string(status), nil)
	}

	reply, err := r.latestAssistantReply(ctx, threadID)
	if err != nil {
		return needsFallback("reply_extract", err)
	}
	return success(reply, 0)
}

// ensureThread resolves the record's remote thread, creating it at most once
// per record. Losing a concurrent claim means waiting for the winner, never
// creating a second thread.
func (r *Resolver) ensureThread(ctx context.Context, rec *conversation.Record) (string, *outcome) {
	if rec.HasThread() {
		return rec.RemoteThreadID, nil
	}

	token, claimed, current, err := r.conversations.ClaimThread(ctx, rec)
	if err != nil {
		out := needsFallback("thread_claim", err)
		return "", &out
	}

	if claimed {
		threadID, err := r.threads.CreateThread(ctx)
		if err != nil {
			if relErr := r.conversations.ReleaseThread(ctx, rec, token); relErr != nil {
				log.Printf("release thread claim failed on %s: %v", rec.ID, relErr)
			}
			out := needsFallback("thread_create", err)
			return "", &out
		}
		if err := r.conversations.ConfirmThread(ctx, rec, token, threadID); err != nil {
			out := needsFallback("thread_confirm", err)
			return "", &out
		}
		if r.metrics != nil {
			r.metrics.ThreadCreations.Inc()
		}
		return threadID, nil
	}

	// Someone else holds the claim or already confirmed a thread.
	for attempt := 0; attempt < r.cfg.ClaimWaitAttempts; attempt++ {
		if current != "" && !conversation.IsClaim(current) {
			rec.RemoteThreadID = current
			return current, nil
		}
		select {
		case <-ctx.Done():
			out := failure("context cancelled")
			return "", &out
		case <-time.After(r.cfg.ClaimWaitInterval):
		}
		current, err = r.conversations.ThreadState(ctx, rec)
		if err != nil {
			out := needsFallback("claim_wait", err)
			return "", &out
		}
	}
	out := needsFallback("claim_wait_exhausted", nil)
	return "", &out
}

// pollRun waits for a terminal run state within the fixed budget. The
// request thread blocks, other tenants' events do not: there is no shared
// lock here, only this turn's goroutine sleeping.
func (r *Resolver) pollRun(ctx context.Context, threadID, runID string) (RunStatus, *outcome) {
	for attempt := 0; attempt < r.cfg.PollAttempts; attempt++ {
		status, err := r.threads.RunStatus(ctx, threadID, runID)
		if err != nil {
			out := needsFallback("run_poll", err)
			return "", &out
		}
		if status.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			out := failure("context cancelled")
			return "", &out
		case <-time.After(r.cfg.PollInterval):
		}
	}
	if r.metrics != nil {
		r.metrics.RunPollTimeouts.Inc()
	}
	// The remote run may still finish later; its result is simply never read.
	out := needsFallback("run_timeout", ErrRemoteTimeout)
	return "", &out
}

func (r *Resolver) latestAssistantReply(ctx context.Context, threadID string) (string, error) {
	messages, err := r.threads.ListMessages(ctx, threadID)
	if err != nil {
		return "", err
	}
	for _, m := range messages {
		if m.Role == conversation.RoleAssistant {
			return m.Content, nil
		}
	}
	return "", errors.New("run completed but produced no assistant message")
}

// runStateless issues one completion call. For a fresh (or absent) record the
// caller-supplied history is included; a reused record's context lives in its
// remote thread and is deliberately not re-sent.
func (r *Resolver) runStateless(ctx context.Context, rec *conversation.Record, text string, history []ChatMessage, fresh bool) outcome {
	messages := make([]ChatMessage, 0, len(history)+2)
	messages = append(messages, ChatMessage{Role: conversation.RoleSystem, Content: r.cfg.SystemPrompt})
	if fresh {
		messages = append(messages, history...)
	} else if rec != nil {
		// No remote thread to lean on: replay the stored transcript so the
		// stateless backend still sees the conversation so far.
		for _, m := range rec.Messages {
			if m.Role == conversation.RoleSystem {
				continue
			}
			if m.Role == conversation.RoleUser && m.Content == text {
				continue
			}
			messages = append(messages, ChatMessage{Role: m.Role, Content: m.Content})
		}
	}
	messages = append(messages, ChatMessage{Role: conversation.RoleUser, Content: text})

	reply, tokens, err := r.completions.Complete(ctx, r.cfg.Model, messages, r.cfg.Temperature, r.cfg.MaxTokens)
	if err != nil {
		return failure("completion: " + err.Error())
	}
	return success(reply, tokens)
}
