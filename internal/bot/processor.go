// Package bot routes normalized inbound messages to the right handler:
// a contact who is mid-purchase talks to the order flow, everyone else
// talks to the assistant.
package bot

import (
	"context"
	"log"
	"strings"

	"github.com/mobilinkhero/waflow/internal/assistant"
	"github.com/mobilinkhero/waflow/internal/observability"
	"github.com/mobilinkhero/waflow/internal/orderflow"
)

// InboundEvent is a channel-agnostic inbound message. Webhook and websocket
// ingress both normalize into this shape before processing.
type InboundEvent struct {
	TenantID         string `json:"tenant_id"`
	ContactID        string `json:"contact_id"`
	ContactPhone     string `json:"contact_phone"`
	Text             string `json:"text"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`
}

func (e *InboundEvent) Valid() bool {
	return e.TenantID != "" && e.ContactID != "" && strings.TrimSpace(e.Text) != ""
}

// Processor is the single entry point for inbound messages. It always
// returns a reply string; provider failures surface as the assistant's
// unavailable message, never as an error to the transport.
type Processor struct {
	machine  *orderflow.Machine
	resolver *assistant.Resolver
	metrics  *observability.Metrics
}

func NewProcessor(machine *orderflow.Machine, resolver *assistant.Resolver, metrics *observability.Metrics) *Processor {
	return &Processor{machine: machine, resolver: resolver, metrics: metrics}
}

// Process handles one inbound event. source labels the transport for
// metrics ("webhook", "websocket").
func (p *Processor) Process(ctx context.Context, source string, ev InboundEvent) string {
	text := strings.TrimSpace(ev.Text)

	if reply, handled := p.machine.Handle(ctx, ev.TenantID, ev.ContactID, text); handled {
		p.count(source, "order_flow")
		return reply
	}

	reply, rec := p.resolver.Resolve(ctx, ev.TenantID, ev.ContactID, ev.ContactPhone, text, nil)
	p.count(source, "assistant")
	if rec != nil {
		log.Printf("turn resolved tenant=%s contact=%s conv=%s threaded=%v",
			ev.TenantID, ev.ContactID, rec.ID, rec.HasThread())
	}
	return reply
}

func (p *Processor) count(source, handledBy string) {
	if p.metrics != nil {
		p.metrics.InboundMessages.WithLabelValues(source, handledBy).Inc()
	}
}
