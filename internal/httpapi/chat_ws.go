package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mobilinkhero/waflow/internal/bot"
)

// wsInbound is one chat turn from the browser. Tenant and contact identity
// come from the connection query, not from the frame.
type wsInbound struct {
	Text             string `json:"text"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`
}

type wsOutbound struct {
	Reply            string `json:"reply,omitempty"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`
	Error            string `json:"error,omitempty"`
	Code             string `json:"code,omitempty"`
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	contactID := strings.TrimSpace(r.URL.Query().Get("contact_id"))
	contactPhone := strings.TrimSpace(r.URL.Query().Get("contact_phone"))
	if tenantID == "" || contactID == "" {
		respondError(w, http.StatusBadRequest, "missing_identity", "query parameters tenant_id and contact_id are required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	// Turns are processed inline, one at a time per connection, so writes
	// stay single-threaded without a separate writer goroutine.
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

		var in wsInbound
		if err := json.Unmarshal(data, &in); err != nil || strings.TrimSpace(in.Text) == "" {
			s.writeWS(conn, wsOutbound{Error: "frame must be {\"text\": ...}", Code: "invalid_frame"})
			continue
		}

		reply := s.processor.Process(r.Context(), "websocket", bot.InboundEvent{
			TenantID:         tenantID,
			ContactID:        contactID,
			ContactPhone:     contactPhone,
			Text:             in.Text,
			ReplyToMessageID: in.ReplyToMessageID,
		})
		if !s.writeWS(conn, wsOutbound{Reply: reply, ReplyToMessageID: in.ReplyToMessageID}) {
			return
		}
	}
}

func (s *Server) writeWS(conn *websocket.Conn, out wsOutbound) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(out) == nil
}
