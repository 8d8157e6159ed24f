package transport

import (
	"time"

	"github.com/ashureev/pairbot/internal/domain"
)

// Frame types exchanged with the gateway. Every frame is a JSON text message
// carrying a "type" discriminator next to its payload fields.
const (
	FrameHello         = "hello"
	FrameSend          = "send"
	FramePair          = "pair"
	FrameCreds         = "creds"
	FrameAuthenticated = "authenticated"
	FrameReady         = "ready"
	FrameCapability    = "capability"
	FrameMessage       = "message"
	FrameAuthFailure   = "auth_failure"
	FrameSendAck       = "send_ack"
)

// closeStatusBase offsets disconnect status codes into the websocket
// application close range: status 4401 carries disconnect code 401.
const closeStatusBase = 4000

// Message kinds. Only live notifications are dispatched.
const (
	KindNotify  = "notify"
	KindHistory = "history"
)

type frameHeader struct {
	Type string `json:"type"`
}

// HelloPayload opens a session (client -> server). Empty DeviceID requests pairing.
type HelloPayload struct {
	ClientID string `json:"client_id"`
	DeviceID string `json:"device_id,omitempty"`
	Token    string `json:"token,omitempty"`
}

// SendPayload asks the gateway to deliver text (client -> server).
type SendPayload struct {
	ID   string `json:"id"`
	To   string `json:"to"`
	Text string `json:"text"`
}

// PairPayload carries a pairing code (server -> client).
type PairPayload struct {
	Code string `json:"code"`
}

// CredsPayload carries updated credentials (server -> client).
type CredsPayload struct {
	Credentials *domain.Credentials `json:"credentials"`
}

// CapabilityPayload reports an internal capability flipping (server -> client).
type CapabilityPayload struct {
	Name string `json:"name"`
	Live bool   `json:"live"`
}

// MessagePayload is an inbound message (server -> client).
type MessagePayload struct {
	ID        string  `json:"id"`
	From      string  `json:"from"`
	Body      *string `json:"body,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
	FromMe    bool    `json:"from_me,omitempty"`
	Kind      string  `json:"kind,omitempty"`
}

// AuthFailurePayload reports rejected credentials (server -> client).
type AuthFailurePayload struct {
	StatusCode int    `json:"status_code"`
	Reason     string `json:"reason,omitempty"`
}

// SendAckPayload confirms or rejects a send (server -> client).
type SendAckPayload struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type helloFrame struct {
	Type string `json:"type"`
	HelloPayload
}

type sendFrame struct {
	Type string `json:"type"`
	SendPayload
}

// toInbound converts a message payload, stamping receipt time when the gateway omits it.
func (p MessagePayload) toInbound(now time.Time) domain.InboundMessage {
	received := now
	if p.Timestamp > 0 {
		received = time.Unix(p.Timestamp, 0)
	}
	return domain.InboundMessage{
		ID:         p.ID,
		From:       p.From,
		Body:       p.Body,
		ReceivedAt: received,
		FromMe:     p.FromMe,
		Live:       p.Kind == "" || p.Kind == KindNotify,
	}
}
