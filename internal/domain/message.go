package domain

import (
	"time"
)

// InboundMessage is a message delivered by the transport. It is immutable once received.
type InboundMessage struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	Body       *string   `json:"body,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	FromMe     bool      `json:"from_me"`
	Live       bool      `json:"live"`
}

// Text returns the body or an empty string when absent.
func (m InboundMessage) Text() string {
	if m.Body == nil {
		return ""
	}
	return *m.Body
}

// HasBody returns true if the message carries a non-empty body.
func (m InboundMessage) HasBody() bool {
	return m.Body != nil && *m.Body != ""
}

// Outcome describes what the dispatcher did with an inbound message.
type Outcome string

const (
	OutcomeDroppedInvalid  Outcome = "dropped_invalid"
	OutcomeDroppedNotReady Outcome = "dropped_not_ready"
	OutcomeIgnored         Outcome = "ignored"
	OutcomeReplied         Outcome = "replied"
	OutcomeNoReply         Outcome = "no_reply"
	OutcomeSendFailed      Outcome = "send_failed"
)

// MessageRecord is a journaled inbound message with the dispatcher's outcome.
type MessageRecord struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	Body       string    `json:"body"`
	Outcome    Outcome   `json:"outcome,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
