// Package transport defines the messaging transport contract consumed by the
// session controller, and a websocket gateway client that satisfies it.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/pairbot/internal/domain"
)

var (
	// ErrNotConnected is returned when the session has already closed.
	ErrNotConnected = errors.New("transport not connected")
	// ErrClosedLocally marks a ClosedEvent caused by our own Close call.
	ErrClosedLocally = errors.New("transport closed locally")
)

// SendError wraps a failure while transmitting a message.
type SendError struct {
	To  string
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.To, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Event is a notification emitted by a transport session.
type Event interface {
	eventName() string
}

// PairingEvent carries a fresh pairing code for a human to scan.
type PairingEvent struct {
	Code string
}

// CredentialsEvent carries updated credentials that must be persisted.
type CredentialsEvent struct {
	Credentials *domain.Credentials
}

// AuthenticatedEvent signals the credentials were accepted.
type AuthenticatedEvent struct{}

// ReadyEvent signals the transport reports itself ready. The send path may still lag.
type ReadyEvent struct{}

// AuthFailureEvent signals the gateway rejected our credentials.
type AuthFailureEvent struct {
	StatusCode int
	Reason     string
}

// ClosedEvent is the last event of a session. StatusCode is 0 when the
// transport closed without a status (network error, EOF).
type ClosedEvent struct {
	StatusCode int
	Err        error
}

// MessageEvent carries one inbound message.
type MessageEvent struct {
	Message domain.InboundMessage
}

func (PairingEvent) eventName() string       { return "pairing" }
func (CredentialsEvent) eventName() string   { return "credentials" }
func (AuthenticatedEvent) eventName() string { return "authenticated" }
func (ReadyEvent) eventName() string         { return "ready" }
func (AuthFailureEvent) eventName() string   { return "auth_failure" }
func (ClosedEvent) eventName() string        { return "closed" }
func (MessageEvent) eventName() string       { return "message" }

// EventName returns a short name for logging.
func EventName(ev Event) string {
	if ev == nil {
		return "nil"
	}
	return ev.eventName()
}

// Sender transmits text messages.
type Sender interface {
	SendText(ctx context.Context, to, text string) error
}

// Session is one live connection to the messaging service.
type Session interface {
	Sender

	// Events delivers session events in order. The channel is closed after a ClosedEvent.
	Events() <-chan Event

	// Probe reports whether the named internal capability is currently live.
	Probe(ctx context.Context, capability string) (bool, error)

	// Close tears the session down. It is safe to call more than once.
	Close() error
}

// Dialer opens sessions. A nil creds value requests a fresh pairing.
type Dialer interface {
	Dial(ctx context.Context, creds *domain.Credentials) (Session, error)
}
