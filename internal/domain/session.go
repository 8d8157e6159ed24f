package domain

import (
	"time"
)

// ConnectionState is the lifecycle state of the transport session.
type ConnectionState string

const (
	StateDisconnected    ConnectionState = "disconnected"
	StatePairingRequired ConnectionState = "pairing_required"
	StateAuthenticated   ConnectionState = "authenticated"
	StateReady           ConnectionState = "ready"
	StateClosing         ConnectionState = "closing"
	StateLoggedOut       ConnectionState = "logged_out"
)

// DisconnectReason classifies why a session dropped.
type DisconnectReason string

const (
	ReasonNone      DisconnectReason = ""
	ReasonTransient DisconnectReason = "transient"
	ReasonLoggedOut DisconnectReason = "logged_out"
	ReasonUnknown   DisconnectReason = "unknown"
)

// Transition is one entry of the state machine's transition log.
type Transition struct {
	From       ConnectionState  `json:"from"`
	To         ConnectionState  `json:"to"`
	Reason     DisconnectReason `json:"reason,omitempty"`
	StatusCode int              `json:"status_code,omitempty"`
	At         time.Time        `json:"at"`
}

// PairingArtifact is a short-lived code a human scans to authorize the session.
type PairingArtifact struct {
	AttemptID string    `json:"attempt_id"`
	Code      string    `json:"code"`
	IssuedAt  time.Time `json:"issued_at"`
}
