// Package store provides the session journal: a durable log of connection
// transitions and inbound message outcomes.
package store

import (
	"context"

	"github.com/ashureev/pairbot/internal/domain"
)

// Journal defines the interface for persisting session history.
type Journal interface {
	// RecordTransition appends a state machine transition.
	RecordTransition(ctx context.Context, tr domain.Transition) error

	// RecordInbound stores a message the first time its id is seen.
	// It returns false when the id was already journaled.
	RecordInbound(ctx context.Context, msg domain.InboundMessage) (bool, error)

	// RecordOutcome sets what the dispatcher did with a journaled message.
	RecordOutcome(ctx context.Context, id string, outcome domain.Outcome, detail string) error

	// RecentTransitions returns up to limit transitions, newest first.
	RecentTransitions(ctx context.Context, limit int) ([]domain.Transition, error)

	// RecentMessages returns up to limit messages, newest first.
	RecentMessages(ctx context.Context, limit int) ([]domain.MessageRecord, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
