// Package session owns the connection lifecycle: the state machine, the
// reconnection policy and the controller that drives a transport session
// through pairing, authentication and readiness.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/pairbot/internal/domain"
)

var (
	// ErrInvalidTransition is returned for a transition the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrLoggedOut is returned by Connect once the session is terminally logged out.
	ErrLoggedOut = errors.New("session logged out: reset credentials to pair again")
	// ErrClosed is returned once the controller has shut down.
	ErrClosed = errors.New("session controller closed")
)

const historyLimit = 100

// allowed lists the legal transitions. LoggedOut has a single exit, taken
// only by an explicit credential reset.
var allowed = map[domain.ConnectionState][]domain.ConnectionState{
	domain.StateDisconnected: {
		domain.StatePairingRequired,
		domain.StateAuthenticated,
		domain.StateLoggedOut,
		domain.StateClosing,
	},
	domain.StatePairingRequired: {
		domain.StateAuthenticated,
		domain.StateDisconnected,
		domain.StateClosing,
	},
	domain.StateAuthenticated: {
		domain.StateReady,
		domain.StateDisconnected,
		domain.StateClosing,
	},
	domain.StateReady: {
		domain.StateDisconnected,
		domain.StateClosing,
	},
	domain.StateLoggedOut: {
		domain.StateDisconnected,
		domain.StateClosing,
	},
	domain.StateClosing: {},
}

// Listener observes committed transitions. It runs synchronously after the
// machine's lock is released, so it may read State but must not block.
type Listener func(domain.Transition)

// Machine is the single owner of the connection state. Transitions are the
// only mutation path.
type Machine struct {
	mu        sync.RWMutex
	state     domain.ConnectionState
	history   []domain.Transition
	listeners []Listener
	logger    *slog.Logger
	now       func() time.Time
}

// NewMachine creates a machine in the Disconnected state.
func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		state:  domain.StateDisconnected,
		logger: logger,
		now:    time.Now,
	}
}

// State returns the current state.
func (m *Machine) State() domain.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Is reports whether the machine is in any of the given states.
func (m *Machine) Is(states ...domain.ConnectionState) bool {
	current := m.State()
	for _, s := range states {
		if current == s {
			return true
		}
	}
	return false
}

// Subscribe registers a listener for future transitions.
func (m *Machine) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// History returns a copy of recent transitions, oldest first.
func (m *Machine) History() []domain.Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Transition moves to the target state. Reason and status code are recorded
// for transitions into Disconnected.
func (m *Machine) Transition(to domain.ConnectionState, reason domain.DisconnectReason, statusCode int) error {
	m.mu.Lock()
	from := m.state
	if !canTransition(from, to) {
		m.mu.Unlock()
		m.logger.Warn("Rejected state transition", "old_state", from, "new_state", to, "reason", reason)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	if to != domain.StateDisconnected {
		reason = domain.ReasonNone
		statusCode = 0
	}
	tr := domain.Transition{From: from, To: to, Reason: reason, StatusCode: statusCode, At: m.now()}
	m.state = to
	m.history = append(m.history, tr)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	attrs := []any{"old_state", from, "new_state", to}
	if reason != domain.ReasonNone {
		attrs = append(attrs, "reason", reason)
	}
	if statusCode != 0 {
		attrs = append(attrs, "status_code", statusCode)
	}
	m.logger.Info("Session state transition", attrs...)

	for _, l := range listeners {
		l(tr)
	}
	return nil
}

func canTransition(from, to domain.ConnectionState) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
