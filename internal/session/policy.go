package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/pairbot/internal/domain"
	"github.com/ashureev/pairbot/internal/transport"
)

// Disconnect status codes reported by the messaging service.
const (
	StatusLoggedOut       = 401
	StatusConnectionLost  = 408
	StatusConnectionClose = 428
	StatusBadSession      = 500
	StatusUnavailable     = 503
	StatusRestartRequired = 515
)

// Classify maps a disconnect status code to a reason. A zero status with a
// non-nil error is a network failure and counts as transient.
func Classify(statusCode int, err error) domain.DisconnectReason {
	switch statusCode {
	case StatusLoggedOut:
		return domain.ReasonLoggedOut
	case StatusConnectionLost, StatusConnectionClose, StatusBadSession, StatusUnavailable, StatusRestartRequired:
		return domain.ReasonTransient
	case 0:
		if err != nil && !errors.Is(err, transport.ErrClosedLocally) {
			return domain.ReasonTransient
		}
		return domain.ReasonUnknown
	default:
		return domain.ReasonUnknown
	}
}

// PolicyConfig configures reconnection decisions.
type PolicyConfig struct {
	Delay         time.Duration
	Backoff       bool
	MaxDelay      time.Duration
	FlapThreshold int
	FlapWindow    time.Duration
}

// Decision is the policy outcome for one disconnect.
type Decision struct {
	Reconnect bool
	Delay     time.Duration
	// Flapping is set when disconnects exceed FlapThreshold inside FlapWindow.
	// The fixed-delay policy keeps retrying; this only surfaces the loop.
	Flapping bool
	Recent   int
}

// Policy decides whether and when to reconnect after a disconnect.
//
// The default is a fixed delay with no growth. With Backoff enabled the delay
// doubles for each disconnect inside the flap window, capped at MaxDelay.
type Policy struct {
	mu     sync.Mutex
	cfg    PolicyConfig
	recent []time.Time
	logger *slog.Logger
}

// NewPolicy creates a reconnection policy.
func NewPolicy(cfg PolicyConfig, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 5 * time.Second
	}
	if cfg.MaxDelay < cfg.Delay {
		cfg.MaxDelay = cfg.Delay
	}
	if cfg.FlapThreshold <= 0 {
		cfg.FlapThreshold = 5
	}
	if cfg.FlapWindow <= 0 {
		cfg.FlapWindow = time.Minute
	}
	return &Policy{cfg: cfg, logger: logger}
}

// Decide returns the reconnection decision for a disconnect observed at now.
func (p *Policy) Decide(reason domain.DisconnectReason, now time.Time) Decision {
	if reason == domain.ReasonLoggedOut {
		return Decision{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := now.Add(-p.cfg.FlapWindow)
	kept := p.recent[:0]
	for _, t := range p.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.recent = append(kept, now)

	d := Decision{
		Reconnect: true,
		Delay:     p.cfg.Delay,
		Recent:    len(p.recent),
		Flapping:  len(p.recent) > p.cfg.FlapThreshold,
	}

	if p.cfg.Backoff {
		delay := p.cfg.Delay
		for i := 1; i < len(p.recent) && delay < p.cfg.MaxDelay; i++ {
			delay *= 2
		}
		if delay > p.cfg.MaxDelay {
			delay = p.cfg.MaxDelay
		}
		d.Delay = delay
	}

	if d.Flapping {
		p.logger.Warn("Reconnect loop detected",
			"disconnects", d.Recent,
			"window", p.cfg.FlapWindow,
			"threshold", p.cfg.FlapThreshold,
			"delay", d.Delay)
	}
	return d
}

// Reset clears the disconnect history, typically after a session reaches Ready.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recent = nil
}
