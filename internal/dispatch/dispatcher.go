// Package dispatch hands inbound messages to a reply handler once the
// transport's send path is confirmed live.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashureev/pairbot/internal/domain"
	"github.com/ashureev/pairbot/internal/readiness"
	"github.com/ashureev/pairbot/internal/transport"
)

// Handler decides how to answer a message and sends the answer through sender.
type Handler interface {
	Handle(ctx context.Context, msg domain.InboundMessage, sender transport.Sender) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg domain.InboundMessage, sender transport.Sender) error

func (f HandlerFunc) Handle(ctx context.Context, msg domain.InboundMessage, sender transport.Sender) error {
	return f(ctx, msg, sender)
}

// Journal records inbound messages and what became of them.
type Journal interface {
	// RecordInbound stores msg and reports false if its id was already seen.
	RecordInbound(ctx context.Context, msg domain.InboundMessage) (bool, error)
	RecordOutcome(ctx context.Context, id string, outcome domain.Outcome, detail string) error
}

// Config is the per-message readiness budget.
type Config struct {
	Probe       string
	MaxAttempts int
	Interval    time.Duration
	Quiescence  time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithJournal enables replay dedupe and outcome recording.
func WithJournal(j Journal) Option {
	return func(d *Dispatcher) {
		d.journal = j
	}
}

// WithSleep replaces the quiescence wait. Used by tests.
func WithSleep(sleep readiness.SleepFunc) Option {
	return func(d *Dispatcher) {
		d.sleep = sleep
	}
}

// Dispatcher processes each inbound message independently.
type Dispatcher struct {
	gate    *readiness.Gate
	handler Handler
	journal Journal
	cfg     Config
	sleep   readiness.SleepFunc
	logger  *slog.Logger
}

// New creates a dispatcher. gate and handler are required.
func New(gate *readiness.Gate, handler Handler, cfg Config, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if gate == nil {
		return nil, errors.New("readiness gate is required")
	}
	if handler == nil {
		return nil, errors.New("reply handler is required")
	}
	if cfg.Probe == "" {
		return nil, errors.New("readiness probe name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		gate:    gate,
		handler: handler,
		cfg:     cfg,
		sleep:   readiness.Sleep,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// OnInbound runs one message through validation, the readiness gate, the
// quiescence delay and the handler. Failures are logged and never returned.
func (d *Dispatcher) OnInbound(ctx context.Context, sess transport.Session, msg domain.InboundMessage) {
	if msg.From == "" || !msg.HasBody() {
		d.logger.Warn("Discarding message without sender or body", "sender", msg.From, "message_id", msg.ID)
		return
	}
	if msg.FromMe {
		d.logger.Debug("Ignoring own message", "message_id", msg.ID)
		return
	}
	if !msg.Live {
		d.logger.Debug("Ignoring replayed message", "sender", msg.From, "message_id", msg.ID)
		return
	}

	d.logger.Info("Message received", "sender", msg.From, "body", msg.Text(), "message_id", msg.ID)

	if !d.claim(ctx, msg) {
		return
	}

	probe := readiness.Probe{
		Name: d.cfg.Probe,
		Check: func(ctx context.Context) (bool, error) {
			return sess.Probe(ctx, d.cfg.Probe)
		},
	}
	if !d.gate.ConfirmReady(ctx, probe, d.cfg.MaxAttempts, d.cfg.Interval) {
		if ctx.Err() != nil {
			d.logger.Debug("Dispatch abandoned during readiness poll", "sender", msg.From, "error", ctx.Err())
			return
		}
		d.logger.Warn("Send path not ready, dropping message",
			"sender", msg.From,
			"probe", d.cfg.Probe,
			"attempts", d.cfg.MaxAttempts)
		d.record(ctx, msg, domain.OutcomeDroppedNotReady, "readiness budget exhausted")
		return
	}

	if err := d.sleep(ctx, d.cfg.Quiescence); err != nil {
		d.logger.Debug("Dispatch abandoned during quiescence delay", "sender", msg.From, "error", err)
		return
	}

	sender := &countingSender{next: sess}
	err := d.invoke(ctx, msg, sender)
	switch {
	case err != nil:
		var sendErr *transport.SendError
		if errors.As(err, &sendErr) {
			d.logger.Error("Reply send failed", "sender", msg.From, "to", sendErr.To, "error", err)
		} else {
			d.logger.Error("Reply handler failed", "sender", msg.From, "error", err)
		}
		d.record(ctx, msg, domain.OutcomeSendFailed, err.Error())
	case sender.sent.Load() > 0:
		d.record(ctx, msg, domain.OutcomeReplied, "")
	default:
		d.record(ctx, msg, domain.OutcomeNoReply, "")
	}
}

func (d *Dispatcher) claim(ctx context.Context, msg domain.InboundMessage) bool {
	if d.journal == nil || msg.ID == "" {
		return true
	}
	fresh, err := d.journal.RecordInbound(ctx, msg)
	if err != nil {
		d.logger.Warn("Failed to journal inbound message", "sender", msg.From, "message_id", msg.ID, "error", err)
		return true
	}
	if !fresh {
		d.logger.Info("Skipping already processed message", "sender", msg.From, "message_id", msg.ID)
		return false
	}
	return true
}

func (d *Dispatcher) record(ctx context.Context, msg domain.InboundMessage, outcome domain.Outcome, detail string) {
	if d.journal == nil || msg.ID == "" {
		return
	}
	if err := d.journal.RecordOutcome(context.WithoutCancel(ctx), msg.ID, outcome, detail); err != nil {
		d.logger.Warn("Failed to journal message outcome", "message_id", msg.ID, "outcome", outcome, "error", err)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, msg domain.InboundMessage, sender transport.Sender) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reply handler panicked: %v", r)
		}
	}()
	return d.handler.Handle(ctx, msg, sender)
}

// countingSender notes whether the handler actually sent anything.
type countingSender struct {
	next transport.Sender
	sent atomic.Int32
}

func (s *countingSender) SendText(ctx context.Context, to, text string) error {
	if err := s.next.SendText(ctx, to, text); err != nil {
		return err
	}
	s.sent.Add(1)
	return nil
}
