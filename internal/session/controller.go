package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/pairbot/internal/credstore"
	"github.com/ashureev/pairbot/internal/domain"
	"github.com/ashureev/pairbot/internal/transport"
	"github.com/google/uuid"
)

const (
	defaultPairingTimeout = 60 * time.Second
	shutdownWait          = 5 * time.Second
)

// PairingDisplay renders a pairing artifact for a human to scan.
type PairingDisplay interface {
	ShowPairing(artifact domain.PairingArtifact)
}

// Dispatcher consumes inbound messages once the session is Ready.
type Dispatcher interface {
	OnInbound(ctx context.Context, sess transport.Session, msg domain.InboundMessage)
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d. The default uses time.AfterFunc.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Options wires a Controller's collaborators.
type Options struct {
	Store          credstore.Store
	Dialer         transport.Dialer
	Display        PairingDisplay
	Dispatcher     Dispatcher
	Machine        *Machine
	Policy         *Policy
	PairingTimeout time.Duration
	Scheduler      Scheduler
	Logger         *slog.Logger
}

// Controller drives one transport session through its lifecycle and
// reconnects according to the policy.
type Controller struct {
	store          credstore.Store
	dialer         transport.Dialer
	display        PairingDisplay
	dispatcher     Dispatcher
	machine        *Machine
	policy         *Policy
	pairingTimeout time.Duration
	scheduler      Scheduler
	logger         *slog.Logger
	now            func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	sess      transport.Session
	gen       uint64
	dialing   bool
	retry     Timer
	pairTimer Timer
	artifact  *domain.PairingArtifact
	closed    bool
}

// NewController creates a controller. Store and Dialer are required.
func NewController(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("credential store is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("transport dialer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Machine == nil {
		opts.Machine = NewMachine(logger)
	}
	if opts.Policy == nil {
		opts.Policy = NewPolicy(PolicyConfig{}, logger)
	}
	if opts.PairingTimeout <= 0 {
		opts.PairingTimeout = defaultPairingTimeout
	}
	if opts.Scheduler == nil {
		opts.Scheduler = realScheduler{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:          opts.Store,
		dialer:         opts.Dialer,
		display:        opts.Display,
		dispatcher:     opts.Dispatcher,
		machine:        opts.Machine,
		policy:         opts.Policy,
		pairingTimeout: opts.PairingTimeout,
		scheduler:      opts.Scheduler,
		logger:         logger,
		now:            time.Now,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Machine exposes the state machine for observers.
func (c *Controller) Machine() *Machine {
	return c.machine
}

// State returns the current connection state.
func (c *Controller) State() domain.ConnectionState {
	return c.machine.State()
}

// Run connects and blocks until ctx is done, then shuts the controller down.
// A logged-out session ends the session but not Run.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		switch {
		case errors.Is(err, ErrClosed):
			return err
		case errors.Is(err, ErrLoggedOut):
			c.logger.Error("Session is logged out", "error", err)
		default:
			c.logger.Warn("Initial connect failed, retry scheduled", "error", err)
		}
	}

	select {
	case <-ctx.Done():
	case <-c.ctx.Done():
	}
	c.Close()
	return nil
}

// Connect starts a connect cycle. It is a no-op while a cycle is in flight or
// the session is PairingRequired, Authenticated or Ready. ctx bounds the dial.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch state := c.machine.State(); state {
	case domain.StateLoggedOut:
		c.mu.Unlock()
		return ErrLoggedOut
	case domain.StateClosing:
		c.mu.Unlock()
		return ErrClosed
	case domain.StatePairingRequired, domain.StateAuthenticated, domain.StateReady:
		c.mu.Unlock()
		c.logger.Debug("Connect ignored, session already active", "state", state)
		return nil
	}
	if c.dialing || c.sess != nil {
		c.mu.Unlock()
		c.logger.Debug("Connect ignored, connect cycle in flight")
		return nil
	}
	c.dialing = true
	c.stopRetryLocked()
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	creds := c.loadCredentials()
	sess, err := c.dialer.Dial(ctx, creds)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialing = false

	if c.closed || gen != c.gen {
		if sess != nil {
			go c.closeSession(sess)
		}
		return ErrClosed
	}
	if err != nil {
		c.logger.Warn("Connect failed", "error", err, "state", c.machine.State())
		c.scheduleReconnectLocked(domain.ReasonTransient)
		return fmt.Errorf("connect: %w", err)
	}

	c.sess = sess
	c.wg.Add(1)
	go c.pump(sess)
	return nil
}

// Reset clears persisted credentials so the next Connect starts a fresh
// pairing. It is the only way out of LoggedOut.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	state := c.machine.State()
	if state != domain.StateLoggedOut && state != domain.StateDisconnected {
		return fmt.Errorf("reset requires a disconnected or logged out session, state is %s", state)
	}
	if c.dialing || c.sess != nil {
		return fmt.Errorf("reset not allowed while a connect cycle is in flight")
	}

	if err := c.store.Reset(); err != nil {
		return fmt.Errorf("reset credentials: %w", err)
	}
	c.stopRetryLocked()
	c.policy.Reset()
	if state == domain.StateLoggedOut {
		if err := c.machine.Transition(domain.StateDisconnected, domain.ReasonNone, 0); err != nil {
			return err
		}
	}
	c.logger.Info("Credentials reset, ready to pair again")
	return nil
}

// Close abandons timers and in-flight work and closes the transport.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	c.stopRetryLocked()
	c.clearPairingLocked()
	sess := c.sess
	c.sess = nil
	if err := c.machine.Transition(domain.StateClosing, domain.ReasonNone, 0); err != nil {
		c.logger.Debug("Closing transition skipped", "error", err)
	}
	c.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			c.logger.Debug("Transport close failed", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownWait):
		c.logger.Warn("Shutdown timed out waiting for session goroutines")
	}
}

func (c *Controller) loadCredentials() *domain.Credentials {
	creds, err := c.store.Load()
	switch {
	case credstore.IsCorrupt(err):
		c.logger.Error("Stored credentials are corrupt, discarding them and pairing again", "error", err)
		return nil
	case err != nil:
		c.logger.Error("Failed to load credentials, pairing again", "error", err)
		return nil
	case creds == nil:
		c.logger.Info("No stored credentials, pairing required")
		return nil
	}
	c.logger.Info("Resuming with stored credentials", "device_id", creds.DeviceID)
	return creds
}

func (c *Controller) pump(sess transport.Session) {
	defer c.wg.Done()
	sawClose := false
	for ev := range sess.Events() {
		if _, ok := ev.(transport.ClosedEvent); ok {
			sawClose = true
		}
		c.handle(sess, ev)
	}
	if !sawClose {
		c.handle(sess, transport.ClosedEvent{Err: errors.New("transport event stream ended")})
	}
}

func (c *Controller) handle(sess transport.Session, ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.sess != sess {
		c.logger.Debug("Ignoring event from stale session", "event", transport.EventName(ev))
		return
	}

	switch ev := ev.(type) {
	case transport.PairingEvent:
		c.onPairingLocked(sess, ev.Code)
	case transport.CredentialsEvent:
		c.persistLocked(ev.Credentials)
	case transport.AuthenticatedEvent:
		c.onAuthenticatedLocked()
	case transport.ReadyEvent:
		c.onReadyLocked()
	case transport.AuthFailureEvent:
		reason := domain.ReasonUnknown
		if ev.StatusCode == StatusLoggedOut {
			reason = domain.ReasonLoggedOut
		}
		c.logger.Error("Authentication failed", "status_code", ev.StatusCode, "reason", ev.Reason, "state", c.machine.State())
		c.disconnectLocked(reason, ev.StatusCode)
	case transport.ClosedEvent:
		reason := Classify(ev.StatusCode, ev.Err)
		c.logger.Warn("Connection closed", "status_code", ev.StatusCode, "reason", reason, "error", ev.Err, "state", c.machine.State())
		c.disconnectLocked(reason, ev.StatusCode)
	case transport.MessageEvent:
		c.onMessageLocked(sess, ev.Message)
	default:
		c.logger.Debug("Ignoring unknown transport event", "event", transport.EventName(ev))
	}
}

func (c *Controller) onPairingLocked(sess transport.Session, code string) {
	switch c.machine.State() {
	case domain.StateDisconnected:
		if err := c.machine.Transition(domain.StatePairingRequired, domain.ReasonNone, 0); err != nil {
			return
		}
	case domain.StatePairingRequired:
	default:
		c.logger.Warn("Ignoring pairing code outside pairing", "state", c.machine.State())
		return
	}

	if c.artifact != nil && c.artifact.Code == code {
		return
	}
	artifact := domain.PairingArtifact{AttemptID: uuid.NewString(), Code: code, IssuedAt: c.now()}
	c.artifact = &artifact
	c.logger.Info("Pairing code emitted", "attempt_id", artifact.AttemptID, "expires_in", c.pairingTimeout)
	if c.display != nil {
		c.display.ShowPairing(artifact)
	}

	if c.pairTimer == nil {
		gen := c.gen
		c.pairTimer = c.scheduler.AfterFunc(c.pairingTimeout, func() {
			c.onPairingTimeout(sess, gen)
		})
	}
}

func (c *Controller) onPairingTimeout(sess transport.Session, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.sess != sess || c.gen != gen || c.machine.State() != domain.StatePairingRequired {
		return
	}
	c.pairTimer = nil
	c.logger.Warn("Pairing timed out", "timeout", c.pairingTimeout)
	c.disconnectLocked(domain.ReasonTransient, 0)
}

func (c *Controller) persistLocked(creds *domain.Credentials) {
	if creds == nil {
		return
	}
	if err := c.store.Save(creds); err != nil {
		c.logger.Error("Failed to persist credentials", "error", err, "device_id", creds.DeviceID)
		return
	}
	c.logger.Info("Credentials updated", "device_id", creds.DeviceID)
}

func (c *Controller) onAuthenticatedLocked() {
	switch c.machine.State() {
	case domain.StateDisconnected, domain.StatePairingRequired:
		c.clearPairingLocked()
		_ = c.machine.Transition(domain.StateAuthenticated, domain.ReasonNone, 0)
	default:
		c.logger.Debug("Duplicate authenticated signal", "state", c.machine.State())
	}
}

func (c *Controller) onReadyLocked() {
	switch c.machine.State() {
	case domain.StateDisconnected, domain.StatePairingRequired:
		// Resumed sessions may report ready without a separate authenticated signal.
		c.onAuthenticatedLocked()
	case domain.StateAuthenticated:
	default:
		c.logger.Debug("Duplicate ready signal", "state", c.machine.State())
		return
	}
	_ = c.machine.Transition(domain.StateReady, domain.ReasonNone, 0)
}

func (c *Controller) onMessageLocked(sess transport.Session, msg domain.InboundMessage) {
	if c.machine.State() != domain.StateReady {
		c.logger.Warn("Dropping message received before session ready", "sender", msg.From, "state", c.machine.State())
		return
	}
	if c.dispatcher == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatcher.OnInbound(c.ctx, sess, msg)
	}()
}

func (c *Controller) disconnectLocked(reason domain.DisconnectReason, statusCode int) {
	sess := c.sess
	c.sess = nil
	c.clearPairingLocked()
	if sess != nil {
		go c.closeSession(sess)
	}

	if c.machine.State() != domain.StateDisconnected {
		if err := c.machine.Transition(domain.StateDisconnected, reason, statusCode); err != nil {
			return
		}
	}

	if reason == domain.ReasonLoggedOut {
		c.stopRetryLocked()
		_ = c.machine.Transition(domain.StateLoggedOut, domain.ReasonNone, 0)
		c.logger.Error("Logged out by the service, not reconnecting. Run `pairbot reset` (or delete the credential directory) and restart to pair again")
		return
	}
	c.scheduleReconnectLocked(reason)
}

func (c *Controller) scheduleReconnectLocked(reason domain.DisconnectReason) {
	d := c.policy.Decide(reason, c.now())
	if !d.Reconnect {
		return
	}
	c.stopRetryLocked()
	gen := c.gen
	c.retry = c.scheduler.AfterFunc(d.Delay, func() {
		c.reconnect(gen)
	})
	c.logger.Info("Reconnect scheduled", "delay", d.Delay, "reason", reason, "flapping", d.Flapping)
}

// reconnect is the retry timer's callback. A timer that fires after a newer
// cycle started, or after Ready or LoggedOut was reached, does nothing.
func (c *Controller) reconnect(gen uint64) {
	c.mu.Lock()
	stale := c.closed || gen != c.gen || c.dialing || c.sess != nil ||
		c.machine.State() != domain.StateDisconnected
	if !stale {
		c.retry = nil
	}
	c.mu.Unlock()
	if stale {
		c.logger.Debug("Stale reconnect timer ignored", "state", c.machine.State())
		return
	}

	c.logger.Info("Reconnecting")
	if err := c.Connect(c.ctx); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Debug("Reconnect attempt failed", "error", err)
	}
}

func (c *Controller) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Controller) clearPairingLocked() {
	if c.pairTimer != nil {
		c.pairTimer.Stop()
		c.pairTimer = nil
	}
	c.artifact = nil
}

func (c *Controller) closeSession(sess transport.Session) {
	if err := sess.Close(); err != nil {
		c.logger.Debug("Transport close failed", "error", err)
	}
}
