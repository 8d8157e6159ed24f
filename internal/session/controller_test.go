package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/pairbot/internal/credstore"
	"github.com/ashureev/pairbot/internal/domain"
	"github.com/ashureev/pairbot/internal/transport"
)

type fakeSession struct {
	mu     sync.Mutex
	events chan transport.Event
	closed bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan transport.Event, 16)}
}

func (s *fakeSession) Events() <-chan transport.Event { return s.events }

func (s *fakeSession) Probe(context.Context, string) (bool, error) { return true, nil }

func (s *fakeSession) SendText(context.Context, string, string) error { return nil }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeSession) emit(ev transport.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- ev
	}
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	creds    []*domain.Credentials
	failNext error
}

func (d *fakeDialer) Dial(_ context.Context, creds *domain.Credentials) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creds = append(d.creds, creds)
	if d.failNext != nil {
		err := d.failNext
		d.failNext = nil
		return nil, err
	}
	s := newFakeSession()
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.creds)
}

func (d *fakeDialer) last() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[len(d.sessions)-1]
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	s.timers = append(s.timers, t)
	return t
}

// pending returns scheduled, unstopped timers with the given delay.
func (s *fakeScheduler) pending(d time.Duration) []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if t.delay == d && !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

type memStore struct {
	mu      sync.Mutex
	creds   *domain.Credentials
	loadErr error
	saves   int
	resets  int
}

func (s *memStore) Load() (*domain.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.creds.Clone(), nil
}

func (s *memStore) Save(c *domain.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = c.Clone()
	s.saves++
	return nil
}

func (s *memStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = nil
	s.loadErr = nil
	s.resets++
	return nil
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

type recordingDisplay struct {
	mu        sync.Mutex
	artifacts []domain.PairingArtifact
}

func (d *recordingDisplay) ShowPairing(a domain.PairingArtifact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.artifacts = append(d.artifacts, a)
}

func (d *recordingDisplay) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.artifacts)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []domain.InboundMessage
}

func (d *recordingDispatcher) OnInbound(_ context.Context, _ transport.Session, msg domain.InboundMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.msgs)
}

const testDelay = 5 * time.Second
const testPairingTimeout = 30 * time.Second

type harness struct {
	ctrl       *Controller
	dialer     *fakeDialer
	store      *memStore
	sched      *fakeScheduler
	display    *recordingDisplay
	dispatcher *recordingDispatcher
}

func newHarness(t *testing.T, store *memStore) *harness {
	t.Helper()
	if store == nil {
		store = &memStore{}
	}
	h := &harness{
		dialer:     &fakeDialer{},
		store:      store,
		sched:      &fakeScheduler{},
		display:    &recordingDisplay{},
		dispatcher: &recordingDispatcher{},
	}
	ctrl, err := NewController(Options{
		Store:          h.store,
		Dialer:         h.dialer,
		Display:        h.display,
		Dispatcher:     h.dispatcher,
		Policy:         NewPolicy(PolicyConfig{Delay: testDelay, FlapThreshold: 10, FlapWindow: time.Minute}, nil),
		PairingTimeout: testPairingTimeout,
		Scheduler:      h.sched,
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	h.ctrl = ctrl
	t.Cleanup(ctrl.Close)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitState(t *testing.T, want domain.ConnectionState) {
	t.Helper()
	waitFor(t, "state "+string(want), func() bool { return h.ctrl.State() == want })
}

func (h *harness) connect(t *testing.T) *fakeSession {
	t.Helper()
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return h.dialer.last()
}

func (h *harness) pairToReady(t *testing.T) *fakeSession {
	t.Helper()
	sess := h.connect(t)
	sess.emit(transport.PairingEvent{Code: "code-1"})
	h.waitState(t, domain.StatePairingRequired)
	sess.emit(transport.CredentialsEvent{Credentials: &domain.Credentials{DeviceID: "dev", Token: "tok"}})
	sess.emit(transport.AuthenticatedEvent{})
	sess.emit(transport.ReadyEvent{})
	h.waitState(t, domain.StateReady)
	return sess
}

func TestPairingFlowReachesReady(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	sess := h.connect(t)

	sess.emit(transport.PairingEvent{Code: "code-1"})
	h.waitState(t, domain.StatePairingRequired)
	sess.emit(transport.PairingEvent{Code: "code-1"})
	sess.emit(transport.PairingEvent{Code: "code-2"})
	sess.emit(transport.CredentialsEvent{Credentials: &domain.Credentials{DeviceID: "dev", Token: "tok"}})
	sess.emit(transport.AuthenticatedEvent{})
	h.waitState(t, domain.StateAuthenticated)
	sess.emit(transport.ReadyEvent{})
	h.waitState(t, domain.StateReady)

	if got := h.display.count(); got != 2 {
		t.Errorf("Expected 2 distinct pairing artifacts, got %d", got)
	}
	if got := h.store.saveCount(); got != 1 {
		t.Errorf("Expected 1 credential write, got %d", got)
	}
	if pending := h.sched.pending(testPairingTimeout); len(pending) != 0 {
		t.Errorf("Expected pairing timer stopped after authentication, %d pending", len(pending))
	}
	if h.dialer.creds[0] != nil {
		t.Error("Expected first dial without credentials")
	}
}

func TestConnectIsNoopWhenReady(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.pairToReady(t)

	historyBefore := len(h.ctrl.Machine().History())
	savesBefore := h.store.saveCount()
	for i := 0; i < 3; i++ {
		if err := h.ctrl.Connect(context.Background()); err != nil {
			t.Fatalf("Connect on ready session returned %v", err)
		}
	}

	if got := h.dialer.calls(); got != 1 {
		t.Errorf("Expected a single dial, got %d", got)
	}
	if got := len(h.ctrl.Machine().History()); got != historyBefore {
		t.Errorf("Expected no new transitions, got %d -> %d", historyBefore, got)
	}
	if got := h.store.saveCount(); got != savesBefore {
		t.Errorf("Expected no credential writes, got %d -> %d", savesBefore, got)
	}
}

func TestLoggedOutNeverReconnects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	sess := h.pairToReady(t)

	sess.emit(transport.ClosedEvent{StatusCode: StatusLoggedOut})
	h.waitState(t, domain.StateLoggedOut)

	if pending := h.sched.pending(testDelay); len(pending) != 0 {
		t.Fatalf("Expected no reconnect timer after logout, got %d", len(pending))
	}
	if err := h.ctrl.Connect(context.Background()); !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("Expected ErrLoggedOut, got %v", err)
	}
	if got := h.dialer.calls(); got != 1 {
		t.Errorf("Expected no further dials, got %d", got)
	}

	history := h.ctrl.Machine().History()
	closeTr := history[len(history)-2]
	if closeTr.To != domain.StateDisconnected || closeTr.Reason != domain.ReasonLoggedOut || closeTr.StatusCode != StatusLoggedOut {
		t.Errorf("Expected Disconnected(logged_out, 401), got %+v", closeTr)
	}

	if err := h.ctrl.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if h.ctrl.State() != domain.StateDisconnected {
		t.Fatalf("Expected disconnected after reset, got %s", h.ctrl.State())
	}
	h.connect(t)
	if got := h.dialer.calls(); got != 2 {
		t.Fatalf("Expected a new dial after reset, got %d", got)
	}
	if h.dialer.creds[1] != nil {
		t.Error("Expected fresh pairing after reset")
	}
}

func TestAuthFailureWithLoggedOutStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &memStore{creds: &domain.Credentials{DeviceID: "dev", Token: "tok"}})
	sess := h.connect(t)

	sess.emit(transport.AuthFailureEvent{StatusCode: StatusLoggedOut, Reason: "device removed"})
	h.waitState(t, domain.StateLoggedOut)
	if pending := h.sched.pending(testDelay); len(pending) != 0 {
		t.Fatalf("Expected no reconnect timer, got %d", len(pending))
	}
	waitFor(t, "session closed", sess.isClosed)
}

func TestTransientDisconnectSchedulesOneReconnect(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		ev   transport.ClosedEvent
		want domain.DisconnectReason
	}{
		{"transient", transport.ClosedEvent{StatusCode: StatusConnectionLost}, domain.ReasonTransient},
		{"unknown", transport.ClosedEvent{StatusCode: 499}, domain.ReasonUnknown},
		{"network", transport.ClosedEvent{Err: errors.New("EOF")}, domain.ReasonTransient},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			sess := h.pairToReady(t)

			sess.emit(tc.ev)
			h.waitState(t, domain.StateDisconnected)

			pending := h.sched.pending(testDelay)
			if len(pending) != 1 {
				t.Fatalf("Expected exactly one reconnect timer, got %d", len(pending))
			}
			history := h.ctrl.Machine().History()
			if last := history[len(history)-1]; last.Reason != tc.want {
				t.Errorf("Expected reason %s, got %s", tc.want, last.Reason)
			}

			pending[0].fn()
			if got := h.dialer.calls(); got != 2 {
				t.Fatalf("Expected reconnect dial, got %d dials", got)
			}
			if h.dialer.creds[1] == nil {
				t.Error("Expected reconnect to resume with persisted credentials")
			}
		})
	}
}

func TestStaleReconnectTimerIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	sess := h.pairToReady(t)

	sess.emit(transport.ClosedEvent{StatusCode: StatusConnectionClose})
	h.waitState(t, domain.StateDisconnected)
	pending := h.sched.pending(testDelay)
	if len(pending) != 1 {
		t.Fatalf("Expected one reconnect timer, got %d", len(pending))
	}
	stale := pending[0]

	// An operator-triggered connect wins the race and reaches Ready.
	next := h.connect(t)
	next.emit(transport.ReadyEvent{})
	h.waitState(t, domain.StateReady)

	stale.fn()
	if got := h.dialer.calls(); got != 2 {
		t.Errorf("Expected stale timer to be ignored, got %d dials", got)
	}
	if !stale.stopped {
		t.Error("Expected the superseded timer to be stopped")
	}
}

func TestEventsFromStaleSessionAreIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	old := h.pairToReady(t)
	old.emit(transport.ClosedEvent{StatusCode: StatusConnectionLost})
	h.waitState(t, domain.StateDisconnected)

	h.sched.pending(testDelay)[0].fn()
	fresh := h.dialer.last()
	if fresh == old {
		t.Fatal("Expected a new session")
	}

	// The old session was closed; even if it had been left open its events
	// must not move the machine.
	old.emit(transport.ReadyEvent{})
	time.Sleep(20 * time.Millisecond)
	if h.ctrl.State() != domain.StateDisconnected {
		t.Errorf("Expected stale event to be ignored, state %s", h.ctrl.State())
	}
}

func TestCorruptCredentialsStartFreshPairing(t *testing.T) {
	t.Parallel()

	corrupt := &credstore.CorruptStateError{Path: "creds.json", Err: errors.New("unexpected end of JSON input")}
	h := newHarness(t, &memStore{loadErr: corrupt})
	sess := h.connect(t)

	if h.dialer.creds[0] != nil {
		t.Fatal("Expected dial without credentials after corruption")
	}
	sess.emit(transport.PairingEvent{Code: "fresh"})
	h.waitState(t, domain.StatePairingRequired)
	if h.display.count() != 1 {
		t.Errorf("Expected pairing artifact to be displayed")
	}
}

func TestResumeSkipsPairing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &memStore{creds: &domain.Credentials{DeviceID: "dev", Token: "tok"}})
	sess := h.connect(t)

	if h.dialer.creds[0] == nil || h.dialer.creds[0].DeviceID != "dev" {
		t.Fatalf("Expected resume with stored credentials, got %+v", h.dialer.creds[0])
	}
	sess.emit(transport.ReadyEvent{})
	h.waitState(t, domain.StateReady)

	history := h.ctrl.Machine().History()
	if len(history) != 2 || history[0].To != domain.StateAuthenticated || history[1].To != domain.StateReady {
		t.Errorf("Expected Disconnected -> Authenticated -> Ready, got %+v", history)
	}
	if h.display.count() != 0 {
		t.Error("Expected no pairing artifact on resume")
	}
}

func TestPairingTimeoutDisconnectsTransiently(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	sess := h.connect(t)
	sess.emit(transport.PairingEvent{Code: "code"})
	h.waitState(t, domain.StatePairingRequired)

	timers := h.sched.pending(testPairingTimeout)
	if len(timers) != 1 {
		t.Fatalf("Expected one pairing timer, got %d", len(timers))
	}
	timers[0].fn()

	if h.ctrl.State() != domain.StateDisconnected {
		t.Fatalf("Expected disconnected after pairing timeout, got %s", h.ctrl.State())
	}
	history := h.ctrl.Machine().History()
	if last := history[len(history)-1]; last.Reason != domain.ReasonTransient {
		t.Errorf("Expected transient reason, got %s", last.Reason)
	}
	if len(h.sched.pending(testDelay)) != 1 {
		t.Error("Expected a reconnect to be scheduled after pairing timeout")
	}
	waitFor(t, "pairing session closed", sess.isClosed)
}

func TestMessagesDispatchedOnlyWhenReady(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &memStore{creds: &domain.Credentials{DeviceID: "dev", Token: "tok"}})
	sess := h.connect(t)

	body := "hi"
	sess.emit(transport.AuthenticatedEvent{})
	sess.emit(transport.MessageEvent{Message: domain.InboundMessage{ID: "early", From: "alice", Body: &body}})
	h.waitState(t, domain.StateAuthenticated)
	sess.emit(transport.ReadyEvent{})
	sess.emit(transport.MessageEvent{Message: domain.InboundMessage{ID: "m1", From: "alice", Body: &body}})

	waitFor(t, "dispatch", func() bool { return h.dispatcher.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := h.dispatcher.count(); got != 1 {
		t.Errorf("Expected only the post-ready message to dispatch, got %d", got)
	}
	if h.dispatcher.msgs[0].ID != "m1" {
		t.Errorf("Expected m1, got %s", h.dispatcher.msgs[0].ID)
	}
}

func TestDialFailureSchedulesRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.dialer.failNext = errors.New("connection refused")

	if err := h.ctrl.Connect(context.Background()); err == nil {
		t.Fatal("Expected connect error")
	}
	if h.ctrl.State() != domain.StateDisconnected {
		t.Fatalf("Expected to stay disconnected, got %s", h.ctrl.State())
	}
	pending := h.sched.pending(testDelay)
	if len(pending) != 1 {
		t.Fatalf("Expected one retry timer, got %d", len(pending))
	}
	pending[0].fn()
	if got := h.dialer.calls(); got != 2 {
		t.Errorf("Expected retry dial, got %d", got)
	}
}

func TestCloseAbandonsTimers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	sess := h.pairToReady(t)
	sess.emit(transport.ClosedEvent{StatusCode: StatusUnavailable})
	h.waitState(t, domain.StateDisconnected)
	timer := h.sched.pending(testDelay)[0]

	h.ctrl.Close()

	if !timer.stopped {
		t.Error("Expected reconnect timer to be stopped on close")
	}
	if h.ctrl.State() != domain.StateClosing {
		t.Errorf("Expected closing state, got %s", h.ctrl.State())
	}
	timer.fn()
	if got := h.dialer.calls(); got != 1 {
		t.Errorf("Expected no dial after close, got %d", got)
	}
	if err := h.ctrl.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()

	waitFor(t, "dial", func() bool { return h.dialer.calls() == 1 })
	sess := h.dialer.last()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !sess.isClosed() {
		t.Error("Expected transport to be closed on shutdown")
	}
}
