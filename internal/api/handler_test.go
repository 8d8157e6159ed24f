//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/pairbot/internal/domain"
	"github.com/ashureev/pairbot/internal/session"
	"github.com/ashureev/pairbot/internal/store"
	"github.com/go-chi/chi/v5"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

type fakeController struct {
	mu       sync.Mutex
	state    domain.ConnectionState
	resetErr error
	resets   int
	connects chan struct{}
}

func newFakeController(state domain.ConnectionState) *fakeController {
	return &fakeController{state: state, connects: make(chan struct{}, 1)}
}

func (c *fakeController) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeController) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resetErr != nil {
		return c.resetErr
	}
	c.resets++
	c.state = domain.StateDisconnected
	return nil
}

func (c *fakeController) Connect(context.Context) error {
	c.connects <- struct{}{}
	return nil
}

func newRouter(t *testing.T, ctrl SessionController, journal store.Journal) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	NewStatusHandler(ctrl, journal, "s3cret", 5*time.Second).RegisterRoutes(r)
	return r
}

func newJournal(t *testing.T) *store.SQLiteJournal {
	t.Helper()
	j, err := store.NewSQLite(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStatus(t *testing.T) {
	t.Parallel()

	h := newRouter(t, newFakeController(domain.StateReady), nil)
	w := do(t, h, http.MethodGet, "/api/status", "")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var got statusResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got.State != domain.StateReady || !got.Ready || got.ReadyBudget != "5s" {
		t.Errorf("Unexpected status payload: %+v", got)
	}
}

func TestHealthReflectsSessionAndJournal(t *testing.T) {
	t.Parallel()

	journal := newJournal(t)

	w := do(t, newRouter(t, newFakeController(domain.StateReady), journal), http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 while ready, got %d", w.Code)
	}

	w = do(t, newRouter(t, newFakeController(domain.StatePairingRequired), journal), http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 while pairing, got %d", w.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body.Status != "degraded" || body.Checks["session"] != "pairing_required" || body.Checks["journal"] != "ok" {
		t.Errorf("Unexpected health payload: %+v", body)
	}
}

func TestJournalRoutes(t *testing.T) {
	t.Parallel()

	journal := newJournal(t)
	ctx := context.Background()
	_ = journal.RecordTransition(ctx, domain.Transition{From: domain.StateDisconnected, To: domain.StateAuthenticated})
	_ = journal.RecordTransition(ctx, domain.Transition{From: domain.StateAuthenticated, To: domain.StateReady})
	text := "hi"
	_, _ = journal.RecordInbound(ctx, domain.InboundMessage{ID: "m1", From: "alice", Body: &text})
	_ = journal.RecordOutcome(ctx, "m1", domain.OutcomeReplied, "")

	h := newRouter(t, newFakeController(domain.StateReady), journal)

	w := do(t, h, http.MethodGet, "/api/transitions?limit=1", "")
	var trs struct {
		Transitions []domain.Transition `json:"transitions"`
	}
	if err := json.NewDecoder(w.Body).Decode(&trs); err != nil {
		t.Fatalf("Failed to decode transitions: %v", err)
	}
	if len(trs.Transitions) != 1 || trs.Transitions[0].To != domain.StateReady {
		t.Errorf("Expected newest transition to Ready, got %+v", trs.Transitions)
	}

	w = do(t, h, http.MethodGet, "/api/messages", "")
	var msgs struct {
		Messages []domain.MessageRecord `json:"messages"`
	}
	if err := json.NewDecoder(w.Body).Decode(&msgs); err != nil {
		t.Fatalf("Failed to decode messages: %v", err)
	}
	if len(msgs.Messages) != 1 || msgs.Messages[0].Outcome != domain.OutcomeReplied {
		t.Errorf("Expected one replied message, got %+v", msgs.Messages)
	}
}

func TestJournalRoutesWithoutJournal(t *testing.T) {
	t.Parallel()

	h := newRouter(t, newFakeController(domain.StateReady), nil)
	for _, path := range []string{"/api/transitions", "/api/messages"} {
		if w := do(t, h, http.MethodGet, path, ""); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, w.Code)
		}
	}
}

func TestResetRequiresToken(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController(domain.StateLoggedOut)
	h := newRouter(t, ctrl, nil)

	if w := do(t, h, http.MethodPost, "/api/session/reset", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}
	if ctrl.resets != 0 {
		t.Fatal("Reset ran without a token")
	}

	w := do(t, h, http.MethodPost, "/api/session/reset", "s3cret")
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	select {
	case <-ctrl.connects:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a connect after reset")
	}
}

func TestResetConflicts(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController(domain.StateReady)
	ctrl.resetErr = errors.New("reset requires a disconnected or logged out session, state is ready")
	h := newRouter(t, ctrl, nil)

	if w := do(t, h, http.MethodPost, "/api/session/reset", "s3cret"); w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}

	ctrl.resetErr = session.ErrClosed
	if w := do(t, h, http.MethodPost, "/api/session/reset", "s3cret"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when closed, got %d", w.Code)
	}
}
