package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/pairbot/internal/domain"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const (
	maxFrameBytes      = 1 << 20
	eventBufferSize    = 64
	defaultDialTimeout = 15 * time.Second
	defaultSendTimeout = 10 * time.Second
)

// WebSocketDialer connects to a messaging gateway over a websocket.
type WebSocketDialer struct {
	URL              string
	ClientID         string
	HandshakeTimeout time.Duration
	SendTimeout      time.Duration
	Logger           *slog.Logger
}

// NewWebSocketDialer creates a dialer for the gateway at url.
func NewWebSocketDialer(url, clientID string, handshakeTimeout time.Duration, logger *slog.Logger) *WebSocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketDialer{
		URL:              url,
		ClientID:         clientID,
		HandshakeTimeout: handshakeTimeout,
		SendTimeout:      defaultSendTimeout,
		Logger:           logger,
	}
}

// Dial opens a session. ctx and HandshakeTimeout bound the handshake only;
// the session lives until Close is called or the gateway drops it.
func (d *WebSocketDialer) Dial(ctx context.Context, creds *domain.Credentials) (Session, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	sendTimeout := d.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", d.URL, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	hello := helloFrame{Type: FrameHello, HelloPayload: HelloPayload{ClientID: d.ClientID}}
	if creds.Valid() {
		hello.DeviceID = creds.DeviceID
		hello.Token = creds.Token
	}
	if err := wsjson.Write(dialCtx, conn, hello); err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &wsSession{
		conn:        conn,
		events:      make(chan Event, eventBufferSize),
		cancel:      sessCancel,
		logger:      logger.With("gateway", d.URL),
		sendTimeout: sendTimeout,
		caps:        make(map[string]bool),
		pending:     make(map[string]chan SendAckPayload),
	}
	go s.readLoop(sessCtx)

	logger.Info("Gateway connected", "url", d.URL, "resume", hello.DeviceID != "")
	return s, nil
}

type wsSession struct {
	conn        *websocket.Conn
	events      chan Event
	cancel      context.CancelFunc
	logger      *slog.Logger
	sendTimeout time.Duration

	mu      sync.Mutex
	caps    map[string]bool
	pending map[string]chan SendAckPayload
	closed  bool

	closeOnce  sync.Once
	localClose atomic.Bool
}

func (s *wsSession) Events() <-chan Event {
	return s.events
}

func (s *wsSession) Probe(_ context.Context, capability string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrNotConnected
	}
	return s.caps[capability], nil
}

func (s *wsSession) SendText(ctx context.Context, to, text string) error {
	id := uuid.NewString()
	ack := make(chan SendAckPayload, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &SendError{To: to, Err: ErrNotConnected}
	}
	s.pending[id] = ack
	s.mu.Unlock()
	defer s.forget(id)

	ctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	frame := sendFrame{Type: FrameSend, SendPayload: SendPayload{ID: id, To: to, Text: text}}
	if err := wsjson.Write(ctx, s.conn, frame); err != nil {
		return &SendError{To: to, Err: err}
	}

	select {
	case res, ok := <-ack:
		if !ok {
			return &SendError{To: to, Err: ErrNotConnected}
		}
		if !res.OK {
			return &SendError{To: to, Err: fmt.Errorf("gateway rejected send: %s", res.Error)}
		}
		return nil
	case <-ctx.Done():
		return &SendError{To: to, Err: ctx.Err()}
	}
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.localClose.Store(true)
		err = s.conn.Close(websocket.StatusNormalClosure, "client closing")
		s.cancel()
	})
	if err != nil && websocket.CloseStatus(err) == -1 {
		return fmt.Errorf("close gateway connection: %w", err)
	}
	return nil
}

func (s *wsSession) readLoop(ctx context.Context) {
	defer close(s.events)
	defer s.cancel()

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			ev := s.closedEvent(err)
			s.logger.Debug("Gateway read loop ended", "status_code", ev.StatusCode, "error", err)
			// The buffer normally has room; never block shutdown on a departed consumer.
			select {
			case s.events <- ev:
			case <-time.After(time.Second):
				s.logger.Warn("Dropped close event, consumer not reading")
			}
			return
		}

		ev, err := s.decode(data)
		if err != nil {
			s.logger.Warn("Discarding malformed gateway frame", "error", err)
			continue
		}
		if ev == nil {
			continue
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
		}
	}
}

func (s *wsSession) closedEvent(err error) ClosedEvent {
	s.mu.Lock()
	s.closed = true
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if s.localClose.Load() {
		return ClosedEvent{Err: ErrClosedLocally}
	}

	code := 0
	if status := websocket.CloseStatus(err); status >= closeStatusBase {
		code = int(status) - closeStatusBase
	}
	return ClosedEvent{StatusCode: code, Err: err}
}

func (s *wsSession) decode(data []byte) (Event, error) {
	var header frameHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("decode frame header: %w", err)
	}

	switch header.Type {
	case FramePair:
		var p PairPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode pair frame: %w", err)
		}
		if p.Code == "" {
			return nil, errors.New("pair frame without code")
		}
		return PairingEvent{Code: p.Code}, nil
	case FrameCreds:
		var p CredsPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode creds frame: %w", err)
		}
		if !p.Credentials.Valid() {
			return nil, errors.New("creds frame without device id or token")
		}
		return CredentialsEvent{Credentials: p.Credentials}, nil
	case FrameAuthenticated:
		return AuthenticatedEvent{}, nil
	case FrameReady:
		return ReadyEvent{}, nil
	case FrameCapability:
		var p CapabilityPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode capability frame: %w", err)
		}
		s.mu.Lock()
		s.caps[p.Name] = p.Live
		s.mu.Unlock()
		s.logger.Debug("Gateway capability changed", "capability", p.Name, "live", p.Live)
		return nil, nil
	case FrameMessage:
		var p MessagePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode message frame: %w", err)
		}
		return MessageEvent{Message: p.toInbound(time.Now())}, nil
	case FrameAuthFailure:
		var p AuthFailurePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode auth_failure frame: %w", err)
		}
		return AuthFailureEvent{StatusCode: p.StatusCode, Reason: p.Reason}, nil
	case FrameSendAck:
		var p SendAckPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode send_ack frame: %w", err)
		}
		s.deliverAck(p)
		return nil, nil
	default:
		s.logger.Debug("Ignoring unknown gateway frame", "type", header.Type)
		return nil, nil
	}
}

func (s *wsSession) deliverAck(p SendAckPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.pending[p.ID]
	if !ok {
		return
	}
	delete(s.pending, p.ID)
	ch <- p
}

func (s *wsSession) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// Ensure implementations satisfy the contract.
var (
	_ Dialer  = (*WebSocketDialer)(nil)
	_ Session = (*wsSession)(nil)
)
