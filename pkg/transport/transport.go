// Package transport implements the WebSocket session used to carry mux
// frames and control messages between client and server: connecting with
// retry/backoff, classifying inbound frames, and a client-side
// reconnection supervisor. It deliberately does not know about SOCKS5,
// the mux, or control-message semantics — those live in the proxy layers
// that use a Session.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	// The server advertises no specific subprotocol and accepts any origin;
	// this proxy's access control is the HTTP Basic auth on the upgrade
	// request, not same-origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade accepts an inbound WebSocket upgrade request and returns the
// resulting Session. Basic auth, if configured, must already have been
// checked by the caller before calling Upgrade.
func Upgrade(w http.ResponseWriter, r *http.Request, logger Logger) (*Session, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: upgrade failed: %w", err)
	}
	return newSession(conn, logger), nil
}

// Logger is the narrow logging surface this package needs. The root
// package's Logger interface satisfies it structurally.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}

// FrameKind classifies an inbound WebSocket message.
type FrameKind int

const (
	FrameBinary FrameKind = iota
	FrameText
)

const (
	// HeartbeatInterval is the fixed 30s ping cadence required by the
	// transport contract, independent of how often a caller calls Recv.
	HeartbeatInterval = 30 * time.Second

	// MaxDialAttempts is the hard cap on connection attempts before Dial
	// gives up with an error.
	MaxDialAttempts = 10

	// dialTimeoutBase and dialTimeoutStep implement the "starts at 2s,
	// grows by +2s per attempt" retry policy: attempt i uses timeout
	// dialTimeoutBase + (i-1)*dialTimeoutStep.
	dialTimeoutBase = 2 * time.Second
	dialTimeoutStep = 2 * time.Second
)

// DialConfig configures one connection attempt (and the retry loop around
// it in Dial).
type DialConfig struct {
	URL      string
	UnixPath string // if set, dial this unix socket instead of URL's host
	Username string
	Password string
	Headers  http.Header
	// VerifyTLS disables certificate verification when false.
	VerifyTLS bool
	Logger    Logger
}

// Session wraps one WebSocket connection. Writes are serialized through a
// single mutex so control messages and data frames are never interleaved
// mid-frame; Send is a no-op once the session is closing.
type Session struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	logger    Logger
}

func newSession(conn *websocket.Conn, logger Logger) *Session {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Session{
		conn:   conn,
		closed: make(chan struct{}),
		logger: logger,
	}
}

// Dial establishes a WebSocket session, retrying up to MaxDialAttempts
// attempts before giving up. Each attempt's timeout grows (2s, 4s, 6s, ...);
// a failed attempt is retried at once, with no pause in between. verify_ssl and an optional HTTP Basic auth header are applied
// to every attempt; if cfg.UnixPath is set, the WebSocket is dialed over
// that unix domain socket instead of a TCP connection to the URL's host.
func Dial(ctx context.Context, cfg DialConfig) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	header := cfg.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	if cfg.Username != "" || cfg.Password != "" {
		req := &http.Request{Header: header}
		req.SetBasicAuth(cfg.Username, cfg.Password)
		header = req.Header
	}

	var lastErr error
	for attempt := 1; attempt <= MaxDialAttempts; attempt++ {
		timeout := dialTimeoutBase + time.Duration(attempt-1)*dialTimeoutStep

		dialer := websocket.Dialer{
			HandshakeTimeout: timeout,
			TLSClientConfig:  &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS}, //nolint:gosec // verify_ssl is caller-controlled
		}
		if cfg.UnixPath != "" {
			unixPath := cfg.UnixPath
			dialer.NetDialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, "unix", unixPath)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		conn, _, err := dialer.DialContext(attemptCtx, cfg.URL, header)
		cancel()

		if err == nil {
			logger.Info("websocket connected", "attempt", attempt, "url", redactURL(cfg.URL))
			return newSession(conn, logger), nil
		}

		lastErr = err
		logger.Warn("websocket dial attempt failed", "attempt", attempt, "timeout", timeout, "error", err)

		if ctx.Err() != nil {
			return nil, fmt.Errorf("transport: dial cancelled: %w", ctx.Err())
		}
	}

	return nil, fmt.Errorf("transport: giving up after %d attempts: %w", MaxDialAttempts, lastErr)
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	return u.String()
}

// Send writes one WebSocket message. It is a no-op once the session has
// started closing, so callers never block writing to a dead connection.
func (s *Session) Send(kind FrameKind, payload []byte) error {
	select {
	case <-s.closed:
		return nil
	default:
	}

	wsType := websocket.BinaryMessage
	if kind == FrameText {
		wsType = websocket.TextMessage
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closed:
		return nil
	default:
	}

	if err := s.conn.WriteMessage(wsType, payload); err != nil {
		return fmt.Errorf("transport: write failed: %w", err)
	}
	return nil
}

// Recv returns the next BINARY or TEXT message. Ping/pong frames are
// handled transparently by the underlying library and never surface here.
// A read failure closes the session and is reported as an error.
func (s *Session) Recv() (FrameKind, []byte, error) {
	mt, data, err := s.conn.ReadMessage()
	if err != nil {
		s.Close()
		return 0, nil, fmt.Errorf("transport: read failed: %w", err)
	}

	switch mt {
	case websocket.BinaryMessage:
		return FrameBinary, data, nil
	case websocket.TextMessage:
		return FrameText, data, nil
	default:
		// Unreachable in practice: gorilla/websocket only ever returns
		// data message types from ReadMessage.
		return 0, nil, fmt.Errorf("transport: unexpected message type %d", mt)
	}
}

// RunHeartbeat sends a ping every HeartbeatInterval until ctx is done or
// the session closes. Callers run this in its own goroutine.
func (s *Session) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Warn("heartbeat ping failed", "error", err)
				s.Close()
				return
			}
		}
	}
}

// Close tears down the underlying connection. Safe to call more than once
// and from multiple goroutines.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// Done returns a channel closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Supervisor drives the client-side reconnection loop: it dials, hands the
// live session to handle (which blocks for the session's lifetime), and on
// any failure tears the session down, calls onDisconnect so the caller can
// destroy in-flight streams, and dials again. There is no replay of
// application data across reconnects.
type Supervisor struct {
	cfg    DialConfig
	logger Logger
}

// NewSupervisor creates a reconnection supervisor using cfg for every dial
// attempt.
func NewSupervisor(cfg DialConfig) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Supervisor{cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled or Dial gives up. handle is invoked
// with each newly established session and should run until that session's
// Recv loop fails; onDisconnect is called after every session teardown,
// before the next Dial attempt, so the caller can close locally-owned
// sockets for streams that belonged to the dead session.
func (sup *Supervisor) Run(ctx context.Context, handle func(ctx context.Context, s *Session), onDisconnect func()) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		session, err := Dial(ctx, sup.cfg)
		if err != nil {
			return fmt.Errorf("transport: supervisor giving up: %w", err)
		}

		sessionCtx, cancel := context.WithCancel(ctx)
		go session.RunHeartbeat(sessionCtx)

		handle(sessionCtx, session)

		cancel()
		session.Close()
		if onDisconnect != nil {
			onDisconnect()
		}

		sup.logger.Info("session ended, reconnecting")
	}
}
