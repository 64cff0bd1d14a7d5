package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/coachpo/marlin/internal/observability"
)

const (
	streamPingInterval         = 30 * time.Second
	streamPingTimeout          = 5 * time.Second
	streamMaxReconnectInterval = 30 * time.Second
	streamReadLimit            = 2 * 1024 * 1024
	streamDialTimeout          = 10 * time.Second
)

// Stream maintains a single websocket session with automatic reconnection.
// Incoming frames are handed to the message handler; adapters layer their
// subscription protocol on top.
type Stream struct {
	url     string
	ctx     context.Context
	cancel  context.CancelFunc
	handler func([]byte) error

	conn   *websocket.Conn
	connMu sync.RWMutex

	// onConnect runs after every (re)connect so adapters can replay
	// subscriptions onto the fresh session.
	onConnect func(ctx context.Context, write func([]byte) error) error

	ready     chan struct{}
	readyOnce sync.Once
	log       observability.Logger
}

// StreamOption configures optional stream behaviour.
type StreamOption func(*Stream)

// WithOnConnect registers a callback invoked after each successful dial.
func WithOnConnect(fn func(ctx context.Context, write func([]byte) error) error) StreamOption {
	return func(s *Stream) {
		s.onConnect = fn
	}
}

// NewStream creates a stream for the given websocket URL. The handler is
// invoked for every received frame; a handler error tears down the current
// session and triggers a reconnect.
func NewStream(ctx context.Context, url string, handler func([]byte) error, opts ...StreamOption) *Stream {
	streamCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		url:     url,
		ctx:     streamCtx,
		cancel:  cancel,
		handler: handler,
		ready:   make(chan struct{}),
		log:     observability.Log(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start establishes the connection in a background goroutine and waits for
// the initial session.
func (s *Stream) Start() error {
	go func() {
		if err := s.connect(); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("stream connection loop ended", observability.F("url", s.url), observability.F("error", err))
		}
	}()

	select {
	case <-s.ready:
		return nil
	case <-time.After(streamDialTimeout):
		return fmt.Errorf("timeout waiting for websocket connection to %s", s.url)
	case <-s.ctx.Done():
		return fmt.Errorf("stream context done: %w", s.ctx.Err())
	}
}

// Stop closes the connection and cancels the reconnect loop.
func (s *Stream) Stop() {
	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
	s.connMu.Unlock()
}

// Write sends a text frame on the current session.
func (s *Stream) Write(payload []byte) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return errors.New("websocket not connected")
	}
	ctx, cancel := context.WithTimeout(s.ctx, streamPingTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}

// connect keeps one session alive until the parent context terminates,
// dialing with exponential backoff and running reader/pinger goroutines per
// session.
func (s *Stream) connect() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = streamMaxReconnectInterval

	for {
		select {
		case <-s.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(s.ctx, s.url, nil)
		if err != nil {
			s.log.Warn("websocket dial failed", observability.F("url", s.url), observability.F("error", err))
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = streamMaxReconnectInterval
			}
			select {
			case <-s.ctx.Done():
				return context.Canceled
			case <-time.After(sleep):
				continue
			}
		}

		conn.SetReadLimit(streamReadLimit)
		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()

		if s.onConnect != nil {
			if err := s.onConnect(s.ctx, s.Write); err != nil {
				s.log.Error("stream onConnect failed", observability.F("url", s.url), observability.F("error", err))
				s.teardown(conn)
				continue
			}
		}

		s.readyOnce.Do(func() { close(s.ready) })
		backoffCfg.Reset()

		if err := s.session(conn); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("websocket session ended", observability.F("url", s.url), observability.F("error", err))
		}
		s.teardown(conn)

		select {
		case <-s.ctx.Done():
			return context.Canceled
		default:
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = streamMaxReconnectInterval
		}
		select {
		case <-s.ctx.Done():
			return context.Canceled
		case <-time.After(sleep):
		}
	}
}

// session reads frames until the connection drops or the context ends.
func (s *Stream) session(conn *websocket.Conn) error {
	sessionCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	go s.pinger(sessionCtx, conn, cancel)

	for {
		_, payload, err := conn.Read(sessionCtx)
		if err != nil {
			return err
		}
		if s.handler == nil {
			continue
		}
		if err := s.handler(payload); err != nil {
			return fmt.Errorf("stream handler: %w", err)
		}
	}
}

func (s *Stream) pinger(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, streamPingTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				// A failed keepalive ends the session so the
				// reconnect loop can establish a fresh one.
				cancel()
				return
			}
		}
	}
}

func (s *Stream) teardown(conn *websocket.Conn) {
	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connMu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "reconnect")
}
