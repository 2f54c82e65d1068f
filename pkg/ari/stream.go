package ari

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// EventStream maintains a WebSocket subscription to the control plane
// and delivers decoded events on a channel. A dropped connection is
// redialed with capped exponential backoff; intervening events are lost,
// which matches the control plane's own semantics.
type EventStream struct {
	cfg Config
	log *slog.Logger

	events chan *Event

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewEventStream prepares a stream for cfg. Run must be called to start
// receiving.
func NewEventStream(cfg Config, log *slog.Logger) *EventStream {
	if log == nil {
		log = slog.Default()
	}
	return &EventStream{
		cfg:    cfg,
		log:    log,
		events: make(chan *Event, 64),
	}
}

// Events returns the channel decoded events arrive on. It is closed
// when Run returns.
func (s *EventStream) Events() <-chan *Event { return s.events }

// wsURL derives the event WebSocket URL from the REST base URL.
func (s *EventStream) wsURL() (string, error) {
	u, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("ari: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"
	q := u.Query()
	q.Set("app", s.cfg.Application)
	q.Set("api_key", s.cfg.Username+":"+s.cfg.Password)
	q.Set("subscribeAll", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run connects and pumps events until ctx is cancelled. It returns nil
// on cancellation and an error only when the URL cannot be formed.
func (s *EventStream) Run(ctx context.Context) error {
	defer close(s.events)

	target, err := s.wsURL()
	if err != nil {
		return err
	}

	backoff := reconnectBase
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
		if err != nil {
			s.log.Warn("event stream dial failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}

		s.log.Info("event stream connected", "app", s.cfg.Application)
		backoff = reconnectBase

		s.setConn(conn)
		s.readLoop(ctx, conn)
		s.setConn(nil)

		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn("event stream disconnected, reconnecting")
	}
}

// Close tears down the current connection. Run observes the closure and
// exits if its context is already cancelled.
func (s *EventStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *EventStream) setConn(c *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed && c != nil {
		c.Close()
		return
	}
	s.conn = c
}

// readLoop decodes frames until the connection drops or ctx ends.
func (s *EventStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := ParseEvent(data)
		if err != nil {
			s.log.Debug("skipping malformed event", "error", err)
			continue
		}
		if ev.Type == EventUnknown {
			s.log.Debug("ignoring event", "type", ev.RawType)
			continue
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
