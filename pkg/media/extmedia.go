package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// extMediaPathPrefix is where the telephony side connects:
	// /media/{channelID}.
	extMediaPathPrefix = "/media/"

	// extMediaSendQueue bounds the per-connection outbound frame
	// queue. The oldest frame is dropped when the queue is full.
	extMediaSendQueue = 64

	extMediaPingInterval = 30 * time.Second
	extMediaWriteTimeout = 10 * time.Second
)

// SessionLookup reports whether a live session exists for a channel.
// Connections for unknown channels are rejected.
type SessionLookup func(channelID string) bool

// Server accepts external-media WebSocket connections from the
// telephony side, one per channel, and exchanges binary PCM frames with
// them. Loss of a connection is treated as the call-ending signal and
// reported through the disconnect hook.
type Server struct {
	addr     string
	lookup   SessionLookup
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu           sync.RWMutex
	conns        map[string]*mediaConn
	receivers    map[string]func(pcm []byte)
	onDisconnect func(channelID string)

	httpServer *http.Server
	startedAt  time.Time
	stopOnce   sync.Once
}

type mediaConn struct {
	channelID string
	ws        *websocket.Conn
	server    *Server

	sendCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	onReceive func([]byte)

	connectedAt     time.Time
	packetsSent     atomic.Int64
	packetsReceived atomic.Int64
	bytesSent       atomic.Int64
	bytesReceived   atomic.Int64
	flushed         atomic.Int64
}

// NewServer creates an external-media server listening on addr.
func NewServer(addr string, lookup SessionLookup, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:   addr,
		lookup: lookup,
		log:    log.With("component", "extmedia"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  rtpMaxPacketSize,
			WriteBufferSize: rtpMaxPacketSize,
			// The telephony side is not a browser; skip origin checks.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:     make(map[string]*mediaConn),
		receivers: make(map[string]func(pcm []byte)),
	}
}

// OnDisconnect registers the hook fired when a channel's connection is
// lost. The bridge uses it to end the owning session.
func (s *Server) OnDisconnect(fn func(channelID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = fn
}

// Start begins serving. It returns once the listener is accepting.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(extMediaPathPrefix, s.handleMedia)

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	s.startedAt = time.Now()

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Give an immediate bind failure a moment to surface.
	select {
	case err := <-errCh:
		return fmt.Errorf("media: external media server: %w", err)
	case <-time.After(100 * time.Millisecond):
	}

	s.log.Info("external media server started", "addr", s.addr)
	return nil
}

// Stop closes all connections and shuts the server down. Idempotent.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		conns := make([]*mediaConn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		for _, c := range conns {
			c.close()
		}
		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.httpServer.Shutdown(ctx)
		}
		s.log.Info("external media server stopped")
	})
	return nil
}

// handleMedia upgrades one inbound connection. A channel without a live
// session is rejected and never enters the connection map.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	channelID := strings.TrimPrefix(r.URL.Path, extMediaPathPrefix)
	if channelID == "" || strings.Contains(channelID, "/") {
		http.Error(w, "bad media path", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("media upgrade failed", "channel", channelID, "error", err)
		return
	}

	if s.lookup == nil || !s.lookup(channelID) {
		s.log.Warn("rejected media connection: no session", "channel", channelID)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "no session"),
			time.Now().Add(extMediaWriteTimeout))
		ws.Close()
		return
	}

	c := &mediaConn{
		channelID:   channelID,
		ws:          ws,
		server:      s,
		sendCh:      make(chan []byte, extMediaSendQueue),
		closeCh:     make(chan struct{}),
		connectedAt: time.Now(),
	}

	s.mu.Lock()
	if prev, ok := s.conns[channelID]; ok {
		// A stale connection for the same channel is replaced.
		go prev.close()
	}
	s.conns[channelID] = c
	// The transport registers its receive callback before the telephony
	// side connects; bind it to the connection that just arrived.
	c.onReceive = s.receivers[channelID]
	s.mu.Unlock()

	s.log.Info("media connection established", "channel", channelID)

	go c.writeLoop()
	c.readLoop()
}

// Send queues one outbound PCM frame for a channel. It reports false
// when the channel has no live connection.
func (s *Server) Send(channelID string, pcm []byte) bool {
	s.mu.RLock()
	c, ok := s.conns[channelID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return c.send(pcm)
}

// Flush drops the queued outbound frames for a channel and returns the
// number of bytes dropped.
func (s *Server) Flush(channelID string) int {
	s.mu.RLock()
	c, ok := s.conns[channelID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.flush()
}

// Connected reports whether a channel currently has a media connection.
func (s *Server) Connected(channelID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[channelID]
	return ok
}

// ConnectionStats returns per-channel transport stats for every live
// connection.
func (s *Server) ConnectionStats() []Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Stats, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.stats())
	}
	return out
}

// Transport returns the per-call Transport handle bound to one channel.
// The handle proxies to whatever connection the channel currently has;
// Send on a channel that has not connected yet reports false.
func (s *Server) Transport(channelID string) Transport {
	return &wsTransport{server: s, channelID: channelID}
}

func (s *Server) dropConn(c *mediaConn) {
	s.mu.Lock()
	cur, ok := s.conns[c.channelID]
	if ok && cur == c {
		delete(s.conns, c.channelID)
	}
	hook := s.onDisconnect
	s.mu.Unlock()

	if ok && cur == c && hook != nil {
		hook(c.channelID)
	}
}

func (c *mediaConn) readLoop() {
	defer func() {
		c.close()
		c.server.log.Info("media connection lost", "channel", c.channelID)
		c.server.dropConn(c)
	}()

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			c.server.log.Debug("ignoring non-binary media frame", "channel", c.channelID, "type", kind)
			continue
		}

		c.packetsReceived.Add(1)
		c.bytesReceived.Add(int64(len(data)))

		c.mu.Lock()
		fn := c.onReceive
		c.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	}
}

// writeLoop is the single writer for the WebSocket connection.
func (c *mediaConn) writeLoop() {
	ping := time.NewTicker(extMediaPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case <-ping.C:
			c.ws.SetWriteDeadline(time.Now().Add(extMediaWriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case frame := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(extMediaWriteTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.server.log.Debug("media send failed", "channel", c.channelID, "error", err)
				c.close()
				return
			}
			c.packetsSent.Add(1)
			c.bytesSent.Add(int64(len(frame)))
		}
	}
}

func (c *mediaConn) send(pcm []byte) bool {
	select {
	case <-c.closeCh:
		return false
	default:
	}

	frame := make([]byte, len(pcm))
	copy(frame, pcm)
	for {
		select {
		case c.sendCh <- frame:
			return true
		default:
			// Queue full: drop the oldest frame to keep latency bounded.
			select {
			case old := <-c.sendCh:
				c.flushed.Add(int64(len(old)))
			default:
			}
		}
	}
}

func (c *mediaConn) flush() int {
	dropped := 0
	for {
		select {
		case frame := <-c.sendCh:
			dropped += len(frame)
		default:
			c.flushed.Add(int64(dropped))
			return dropped
		}
	}
}

func (c *mediaConn) close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.ws.Close()
	})
}

func (c *mediaConn) stats() Stats {
	return Stats{
		ChannelID:       c.channelID,
		Kind:            "extmedia",
		Connected:       true,
		PacketsSent:     c.packetsSent.Load(),
		PacketsReceived: c.packetsReceived.Load(),
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		OutputQueueLen:  len(c.sendCh),
		Uptime:          time.Since(c.connectedAt),
	}
}

// wsTransport adapts one channel of the Server to the Transport
// contract.
type wsTransport struct {
	server    *Server
	channelID string

	mu        sync.Mutex
	onReceive func([]byte)
	stopped   bool
}

func (t *wsTransport) Start(ctx context.Context) error {
	// The server accepts the inbound connection; nothing to launch per
	// call. Bind the receive callback to whatever connection arrives.
	t.server.mu.Lock()
	defer t.server.mu.Unlock()
	if c, ok := t.server.conns[t.channelID]; ok {
		t.bindConn(c)
	}
	return nil
}

func (t *wsTransport) bindConn(c *mediaConn) {
	t.mu.Lock()
	fn := t.onReceive
	t.mu.Unlock()
	c.mu.Lock()
	c.onReceive = fn
	c.mu.Unlock()
}

func (t *wsTransport) Send(pcm []byte) bool {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return false
	}
	return t.server.Send(t.channelID, pcm)
}

func (t *wsTransport) Flush() int {
	return t.server.Flush(t.channelID)
}

func (t *wsTransport) OnReceive(fn func(pcm []byte)) {
	t.mu.Lock()
	t.onReceive = fn
	t.mu.Unlock()

	// Register with the server so a connection arriving later is bound
	// on accept, and rebind any connection already present.
	t.server.mu.Lock()
	t.server.receivers[t.channelID] = fn
	c, ok := t.server.conns[t.channelID]
	t.server.mu.Unlock()
	if ok {
		c.mu.Lock()
		c.onReceive = fn
		c.mu.Unlock()
	}
}

func (t *wsTransport) Stats() Stats {
	t.server.mu.RLock()
	c, ok := t.server.conns[t.channelID]
	t.server.mu.RUnlock()
	if !ok {
		return Stats{ChannelID: t.channelID, Kind: "extmedia"}
	}
	return c.stats()
}

func (t *wsTransport) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()

	t.server.mu.Lock()
	delete(t.server.receivers, t.channelID)
	c, ok := t.server.conns[t.channelID]
	t.server.mu.Unlock()
	if ok {
		c.close()
	}
	return nil
}
