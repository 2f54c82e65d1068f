package media

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newTestServer runs the media handler on an httptest listener and
// returns the server plus a ws:// URL builder.
func newTestServer(t *testing.T, lookup SessionLookup) (*Server, func(channel string) string) {
	t.Helper()
	s := NewServer("unused", lookup, nil)
	ts := httptest.NewServer(http.HandlerFunc(s.handleMedia))
	t.Cleanup(ts.Close)
	return s, func(channel string) string {
		return "ws" + strings.TrimPrefix(ts.URL, "http") + extMediaPathPrefix + channel
	}
}

func dialMedia(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestRejectsConnectionWithoutSession(t *testing.T) {
	s, wsURL := newTestServer(t, func(string) bool { return false })

	ws := dialMedia(t, wsURL("ghost-channel"))

	// The server closes immediately; the first read surfaces it.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("expected close from server")
	}
	if s.Connected("ghost-channel") {
		t.Error("rejected channel present in connections map")
	}
}

func TestInboundAudioReachesCallback(t *testing.T) {
	s, wsURL := newTestServer(t, func(string) bool { return true })

	var mu sync.Mutex
	var got [][]byte
	tr := s.Transport("chan1")
	tr.OnReceive(func(p []byte) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})

	ws := dialMedia(t, wsURL("chan1"))
	if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 640)); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("inbound frame never reached callback")
		}
		time.Sleep(5 * time.Millisecond)
	}

	st := tr.Stats()
	if st.PacketsReceived != 1 || st.BytesReceived != 640 {
		t.Errorf("stats=%+v", st)
	}
}

func TestCallbackReboundAfterReconnect(t *testing.T) {
	s, wsURL := newTestServer(t, func(string) bool { return true })

	got := make(chan []byte, 4)
	tr := s.Transport("chan1")
	tr.OnReceive(func(p []byte) { got <- p })

	ws := dialMedia(t, wsURL("chan1"))
	ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.Connected("chan1") {
		if time.Now().After(deadline) {
			t.Fatal("first connection never dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ws2 := dialMedia(t, wsURL("chan1"))
	if err := ws2.WriteMessage(websocket.BinaryMessage, make([]byte, 320)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case p := <-got:
		if len(p) != 320 {
			t.Errorf("frame len=%d", len(p))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame after reconnect never reached callback")
	}
}

func TestOutboundAudioReachesPeer(t *testing.T) {
	s, wsURL := newTestServer(t, func(string) bool { return true })

	ws := dialMedia(t, wsURL("chan1"))

	// Wait until the server side registered the connection.
	deadline := time.Now().Add(2 * time.Second)
	for !s.Connected("chan1") {
		if time.Now().After(deadline) {
			t.Fatal("connection never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !s.Send("chan1", []byte{1, 2, 3, 4}) {
		t.Fatal("Send returned false")
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage || len(data) != 4 {
		t.Errorf("kind=%d len=%d", kind, len(data))
	}
}

func TestSendToUnknownChannelFails(t *testing.T) {
	s, _ := newTestServer(t, func(string) bool { return true })
	if s.Send("nobody", []byte{1}) {
		t.Error("Send to unconnected channel should report false")
	}
}

func TestDisconnectHookFires(t *testing.T) {
	s, wsURL := newTestServer(t, func(string) bool { return true })

	lost := make(chan string, 1)
	s.OnDisconnect(func(channel string) { lost <- channel })

	ws := dialMedia(t, wsURL("chan1"))

	deadline := time.Now().Add(2 * time.Second)
	for !s.Connected("chan1") {
		if time.Now().After(deadline) {
			t.Fatal("connection never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ws.Close()

	select {
	case ch := <-lost:
		if ch != "chan1" {
			t.Errorf("channel=%s", ch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect hook never fired")
	}
	if s.Connected("chan1") {
		t.Error("channel still in connections map after disconnect")
	}
}
