package ari

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestEventStreamDeliversEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotApp := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ari/events" {
			http.NotFound(w, r)
			return
		}
		gotApp <- r.URL.Query().Get("app")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		frames := []string{
			`{"type":"StasisStart","channel":{"id":"c1","caller":{"number":"1001"},"dialplan":{"exten":"9000"}}}`,
			`{"type":"SomethingNew"}`,
			`not json at all`,
			`{"type":"StasisEnd","channel":{"id":"c1","caller":{"number":""},"dialplan":{"exten":""}}}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	stream := NewEventStream(Config{
		BaseURL:     srv.URL + "/ari",
		Username:    "bridge",
		Password:    "secret",
		Application: "voicewire",
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- stream.Run(ctx) }()

	select {
	case app := <-gotApp:
		if app != "voicewire" {
			t.Errorf("subscribed app = %q", app)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream never connected")
	}

	// Unknown types and malformed frames are skipped, so exactly two
	// events should arrive.
	var types []EventType
	for len(types) < 2 {
		select {
		case ev := <-stream.Events():
			types = append(types, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", types)
		}
	}
	if types[0] != EventStasisStart || types[1] != EventStasisEnd {
		t.Errorf("event order = %v", types)
	}

	cancel()
	stream.Close()
	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEventStreamReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	connects := make(chan struct{}, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connects <- struct{}{}
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"StasisStart","channel":{"id":"c","caller":{"number":"1"},"dialplan":{"exten":"2"}}}`))
		conn.Close()
	}))
	defer srv.Close()

	stream := NewEventStream(Config{
		BaseURL:     srv.URL + "/ari",
		Application: "voicewire",
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stream.Run(ctx)

	for i := 0; i < 2; i++ {
		select {
		case <-connects:
		case <-time.After(5 * time.Second):
			t.Fatalf("connection %d never arrived", i+1)
		}
	}
}

func TestEventStreamBadURL(t *testing.T) {
	stream := NewEventStream(Config{BaseURL: "://nope"}, nil)
	if err := stream.Run(context.Background()); err == nil {
		t.Fatal("expected an error for an unparseable base url")
	}
}
