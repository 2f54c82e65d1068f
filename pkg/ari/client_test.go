package ari

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	method string
	path   string
	query  map[string]string
	auth   string
}

func newFakeARI(t *testing.T, status int, body string) (*Client, *[]recordedRequest) {
	t.Helper()

	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr := recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  map[string]string{},
		}
		for k, v := range r.URL.Query() {
			rr.query[k] = v[0]
		}
		if u, p, ok := r.BasicAuth(); ok {
			rr.auth = u + ":" + p
		}
		reqs = append(reqs, rr)

		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{
		BaseURL:     srv.URL + "/ari",
		Username:    "bridge",
		Password:    "secret",
		Application: "voicewire",
	}, nil)
	return client, &reqs
}

func TestClientAnswer(t *testing.T) {
	client, reqs := newFakeARI(t, http.StatusNoContent, "")

	if err := client.Answer(context.Background(), "chan-1"); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	rr := (*reqs)[0]
	if rr.method != http.MethodPost || rr.path != "/ari/channels/chan-1/answer" {
		t.Errorf("got %s %s", rr.method, rr.path)
	}
	if rr.auth != "bridge:secret" {
		t.Errorf("auth = %q", rr.auth)
	}
}

func TestClientHangupReason(t *testing.T) {
	client, reqs := newFakeARI(t, http.StatusNoContent, "")

	if err := client.Hangup(context.Background(), "chan-1", "busy"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if err := client.Hangup(context.Background(), "chan-2", ""); err != nil {
		t.Fatalf("Hangup default: %v", err)
	}

	if got := (*reqs)[0]; got.method != http.MethodDelete || got.query["reason"] != "busy" {
		t.Errorf("got %s reason=%q", got.method, got.query["reason"])
	}
	if got := (*reqs)[1]; got.query["reason"] != "normal" {
		t.Errorf("default reason = %q", got.query["reason"])
	}
}

func TestClientHoldUnhold(t *testing.T) {
	client, reqs := newFakeARI(t, http.StatusNoContent, "")

	ctx := context.Background()
	if err := client.Hold(ctx, "chan-1"); err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if err := client.Unhold(ctx, "chan-1"); err != nil {
		t.Fatalf("Unhold: %v", err)
	}

	if got := (*reqs)[0]; got.method != http.MethodPost || got.path != "/ari/channels/chan-1/hold" {
		t.Errorf("hold: %s %s", got.method, got.path)
	}
	if got := (*reqs)[1]; got.method != http.MethodDelete || got.path != "/ari/channels/chan-1/hold" {
		t.Errorf("unhold: %s %s", got.method, got.path)
	}
}

func TestClientPlayReturnsPlaybackID(t *testing.T) {
	client, reqs := newFakeARI(t, http.StatusCreated, `{}`)

	id, err := client.Play(context.Background(), "chan-1", "sound:hello-world")
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if id == "" {
		t.Fatal("expected a playback id")
	}

	rr := (*reqs)[0]
	if rr.query["media"] != "sound:hello-world" {
		t.Errorf("media = %q", rr.query["media"])
	}
	if rr.query["playbackId"] != id {
		t.Errorf("playbackId %q != returned %q", rr.query["playbackId"], id)
	}
}

func TestClientRecordReturnsName(t *testing.T) {
	client, reqs := newFakeARI(t, http.StatusCreated, `{}`)

	name, err := client.Record(context.Background(), "chan-1", "")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !strings.HasPrefix(name, "rec-chan-1-") {
		t.Errorf("name = %q", name)
	}

	rr := (*reqs)[0]
	if rr.query["format"] != "wav" {
		t.Errorf("default format = %q", rr.query["format"])
	}
	if rr.query["name"] != name {
		t.Errorf("name query %q != returned %q", rr.query["name"], name)
	}
}

func TestClientStartExternalMedia(t *testing.T) {
	client, reqs := newFakeARI(t, http.StatusOK, `{"id":"chan-1-media"}`)

	id, err := client.StartExternalMedia(context.Background(), "chan-1", ExternalMediaParams{
		ExternalHost: "127.0.0.1:12000",
	})
	if err != nil {
		t.Fatalf("StartExternalMedia: %v", err)
	}
	if id != "chan-1-media" {
		t.Errorf("media channel id = %q", id)
	}

	rr := (*reqs)[0]
	if rr.query["format"] != "slin16" {
		t.Errorf("default format = %q", rr.query["format"])
	}
	if rr.query["direction"] != "both" {
		t.Errorf("default direction = %q", rr.query["direction"])
	}
	if rr.query["external_host"] != "127.0.0.1:12000" {
		t.Errorf("external_host = %q", rr.query["external_host"])
	}
	if rr.query["app"] != "voicewire" {
		t.Errorf("app = %q", rr.query["app"])
	}
}

func TestClientErrorCarriesContext(t *testing.T) {
	client, _ := newFakeARI(t, http.StatusNotFound, `{"message":"Channel not found"}`)

	err := client.Answer(context.Background(), "gone")
	if err == nil {
		t.Fatal("expected an error")
	}

	var opErr *OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OpError, got %T", err)
	}
	if opErr.Op != "answer" || opErr.Channel != "gone" || opErr.Status != http.StatusNotFound {
		t.Errorf("op=%q channel=%q status=%d", opErr.Op, opErr.Channel, opErr.Status)
	}
	if !strings.Contains(opErr.Body, "Channel not found") {
		t.Errorf("body = %q", opErr.Body)
	}
}
