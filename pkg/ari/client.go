package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the connection settings for the control plane.
type Config struct {
	// BaseURL is the REST root, e.g. "http://127.0.0.1:8088/ari".
	BaseURL string `json:"base_url" yaml:"base_url"`
	// Username and Password are sent as basic auth on every request.
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	// Application is the event application name to subscribe to.
	Application string `json:"application" yaml:"application"`
	// Timeout bounds individual REST calls. Zero means 10s.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

func (c *Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 10 * time.Second
}

// OpError reports a failed control-plane operation with enough context
// to tie it back to a call.
type OpError struct {
	Op      string
	Channel string
	Status  int
	Body    string
	Err     error
}

func (e *OpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ari: %s channel=%s: %v", e.Op, e.Channel, e.Err)
	}
	return fmt.Sprintf("ari: %s channel=%s: status %d: %s", e.Op, e.Channel, e.Status, e.Body)
}

func (e *OpError) Unwrap() error { return e.Err }

// Client is a REST client for channel operations. Methods are safe for
// concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// NewClient builds a client from cfg. A nil logger means slog.Default.
func NewClient(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.timeout()},
		log:  log,
	}
}

// Answer answers an incoming channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, "answer", channelID, http.MethodPost,
		"/channels/"+url.PathEscape(channelID)+"/answer", nil, nil)
}

// Hangup terminates the channel. An empty reason means "normal".
func (c *Client) Hangup(ctx context.Context, channelID, reason string) error {
	if reason == "" {
		reason = "normal"
	}
	q := url.Values{"reason": {reason}}
	return c.do(ctx, "hangup", channelID, http.MethodDelete,
		"/channels/"+url.PathEscape(channelID)+"?"+q.Encode(), nil, nil)
}

// Hold places the channel on hold.
func (c *Client) Hold(ctx context.Context, channelID string) error {
	return c.do(ctx, "hold", channelID, http.MethodPost,
		"/channels/"+url.PathEscape(channelID)+"/hold", nil, nil)
}

// Unhold takes the channel off hold.
func (c *Client) Unhold(ctx context.Context, channelID string) error {
	return c.do(ctx, "unhold", channelID, http.MethodDelete,
		"/channels/"+url.PathEscape(channelID)+"/hold", nil, nil)
}

// Play starts playback of a media URI on the channel and returns the
// playback id to correlate the eventual PlaybackFinished event.
func (c *Client) Play(ctx context.Context, channelID, mediaURI string) (string, error) {
	playbackID := uuid.NewString()
	q := url.Values{
		"media":      {mediaURI},
		"playbackId": {playbackID},
	}
	err := c.do(ctx, "play", channelID, http.MethodPost,
		"/channels/"+url.PathEscape(channelID)+"/play?"+q.Encode(), nil, nil)
	if err != nil {
		return "", err
	}
	return playbackID, nil
}

// Record starts recording the channel and returns the recording name to
// correlate the eventual RecordingFinished event.
func (c *Client) Record(ctx context.Context, channelID, format string) (string, error) {
	if format == "" {
		format = "wav"
	}
	name := fmt.Sprintf("rec-%s-%s", channelID, uuid.NewString()[:8])
	q := url.Values{
		"name":              {name},
		"format":            {format},
		"ifExists":          {"overwrite"},
		"terminateOn":       {"none"},
		"maxSilenceSeconds": {"0"},
	}
	err := c.do(ctx, "record", channelID, http.MethodPost,
		"/channels/"+url.PathEscape(channelID)+"/record?"+q.Encode(), nil, nil)
	if err != nil {
		return "", err
	}
	return name, nil
}

// ExternalMediaParams configures an external media leg for a channel.
type ExternalMediaParams struct {
	// ExternalHost is "host:port" the media plane should stream to.
	ExternalHost string
	// Format is the media encoding, e.g. "slin16".
	Format string
	// Direction is the stream direction. Empty means "both".
	Direction string
}

// externalMediaResponse is the subset of the create response we need.
type externalMediaResponse struct {
	ID string `json:"id"`
}

// StartExternalMedia attaches an external media stream to the channel
// and returns the media channel id.
func (c *Client) StartExternalMedia(ctx context.Context, channelID string, p ExternalMediaParams) (string, error) {
	if p.Format == "" {
		p.Format = "slin16"
	}
	if p.Direction == "" {
		p.Direction = "both"
	}
	q := url.Values{
		"app":             {c.cfg.Application},
		"channelId":       {channelID + "-media"},
		"external_host":   {p.ExternalHost},
		"format":          {p.Format},
		"direction":       {p.Direction},
		"encapsulation":   {"rtp"},
		"transport":       {"udp"},
		"connection_type": {"client"},
	}
	var resp externalMediaResponse
	err := c.do(ctx, "externalMedia", channelID, http.MethodPost,
		"/channels/externalMedia?"+q.Encode(), nil, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		resp.ID = channelID + "-media"
	}
	return resp.ID, nil
}

// do issues one REST call and decodes an optional JSON response body.
func (c *Client) do(ctx context.Context, op, channelID, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &OpError{Op: op, Channel: channelID, Err: err}
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return &OpError{Op: op, Channel: channelID, Err: err}
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &OpError{Op: op, Channel: channelID, Err: err}
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OpError{
			Op:      op,
			Channel: channelID,
			Status:  resp.StatusCode,
			Body:    strings.TrimSpace(string(data)),
		}
	}

	c.log.Debug("ari request ok", "op", op, "channel", channelID, "status", resp.StatusCode)

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return &OpError{Op: op, Channel: channelID, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
