package voiceai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client event types.
const (
	eventSessionUpdate    = "session.update"
	eventInputAudioAppend = "input_audio_buffer.append"
	eventInputAudioCommit = "input_audio_buffer.commit"
	eventInputAudioClear  = "input_audio_buffer.clear"
	eventResponseCreate   = "response.create"
	eventResponseCancel   = "response.cancel"
)

// Server event types.
const (
	eventError               = "error"
	eventSessionCreated      = "session.created"
	eventSessionUpdated      = "session.updated"
	eventSpeechStarted       = "input_audio_buffer.speech_started"
	eventResponseAudioDelta  = "response.audio.delta"
	eventResponseAudioDone   = "response.audio.done"
	eventResponseDone        = "response.done"
	eventResponseScriptDelta = "response.audio_transcript.delta"
)

// serverEvent is the wire shape of incoming frames, reduced to the
// fields this bridge consumes.
type serverEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
	Delta   string `json:"delta"`
	Session struct {
		ID string `json:"id"`
	} `json:"session"`
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ServiceError is an error reported by the AI service itself.
type ServiceError struct {
	Type    string
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("voiceai: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("voiceai: %s: %s", e.Type, e.Message)
}

// Realtime is the WebSocket implementation of Conn.
type Realtime struct {
	cfg Config
	log *slog.Logger

	events    chan Event
	closeCh   chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string

	setupDone chan struct{}
	setupOnce sync.Once
}

var _ Conn = (*Realtime)(nil)

// NewRealtime builds a connection for cfg. A nil logger means
// slog.Default.
func NewRealtime(cfg Config, log *slog.Logger) *Realtime {
	if log == nil {
		log = slog.Default()
	}
	return &Realtime{
		cfg:       cfg,
		log:       log,
		events:    make(chan Event, 100),
		closeCh:   make(chan struct{}),
		setupDone: make(chan struct{}),
	}
}

// Connect dials the service and starts the read loop.
func (r *Realtime) Connect(ctx context.Context) error {
	headers := http.Header{}
	if r.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	target := r.cfg.URL
	if r.cfg.Model != "" {
		target = fmt.Sprintf("%s?model=%s", r.cfg.URL, r.cfg.Model)
	}

	dialer := websocket.Dialer{HandshakeTimeout: r.cfg.handshakeTimeout()}
	conn, resp, err := dialer.DialContext(ctx, target, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("voiceai: connect: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("voiceai: connect: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	go r.readLoop(conn)
	return nil
}

// StartConversation sends the session configuration and waits for the
// service to acknowledge it.
func (r *Realtime) StartConversation(ctx context.Context, params ConversationParams) (string, error) {
	if params.Instructions == "" {
		params.Instructions = r.cfg.Instructions
	}
	if params.Voice == "" {
		params.Voice = r.cfg.Voice
	}
	if params.InputSampleRate == 0 {
		params.InputSampleRate = 16000
	}
	if params.OutputSampleRate == 0 {
		params.OutputSampleRate = 24000
	}

	err := r.sendEvent(map[string]any{
		"event_id": generateEventID(),
		"type":     eventSessionUpdate,
		"session": map[string]any{
			"instructions":        params.Instructions,
			"voice":               params.Voice,
			"modalities":          []string{"audio", "text"},
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"turn_detection": map[string]any{
				"type": "server_vad",
			},
		},
	})
	if err != nil {
		return "", err
	}

	select {
	case <-r.setupDone:
	case <-r.closeCh:
		return "", ErrNotConnected
	case <-ctx.Done():
		return "", ctx.Err()
	}

	r.mu.Lock()
	id := r.sessionID
	r.mu.Unlock()
	if id == "" {
		id = "conv_" + uuid.NewString()[:12]
	}
	return id, nil
}

// SendAudioChunk streams one chunk of caller PCM audio.
func (r *Realtime) SendAudioChunk(audio []byte) error {
	return r.sendEvent(map[string]any{
		"event_id": generateEventID(),
		"type":     eventInputAudioAppend,
		"audio":    base64.StdEncoding.EncodeToString(audio),
	})
}

// CommitAudioBuffer marks the end of a caller utterance.
func (r *Realtime) CommitAudioBuffer() error {
	return r.sendEvent(map[string]any{
		"event_id": generateEventID(),
		"type":     eventInputAudioCommit,
	})
}

// ClearAudioBuffer discards buffered caller audio.
func (r *Realtime) ClearAudioBuffer() error {
	return r.sendEvent(map[string]any{
		"event_id": generateEventID(),
		"type":     eventInputAudioClear,
	})
}

// CreateResponse asks the service to respond to committed audio.
func (r *Realtime) CreateResponse() error {
	return r.sendEvent(map[string]any{
		"event_id": generateEventID(),
		"type":     eventResponseCreate,
		"response": map[string]any{
			"modalities": []string{"audio", "text"},
		},
	})
}

// CancelResponse aborts the in-flight response.
func (r *Realtime) CancelResponse() error {
	return r.sendEvent(map[string]any{
		"event_id": generateEventID(),
		"type":     eventResponseCancel,
	})
}

// Events returns the decoded event channel.
func (r *Realtime) Events() <-chan Event { return r.events }

// Disconnect closes the connection.
func (r *Realtime) Disconnect() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closeCh)
		r.mu.Lock()
		if r.conn != nil {
			err = r.conn.Close()
		}
		r.mu.Unlock()
	})
	return err
}

func generateEventID() string {
	return "evt_" + uuid.NewString()[:12]
}

func (r *Realtime) sendEvent(event map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return ErrNotConnected
	}
	select {
	case <-r.closeCh:
		return ErrNotConnected
	default:
	}
	return r.conn.WriteJSON(event)
}

// readLoop decodes server frames and forwards typed events until the
// connection drops.
func (r *Realtime) readLoop(conn *websocket.Conn) {
	defer close(r.events)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-r.closeCh:
			default:
				r.emit(Event{Kind: KindError, Err: fmt.Errorf("voiceai: read: %w", err)})
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			r.log.Debug("skipping malformed frame", "error", err)
			continue
		}

		switch ev.Type {
		case eventSessionCreated, eventSessionUpdated:
			r.mu.Lock()
			if ev.Session.ID != "" {
				r.sessionID = ev.Session.ID
			}
			r.mu.Unlock()
			r.setupOnce.Do(func() { close(r.setupDone) })
			r.emit(Event{Kind: KindSetupComplete})

		case eventResponseAudioDelta:
			audio, err := base64.StdEncoding.DecodeString(ev.Delta)
			if err != nil {
				r.log.Debug("undecodable audio delta", "error", err)
				continue
			}
			r.emit(Event{Kind: KindAudioResponse, Audio: audio})

		case eventResponseAudioDone:
			r.emit(Event{Kind: KindAudioResponseDone})

		case eventResponseDone:
			// Full-response completion; audio already ended.
			r.log.Debug("response complete")

		case eventSpeechStarted:
			r.emit(Event{Kind: KindInterrupted})

		case eventResponseScriptDelta:
			r.emit(Event{Kind: KindTranscript, Text: ev.Delta})

		case eventError:
			r.emit(Event{Kind: KindError, Err: &ServiceError{
				Type:    ev.Error.Type,
				Code:    ev.Error.Code,
				Message: ev.Error.Message,
			}})

		default:
			r.log.Debug("ignoring event", "type", ev.Type)
		}
	}
}

// emit delivers one event without blocking forever on a stalled
// consumer; delivery gives up after a second so the read loop cannot
// wedge the connection.
func (r *Realtime) emit(ev Event) {
	select {
	case r.events <- ev:
	case <-r.closeCh:
	case <-time.After(time.Second):
		r.log.Warn("dropping event, consumer stalled", "kind", ev.Kind)
	}
}
