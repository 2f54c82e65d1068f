// Package voiceai connects calls to a realtime voice AI service over
// WebSocket. The wire protocol is event-based JSON with base64 PCM
// audio; this package maps it onto a small typed event surface the
// bridge can consume without knowing the wire details.
package voiceai

import (
	"context"
	"fmt"
	"time"
)

// EventKind classifies an AI-side event.
type EventKind int

const (
	// KindSetupComplete fires once the service has accepted the
	// conversation configuration and is ready for audio.
	KindSetupComplete EventKind = iota
	// KindAudioResponse carries one chunk of synthesized speech.
	KindAudioResponse
	// KindAudioResponseDone marks the end of a response's audio.
	KindAudioResponseDone
	// KindInterrupted means the service detected the caller speaking
	// over the assistant; queued playback should be flushed.
	KindInterrupted
	// KindTranscript carries incremental response transcript text.
	KindTranscript
	// KindError carries a service-reported or transport error.
	KindError
)

func (k EventKind) String() string {
	switch k {
	case KindSetupComplete:
		return "setup_complete"
	case KindAudioResponse:
		return "audio_response"
	case KindAudioResponseDone:
		return "audio_response_done"
	case KindInterrupted:
		return "interrupted"
	case KindTranscript:
		return "transcript"
	case KindError:
		return "error"
	}
	return "unknown"
}

// Event is one decoded AI-side event. Audio is set for
// KindAudioResponse, Text for KindTranscript, Err for KindError.
type Event struct {
	Kind  EventKind
	Audio []byte
	Text  string
	Err   error
}

// ConversationParams configures one conversation.
type ConversationParams struct {
	// Instructions is the system prompt for the assistant.
	Instructions string
	// Voice selects the synthesis voice. Empty uses the service default.
	Voice string
	// InputSampleRate and OutputSampleRate are PCM rates in Hz.
	// Zero values default to 16000 in and 24000 out.
	InputSampleRate  int
	OutputSampleRate int
}

// Conn is a live connection to the voice AI service. Implementations
// must be safe for one sender goroutine plus one Events consumer.
type Conn interface {
	// Connect dials the service. It must be called before any other
	// method.
	Connect(ctx context.Context) error

	// StartConversation configures the session and returns the
	// conversation id assigned by the service.
	StartConversation(ctx context.Context, params ConversationParams) (string, error)

	// SendAudioChunk streams one chunk of caller PCM audio.
	SendAudioChunk(audio []byte) error

	// CommitAudioBuffer marks the end of a caller utterance.
	CommitAudioBuffer() error

	// ClearAudioBuffer discards buffered caller audio.
	ClearAudioBuffer() error

	// CreateResponse asks the service to respond to committed audio.
	CreateResponse() error

	// CancelResponse aborts the in-flight response, if any.
	CancelResponse() error

	// Events returns the channel decoded events arrive on. It is
	// closed when the connection ends.
	Events() <-chan Event

	// Disconnect closes the connection. Safe to call more than once.
	Disconnect() error
}

// ErrNotConnected is returned by operations issued before Connect or
// after Disconnect.
var ErrNotConnected = fmt.Errorf("voiceai: not connected")

// Config holds service connection settings.
type Config struct {
	// URL is the realtime WebSocket endpoint.
	URL string `json:"url" yaml:"url"`
	// APIKey authenticates the connection.
	APIKey string `json:"api_key" yaml:"api_key"`
	// Model selects the realtime model.
	Model string `json:"model" yaml:"model"`
	// Instructions is the default system prompt.
	Instructions string `json:"instructions" yaml:"instructions"`
	// Voice is the default synthesis voice.
	Voice string `json:"voice" yaml:"voice"`
	// HandshakeTimeout bounds the dial. Zero means 15s.
	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
}

func (c *Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return 15 * time.Second
}
