// Package session tracks the in-process conversational state of live
// calls: one Session per telephony channel, with turn history, running
// metrics and a forward-only lifecycle state machine. The Registry owns
// all sessions and is the only structure shared across call contexts.
package session

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a Session. States move forward only;
// Error is reachable from any non-terminal state and nothing leaves
// Ended.
type State int

const (
	StateUnknown State = iota
	StateInitializing
	StateActive
	StateWaitingForInput
	StateProcessingAudio
	StateGeneratingResponse
	StatePlayingResponse
	StateEnding
	StateEnded
	StateError
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateWaitingForInput:
		return "waiting_for_input"
	case StateProcessingAudio:
		return "processing_audio"
	case StateGeneratingResponse:
		return "generating_response"
	case StatePlayingResponse:
		return "playing_response"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// rank orders states for the forward-only rule. The four mid-call
// states share a rank and may interleave freely.
func (s State) rank() int {
	switch s {
	case StateInitializing:
		return 0
	case StateActive:
		return 1
	case StateWaitingForInput, StateProcessingAudio, StateGeneratingResponse, StatePlayingResponse:
		return 2
	case StateEnding:
		return 3
	case StateEnded:
		return 4
	case StateError:
		return 4
	default:
		return -1
	}
}

// Active reports whether the state is one of the in-call states.
func (s State) Active() bool {
	switch s {
	case StateActive, StateWaitingForInput, StateProcessingAudio,
		StateGeneratingResponse, StatePlayingResponse:
		return true
	}
	return false
}

// canTransition reports whether a session may move from one state to
// another.
func canTransition(from, to State) bool {
	if from == StateEnded {
		return false
	}
	if to == StateError {
		return true
	}
	if from == StateError {
		// An errored session can still be torn down.
		return to == StateEnding || to == StateEnded
	}
	return to.rank() >= from.rank()
}

// Direction is the direction of a call.
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

// String returns the string representation of the direction.
func (d Direction) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

// MarshalJSON implements json.Marshaler.
func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// CallInfo describes the telephony side of a session. ChannelState
// mirrors the control plane's channel state (Ring, Up, ...) as last
// reported; it is informational and independent of the session
// lifecycle.
type CallInfo struct {
	ChannelID    string     `json:"channel_id"`
	CallerNumber string     `json:"caller_number"`
	CalledNumber string     `json:"called_number"`
	ChannelState string     `json:"channel_state,omitempty"`
	Direction    Direction  `json:"direction"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
}

// Duration returns the call duration, measured to EndTime if the call
// has ended and to now otherwise.
func (c CallInfo) Duration() time.Duration {
	end := time.Now()
	if c.EndTime != nil {
		end = *c.EndTime
	}
	return end.Sub(c.StartTime)
}

// Speaker identifies who produced a conversation turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Turn is a single immutable conversation turn.
type Turn struct {
	ID          string        `json:"turn_id"`
	Timestamp   time.Time     `json:"timestamp"`
	Speaker     Speaker       `json:"speaker"`
	ContentType string        `json:"content_type"`
	Payload     string        `json:"payload,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Confidence  float64       `json:"confidence,omitempty"`
}

// Metrics holds running per-session counters.
type Metrics struct {
	TotalTurns          int           `json:"total_turns"`
	UserTurns           int           `json:"user_turns"`
	AssistantTurns      int           `json:"assistant_turns"`
	TotalAudioDuration  time.Duration `json:"total_audio_duration"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	ResponseSamples     int           `json:"response_samples"`
	Interruptions       int           `json:"interruptions"`
	Errors              int           `json:"errors"`
}

// recordResponseTime folds one response time into the running mean.
func (m *Metrics) recordResponseTime(d time.Duration) {
	total := m.AverageResponseTime*time.Duration(m.ResponseSamples) + d
	m.ResponseSamples++
	m.AverageResponseTime = total / time.Duration(m.ResponseSamples)
}

// Config carries per-session audio parameters.
type Config struct {
	AudioFormat string `json:"audio_format"`
	SampleRate  int    `json:"sample_rate"`
}

// session is the registry-internal mutable record. All access is
// serialized by the registry.
type session struct {
	id        string
	state     State
	call      CallInfo
	turns     []Turn
	metrics   Metrics
	config    Config
	createdAt time.Time
	updatedAt time.Time

	userSpeaking      bool
	assistantSpeaking bool
	processing        bool
	audioBufferSize   int
}

// Snapshot is an immutable copy of a session's state, safe to share
// across call contexts.
type Snapshot struct {
	ID                  string    `json:"session_id"`
	State               State     `json:"state"`
	Call                CallInfo  `json:"call_info"`
	Metrics             Metrics   `json:"metrics"`
	Config              Config    `json:"config"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	IsUserSpeaking      bool      `json:"is_user_speaking"`
	IsAssistantSpeaking bool      `json:"is_assistant_speaking"`
	IsProcessing        bool      `json:"is_processing"`
	AudioBufferSize     int       `json:"audio_buffer_size"`
	TurnCount           int       `json:"turn_count"`
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		ID:                  s.id,
		State:               s.state,
		Call:                s.call,
		Metrics:             s.metrics,
		Config:              s.config,
		CreatedAt:           s.createdAt,
		UpdatedAt:           s.updatedAt,
		IsUserSpeaking:      s.userSpeaking,
		IsAssistantSpeaking: s.assistantSpeaking,
		IsProcessing:        s.processing,
		AudioBufferSize:     s.audioBufferSize,
		TurnCount:           len(s.turns),
	}
}

// Export is the full record of a finished (or in-flight) session,
// produced for offline inspection.
type Export struct {
	Session    Snapshot  `json:"session"`
	Turns      []Turn    `json:"turns"`
	ExportedAt time.Time `json:"exported_at"`
}
