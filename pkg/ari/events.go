// Package ari speaks the telephony control plane: a REST client for
// call operations, JSON event types, and a WebSocket event stream that
// delivers channel events to the bridge.
package ari

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags a control-plane event.
type EventType int

const (
	EventUnknown EventType = iota
	EventStasisStart
	EventStasisEnd
	EventChannelStateChange
	EventChannelHangupRequest
	EventChannelTalkingStarted
	EventChannelTalkingFinished
	EventChannelDtmfReceived
	EventRecordingFinished
	EventPlaybackFinished
)

var eventTypeNames = map[string]EventType{
	"StasisStart":            EventStasisStart,
	"StasisEnd":              EventStasisEnd,
	"ChannelStateChange":     EventChannelStateChange,
	"ChannelHangupRequest":   EventChannelHangupRequest,
	"ChannelTalkingStarted":  EventChannelTalkingStarted,
	"ChannelTalkingFinished": EventChannelTalkingFinished,
	"ChannelDtmfReceived":    EventChannelDtmfReceived,
	"RecordingFinished":      EventRecordingFinished,
	"PlaybackFinished":       EventPlaybackFinished,
}

// String returns the wire name of the event type.
func (t EventType) String() string {
	for name, v := range eventTypeNames {
		if v == t {
			return name
		}
	}
	return "Unknown"
}

// Caller is the calling party of a channel.
type Caller struct {
	Number string `json:"number"`
	Name   string `json:"name,omitempty"`
}

// Dialplan is the dialplan position of a channel.
type Dialplan struct {
	Exten    string `json:"exten"`
	Context  string `json:"context,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// Channel describes the channel an event refers to.
type Channel struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	State    string   `json:"state,omitempty"`
	Caller   Caller   `json:"caller"`
	Dialplan Dialplan `json:"dialplan"`
}

// Recording describes a finished recording.
type Recording struct {
	Name   string `json:"name"`
	Format string `json:"format,omitempty"`
}

// Playback describes a finished playback.
type Playback struct {
	ID       string `json:"id"`
	MediaURI string `json:"media_uri,omitempty"`
}

// Event is one decoded control-plane event. Unknown wire types decode
// successfully with Type == EventUnknown so the consumer can skip them.
type Event struct {
	Type        EventType
	RawType     string
	Application string
	Timestamp   time.Time
	Channel     *Channel
	Recording   *Recording
	Playback    *Playback
	Digit       string
	Cause       int
}

// wireEvent mirrors the JSON shape on the wire.
type wireEvent struct {
	Type        string     `json:"type"`
	Application string     `json:"application"`
	Timestamp   string     `json:"timestamp"`
	Channel     *Channel   `json:"channel"`
	Recording   *Recording `json:"recording"`
	Playback    *Playback  `json:"playback"`
	Digit       string     `json:"digit"`
	Cause       int        `json:"cause"`
}

// ParseEvent decodes one JSON event. Malformed JSON is an error; an
// unrecognized type is not.
func ParseEvent(data []byte) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("ari: parse event: %w", err)
	}

	ev := &Event{
		Type:        eventTypeNames[w.Type],
		RawType:     w.Type,
		Application: w.Application,
		Channel:     w.Channel,
		Recording:   w.Recording,
		Playback:    w.Playback,
		Digit:       w.Digit,
		Cause:       w.Cause,
	}
	if w.Timestamp != "" {
		// The control plane writes zone offsets without a colon.
		for _, layout := range []string{"2006-01-02T15:04:05.000-0700", time.RFC3339Nano} {
			if ts, err := time.Parse(layout, w.Timestamp); err == nil {
				ev.Timestamp = ts
				break
			}
		}
	}
	return ev, nil
}

// ChannelID returns the channel id the event refers to, or "".
func (e *Event) ChannelID() string {
	if e.Channel == nil {
		return ""
	}
	return e.Channel.ID
}

// CallerNumber returns the calling party number, or "unknown".
func (e *Event) CallerNumber() string {
	if e.Channel == nil || e.Channel.Caller.Number == "" {
		return "unknown"
	}
	return e.Channel.Caller.Number
}

// CalledNumber returns the dialed extension, or "unknown".
func (e *Event) CalledNumber() string {
	if e.Channel == nil || e.Channel.Dialplan.Exten == "" {
		return "unknown"
	}
	return e.Channel.Dialplan.Exten
}
