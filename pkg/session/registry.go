package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultRetention is how long ended sessions stay exportable
	// before the sweeper removes them.
	DefaultRetention = time.Hour

	// DefaultSweepInterval is how often the sweeper runs.
	DefaultSweepInterval = 5 * time.Minute
)

// EventKind tags a registry lifecycle event.
type EventKind int

const (
	EventSessionCreated EventKind = iota
	EventStateChanged
	EventTurnAdded
	EventSessionEnded
	EventErrorRecorded
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventSessionCreated:
		return "session_created"
	case EventStateChanged:
		return "state_changed"
	case EventTurnAdded:
		return "turn_added"
	case EventSessionEnded:
		return "session_ended"
	case EventErrorRecorded:
		return "error_recorded"
	default:
		return "unknown"
	}
}

// Event is a registry lifecycle notification.
type Event struct {
	Kind      EventKind
	SessionID string
	ChannelID string
	OldState  State
	NewState  State
	Turn      *Turn
	Snapshot  Snapshot
	Err       string
}

// Listener receives registry events. Listeners run synchronously in
// registration order; a panicking listener is logged and skipped.
type Listener func(Event)

// Stats is an aggregate snapshot across all retained sessions.
type Stats struct {
	TotalSessions   int            `json:"total_sessions"`
	ActiveSessions  int            `json:"active_sessions"`
	TotalTurns      int            `json:"total_turns"`
	TotalErrors     int            `json:"total_errors"`
	TotalDuration   time.Duration  `json:"total_duration"`
	SessionsByState map[string]int `json:"sessions_by_state"`
}

// Registry owns every session in the process and enforces the
// one-session-per-channel invariant. All mutations are serialized;
// reads return copies and never block mutating callers for long.
type Registry struct {
	retention     time.Duration
	sweepInterval time.Duration
	log           *slog.Logger

	mu        sync.RWMutex
	sessions  map[string]*session
	byChannel map[string]string
	listeners map[EventKind][]Listener

	sweepStop chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
}

// Option configures a Registry.
type Option func(*Registry)

// WithRetention overrides how long ended sessions are retained.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) { r.retention = d }
}

// WithSweepInterval overrides the sweeper period.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

// WithLogger overrides the registry logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		retention:     DefaultRetention,
		sweepInterval: DefaultSweepInterval,
		log:           slog.Default(),
		sessions:      make(map[string]*session),
		byChannel:     make(map[string]string),
		listeners:     make(map[EventKind][]Listener),
		sweepStop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers a listener for one event kind. Listeners are
// dispatched in registration order.
func (r *Registry) Subscribe(kind EventKind, fn Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[kind] = append(r.listeners[kind], fn)
}

// Create creates a session for a channel. It fails if the channel
// already has one.
func (r *Registry) Create(channelID, caller, called string, dir Direction, cfg Config) (string, error) {
	r.mu.Lock()
	if _, ok := r.byChannel[channelID]; ok {
		r.mu.Unlock()
		return "", fmt.Errorf("session: channel %s already has a session", channelID)
	}

	now := time.Now()
	s := &session{
		id:    uuid.NewString(),
		state: StateInitializing,
		call: CallInfo{
			ChannelID:    channelID,
			CallerNumber: caller,
			CalledNumber: called,
			Direction:    dir,
			StartTime:    now,
		},
		config:    cfg,
		createdAt: now,
		updatedAt: now,
	}
	r.sessions[s.id] = s
	r.byChannel[channelID] = s.id
	snap := s.snapshot()
	r.mu.Unlock()

	r.log.Info("session created", "session", s.id, "channel", channelID, "caller", caller)
	r.dispatch(Event{
		Kind:      EventSessionCreated,
		SessionID: s.id,
		ChannelID: channelID,
		Snapshot:  snap,
	})
	return s.id, nil
}

// Get returns a snapshot of the session with the given id.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// GetByChannel returns a snapshot of the session bound to a channel.
func (r *Registry) GetByChannel(channelID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byChannel[channelID]
	if !ok {
		return Snapshot{}, false
	}
	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// UpdateState moves a session to a new state, enforcing the
// forward-only machine. Unknown ids and illegal transitions return
// false.
func (r *Registry) UpdateState(id string, next State) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	old := s.state
	if !canTransition(old, next) {
		r.mu.Unlock()
		r.log.Debug("rejected state transition", "session", id, "from", old, "to", next)
		return false
	}
	s.state = next
	s.updatedAt = time.Now()
	snap := s.snapshot()
	r.mu.Unlock()

	r.log.Debug("session state changed", "session", id, "from", old, "to", next)
	r.dispatch(Event{
		Kind:      EventStateChanged,
		SessionID: id,
		ChannelID: snap.Call.ChannelID,
		OldState:  old,
		NewState:  next,
		Snapshot:  snap,
	})
	return true
}

// AddTurn appends an immutable conversation turn and updates the
// per-speaker and aggregate counters.
func (r *Registry) AddTurn(id string, speaker Speaker, contentType, payload string, duration time.Duration, confidence float64) (string, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return "", false
	}

	turn := Turn{
		ID:          uuid.NewString(),
		Timestamp:   time.Now(),
		Speaker:     speaker,
		ContentType: contentType,
		Payload:     payload,
		Duration:    duration,
		Confidence:  confidence,
	}
	s.turns = append(s.turns, turn)
	s.metrics.TotalTurns++
	switch speaker {
	case SpeakerUser:
		s.metrics.UserTurns++
	case SpeakerAssistant:
		s.metrics.AssistantTurns++
	}
	s.metrics.TotalAudioDuration += duration
	s.updatedAt = turn.Timestamp
	snap := s.snapshot()
	r.mu.Unlock()

	r.dispatch(Event{
		Kind:      EventTurnAdded,
		SessionID: id,
		ChannelID: snap.Call.ChannelID,
		Turn:      &turn,
		Snapshot:  snap,
	})
	return turn.ID, true
}

// AudioFlags carries optional updates to a session's audio state.
// Nil fields are left untouched.
type AudioFlags struct {
	UserSpeaking      *bool
	AssistantSpeaking *bool
	Processing        *bool
	BufferSize        *int
}

// UpdateAudioFlags applies the non-nil flags to the session.
func (r *Registry) UpdateAudioFlags(id string, flags AudioFlags) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	if flags.UserSpeaking != nil {
		s.userSpeaking = *flags.UserSpeaking
	}
	if flags.AssistantSpeaking != nil {
		s.assistantSpeaking = *flags.AssistantSpeaking
	}
	if flags.Processing != nil {
		s.processing = *flags.Processing
	}
	if flags.BufferSize != nil {
		s.audioBufferSize = *flags.BufferSize
	}
	s.updatedAt = time.Now()
	return true
}

// UpdateChannelState records the control plane's last reported channel
// state on the call record.
func (r *Registry) UpdateChannelState(id string, state string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.call.ChannelState = state
	s.updatedAt = time.Now()
	return true
}

// RecordInterruption bumps the interruption counter.
func (r *Registry) RecordInterruption(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.metrics.Interruptions++
	s.updatedAt = time.Now()
	return true
}

// RecordResponseTime folds one AI response latency into the running
// mean.
func (r *Registry) RecordResponseTime(id string, d time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.metrics.recordResponseTime(d)
	s.updatedAt = time.Now()
	return true
}

// RecordError bumps the error counter and notifies listeners.
func (r *Registry) RecordError(id string, msg string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	s.metrics.Errors++
	s.updatedAt = time.Now()
	snap := s.snapshot()
	r.mu.Unlock()

	r.dispatch(Event{
		Kind:      EventErrorRecorded,
		SessionID: id,
		ChannelID: snap.Call.ChannelID,
		Err:       msg,
		Snapshot:  snap,
	})
	return true
}

// End finalizes a session: state Ended, call duration fixed, channel
// lookup released. The session stays exportable until the retention
// sweep removes it. Ending an already-ended session returns false.
func (r *Registry) End(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.state == StateEnded {
		r.mu.Unlock()
		return false
	}

	now := time.Now()
	s.state = StateEnded
	s.call.EndTime = &now
	s.updatedAt = now
	delete(r.byChannel, s.call.ChannelID)
	snap := s.snapshot()
	r.mu.Unlock()

	r.log.Info("session ended", "session", id, "channel", snap.Call.ChannelID,
		"duration", snap.Call.Duration(), "turns", snap.Metrics.TotalTurns)
	r.dispatch(Event{
		Kind:      EventSessionEnded,
		SessionID: id,
		ChannelID: snap.Call.ChannelID,
		NewState:  StateEnded,
		Snapshot:  snap,
	})
	return true
}

// Turns returns a copy of a session's turn history.
func (r *Registry) Turns(id string) ([]Turn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	turns := make([]Turn, len(s.turns))
	copy(turns, s.turns)
	return turns, true
}

// Export returns the full session record for offline inspection.
func (r *Registry) Export(id string) (*Export, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.RUnlock()
		return nil, false
	}
	turns := make([]Turn, len(s.turns))
	copy(turns, s.turns)
	snap := s.snapshot()
	r.mu.RUnlock()

	return &Export{Session: snap, Turns: turns, ExportedAt: time.Now()}, true
}

// ActiveSessions returns the ids of sessions in an in-call state.
func (r *Registry) ActiveSessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, s := range r.sessions {
		if s.state.Active() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Stats returns an aggregate snapshot across all retained sessions.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{SessionsByState: make(map[string]int)}
	st.TotalSessions = len(r.sessions)
	for _, s := range r.sessions {
		st.SessionsByState[s.state.String()]++
		if s.state.Active() {
			st.ActiveSessions++
		}
		st.TotalTurns += s.metrics.TotalTurns
		st.TotalErrors += s.metrics.Errors
		st.TotalDuration += s.call.Duration()
	}
	return st
}

// Start launches the background retention sweeper. Call Stop to halt
// it. Start is idempotent.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		go r.sweepLoop()
	})
}

// Stop halts the retention sweeper. Stop is idempotent.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.sweepStop)
	})
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.sweepStop:
			return
		case <-ticker.C:
			if n := r.sweep(time.Now()); n > 0 {
				r.log.Info("swept ended sessions", "count", n)
			}
		}
	}
}

// sweep removes ended sessions past the retention window and returns
// how many were removed.
func (r *Registry) sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int
	for id, s := range r.sessions {
		if s.state == StateEnded && now.Sub(s.updatedAt) > r.retention {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// dispatch delivers an event to listeners in registration order. A
// panicking listener is logged, never propagated.
func (r *Registry) dispatch(ev Event) {
	r.mu.RLock()
	listeners := r.listeners[ev.Kind]
	r.mu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error("session listener panic", "kind", ev.Kind, "panic", p)
				}
			}()
			fn(ev)
		}()
	}
}
