// Package bridge wires the telephony control plane, the media plane
// and the voice AI service into live calls. The Orchestrator owns one
// worker per channel so events for a call are applied in arrival order
// while separate calls proceed concurrently.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voicewire/voicewire/pkg/ari"
	"github.com/voicewire/voicewire/pkg/audio/pcm"
	"github.com/voicewire/voicewire/pkg/audio/pipeline"
	"github.com/voicewire/voicewire/pkg/media"
	"github.com/voicewire/voicewire/pkg/session"
	"github.com/voicewire/voicewire/pkg/voiceai"
)

const (
	// DefaultMaxCallDuration is the hard cap on a single call.
	DefaultMaxCallDuration = time.Hour

	mailboxSize = 32
)

// Transport kinds selectable per deployment. Exactly one is bound per
// call.
const (
	TransportRTP           = "rtp"
	TransportExternalMedia = "extmedia"
)

// Telephony is the slice of the control-plane client the orchestrator
// drives.
type Telephony interface {
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID, reason string) error
	Play(ctx context.Context, channelID, mediaURI string) (string, error)
	StartExternalMedia(ctx context.Context, channelID string, p ari.ExternalMediaParams) (string, error)
}

// TransportFactory builds the media transport for one channel.
type TransportFactory func(channelID string) (media.Transport, error)

// ConnFactory builds a fresh AI connection for one call.
type ConnFactory func() voiceai.Conn

// Config holds orchestrator behavior settings.
type Config struct {
	// TransportKind selects TransportRTP or TransportExternalMedia.
	TransportKind string `json:"transport" yaml:"transport"`
	// AutoAnswer answers incoming channels immediately.
	AutoAnswer bool `json:"auto_answer" yaml:"auto_answer"`
	// ExternalMediaHost is the host:port the telephony side should
	// stream media to.
	ExternalMediaHost string `json:"external_media_host" yaml:"external_media_host"`
	// GreetingURI, when set, is played right after answer.
	GreetingURI string `json:"greeting_uri" yaml:"greeting_uri"`
	// MaxCallDuration hangs up calls that run too long. Zero means
	// DefaultMaxCallDuration.
	MaxCallDuration time.Duration `json:"max_call_duration" yaml:"max_call_duration"`
	// SilenceThreshold is the RMS level below which inbound chunks are
	// not forwarded to the AI. Zero uses the pipeline default.
	SilenceThreshold float64 `json:"silence_threshold" yaml:"silence_threshold"`
	// Instructions and Voice are passed through to the AI service.
	Instructions string `json:"instructions" yaml:"instructions"`
	Voice        string `json:"voice" yaml:"voice"`
}

func (c *Config) maxCallDuration() time.Duration {
	if c.MaxCallDuration > 0 {
		return c.MaxCallDuration
	}
	return DefaultMaxCallDuration
}

func (c *Config) silenceThreshold() float64 {
	if c.SilenceThreshold > 0 {
		return c.SilenceThreshold
	}
	return pipeline.DefaultSilenceThreshold
}

// Orchestrator routes control-plane events to per-call workers and runs
// the audio loop between transport and AI for each call.
type Orchestrator struct {
	cfg      Config
	tel      Telephony
	registry *session.Registry
	newConn  ConnFactory
	newMedia TransportFactory
	pipe     *pipeline.Pipeline
	log      *slog.Logger

	mu      sync.Mutex
	calls   map[string]*call
	started time.Time

	wg sync.WaitGroup
}

// New builds an orchestrator. All collaborators are required except the
// logger, which defaults to slog.Default.
func New(cfg Config, tel Telephony, registry *session.Registry, newConn ConnFactory, newMedia TransportFactory, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.TransportKind == "" {
		cfg.TransportKind = TransportExternalMedia
	}
	return &Orchestrator{
		cfg:      cfg,
		tel:      tel,
		registry: registry,
		newConn:  newConn,
		newMedia: newMedia,
		pipe:     pipeline.New(),
		log:      log,
		calls:    make(map[string]*call),
		started:  time.Now(),
	}
}

// call is the per-channel worker state. The run goroutine owns all
// fields not guarded by mu.
type call struct {
	channelID string
	sessionID string

	mailbox chan *ari.Event
	ctx     context.Context
	cancel  context.CancelFunc

	ai        voiceai.Conn
	transport media.Transport
	resampler *pipeline.StreamResampler

	mu              sync.Mutex
	responseAsked   time.Time
	responseBytes   int64
	teardownStarted bool
}

// HandleEvent routes one control-plane event. StasisStart spawns a new
// worker; everything else is delivered to the owning worker's mailbox.
// Events for channels with no worker are ignored.
func (o *Orchestrator) HandleEvent(ev *ari.Event) {
	channelID := ev.ChannelID()
	if channelID == "" {
		o.log.Debug("event without channel", "type", ev.RawType)
		return
	}

	if ev.Type == ari.EventStasisStart {
		o.startCall(ev)
		return
	}

	o.mu.Lock()
	c := o.calls[channelID]
	o.mu.Unlock()
	if c == nil {
		o.log.Debug("event for unknown channel", "type", ev.RawType, "channel", channelID)
		return
	}

	select {
	case c.mailbox <- ev:
	case <-c.ctx.Done():
	}
}

// Run consumes the stream until it closes or ctx ends, then tears down
// every live call.
func (o *Orchestrator) Run(ctx context.Context, events <-chan *ari.Event) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				o.Shutdown()
				return nil
			}
			o.HandleEvent(ev)
		case <-ctx.Done():
			o.Shutdown()
			return ctx.Err()
		}
	}
}

// Shutdown ends every live call and waits for the workers to exit.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	calls := make([]*call, 0, len(o.calls))
	for _, c := range o.calls {
		calls = append(calls, c)
	}
	o.mu.Unlock()

	for _, c := range calls {
		c.cancel()
	}
	o.wg.Wait()
}

// ActiveCalls returns the channel ids with live workers.
func (o *Orchestrator) ActiveCalls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.calls))
	for id := range o.calls {
		ids = append(ids, id)
	}
	return ids
}

func (o *Orchestrator) startCall(ev *ari.Event) {
	channelID := ev.ChannelID()

	o.mu.Lock()
	if _, exists := o.calls[channelID]; exists {
		o.mu.Unlock()
		o.log.Warn("duplicate call start ignored", "channel", channelID)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &call{
		channelID: channelID,
		mailbox:   make(chan *ari.Event, mailboxSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	o.calls[channelID] = c
	o.mu.Unlock()

	o.wg.Add(1)
	go o.runCall(c, ev)
}

// runCall is the per-channel worker: set up the call, then apply events
// in arrival order until teardown.
func (o *Orchestrator) runCall(c *call, start *ari.Event) {
	defer o.wg.Done()
	defer o.finishCall(c)

	log := o.log.With("channel", c.channelID)
	log.Info("call starting", "caller", start.CallerNumber(), "called", start.CalledNumber())

	if err := o.setupCall(c, start); err != nil {
		log.Error("call setup failed", "error", err)
		if c.sessionID != "" {
			o.registry.RecordError(c.sessionID, err.Error())
		}
		o.hangup(c, "congestion")
		return
	}

	maxTimer := time.NewTimer(o.cfg.maxCallDuration())
	defer maxTimer.Stop()

	for {
		select {
		case ev := <-c.mailbox:
			if done := o.applyEvent(c, ev, log); done {
				return
			}
		case <-maxTimer.C:
			log.Warn("max call duration reached, hanging up")
			o.hangup(c, "normal")
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// setupCall brings up session, AI connection and media transport.
func (o *Orchestrator) setupCall(c *call, start *ari.Event) error {
	sessionID, err := o.registry.Create(
		c.channelID,
		start.CallerNumber(),
		start.CalledNumber(),
		session.DirectionInbound,
		session.Config{AudioFormat: "slin16", SampleRate: 16000},
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	c.sessionID = sessionID

	if o.cfg.AutoAnswer {
		if err := o.tel.Answer(c.ctx, c.channelID); err != nil {
			return fmt.Errorf("answer: %w", err)
		}
	}
	o.registry.UpdateState(sessionID, session.StateActive)

	resampler, err := pipeline.NewStreamResampler(pcm.L16Mono24K, pcm.L16Mono16K)
	if err != nil {
		return fmt.Errorf("resampler: %w", err)
	}
	c.mu.Lock()
	c.resampler = resampler
	c.mu.Unlock()

	ai := o.newConn()
	if err := ai.Connect(c.ctx); err != nil {
		return fmt.Errorf("ai connect: %w", err)
	}
	c.mu.Lock()
	c.ai = ai
	c.mu.Unlock()
	if _, err := ai.StartConversation(c.ctx, voiceai.ConversationParams{
		Instructions:     o.cfg.Instructions,
		Voice:            o.cfg.Voice,
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
	}); err != nil {
		return fmt.Errorf("start conversation: %w", err)
	}

	transport, err := o.newMedia(c.channelID)
	if err != nil {
		return fmt.Errorf("media transport: %w", err)
	}
	transport.OnReceive(func(audio []byte) { o.onCallerAudio(c, audio) })
	if err := transport.Start(c.ctx); err != nil {
		return fmt.Errorf("media start: %w", err)
	}
	c.mu.Lock()
	c.transport = transport
	c.mu.Unlock()

	if o.cfg.ExternalMediaHost != "" {
		if _, err := o.tel.StartExternalMedia(c.ctx, c.channelID, ari.ExternalMediaParams{
			ExternalHost: o.cfg.ExternalMediaHost,
			Format:       "slin16",
		}); err != nil {
			return fmt.Errorf("external media: %w", err)
		}
	}

	if o.cfg.GreetingURI != "" {
		if _, err := o.tel.Play(c.ctx, c.channelID, o.cfg.GreetingURI); err != nil {
			o.log.Warn("greeting failed", "channel", c.channelID, "error", err)
		}
	}

	o.wg.Add(1)
	go o.aiLoop(c)

	o.registry.UpdateState(c.sessionID, session.StateWaitingForInput)
	return nil
}

// applyEvent handles one mailbox event. It reports true when the call
// is over.
func (o *Orchestrator) applyEvent(c *call, ev *ari.Event, log *slog.Logger) bool {
	switch ev.Type {
	case ari.EventStasisEnd:
		log.Info("channel left application")
		o.teardown(c)
		return true

	case ari.EventChannelHangupRequest:
		log.Info("hangup requested", "cause", ev.Cause)
		o.teardown(c)
		return true

	case ari.EventChannelTalkingStarted:
		o.registry.UpdateAudioFlags(c.sessionID, session.AudioFlags{UserSpeaking: boolPtr(true)})
		o.registry.UpdateState(c.sessionID, session.StateProcessingAudio)

	case ari.EventChannelTalkingFinished:
		o.registry.UpdateAudioFlags(c.sessionID, session.AudioFlags{
			UserSpeaking: boolPtr(false),
			Processing:   boolPtr(true),
		})
		if err := c.ai.CommitAudioBuffer(); err != nil {
			log.Warn("commit failed", "error", err)
		}
		if err := c.ai.CreateResponse(); err != nil {
			log.Warn("response request failed", "error", err)
		}
		c.mu.Lock()
		c.responseAsked = time.Now()
		c.mu.Unlock()
		o.registry.UpdateState(c.sessionID, session.StateGeneratingResponse)

	case ari.EventChannelDtmfReceived:
		log.Info("dtmf received", "digit", ev.Digit)
		o.registry.AddTurn(c.sessionID, session.SpeakerUser, "dtmf", ev.Digit, 0, 1)

	case ari.EventChannelStateChange:
		if ev.Channel != nil {
			log.Debug("channel state", "state", ev.Channel.State)
			o.registry.UpdateChannelState(c.sessionID, ev.Channel.State)
		}

	case ari.EventRecordingFinished:
		if ev.Recording != nil {
			log.Info("recording finished", "name", ev.Recording.Name)
		}

	case ari.EventPlaybackFinished:
		if ev.Playback != nil {
			log.Debug("playback finished", "playback", ev.Playback.ID)
		}

	default:
		log.Debug("ignoring event", "type", ev.RawType)
	}
	return false
}

// onCallerAudio forwards inbound PCM to the AI, skipping silent chunks.
func (o *Orchestrator) onCallerAudio(c *call, audio []byte) {
	samples := pcm.Decode(audio)
	if o.pipe.QuickSilenceCheck(samples, o.cfg.silenceThreshold()) {
		return
	}
	if err := c.ai.SendAudioChunk(audio); err != nil {
		o.log.Debug("audio forward failed", "channel", c.channelID, "error", err)
	}
}

// aiLoop consumes AI events and drives playback toward the caller.
func (o *Orchestrator) aiLoop(c *call) {
	defer o.wg.Done()
	log := o.log.With("channel", c.channelID)

	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-c.ai.Events():
			if !ok {
				// Connection gone; end the call unless teardown is
				// already in progress.
				c.mu.Lock()
				tearing := c.teardownStarted
				c.mu.Unlock()
				if !tearing {
					log.Warn("ai connection lost, ending call")
					o.hangup(c, "normal")
					c.cancel()
				}
				return
			}
			o.applyAIEvent(c, ev, log)
		}
	}
}

func (o *Orchestrator) applyAIEvent(c *call, ev voiceai.Event, log *slog.Logger) {
	switch ev.Kind {
	case voiceai.KindSetupComplete:
		log.Debug("ai session ready")

	case voiceai.KindAudioResponse:
		c.mu.Lock()
		if !c.responseAsked.IsZero() {
			o.registry.RecordResponseTime(c.sessionID, time.Since(c.responseAsked))
			c.responseAsked = time.Time{}
		}
		first := c.responseBytes == 0
		c.mu.Unlock()

		if first {
			o.registry.UpdateAudioFlags(c.sessionID, session.AudioFlags{
				AssistantSpeaking: boolPtr(true),
				Processing:        boolPtr(false),
			})
			o.registry.UpdateState(c.sessionID, session.StatePlayingResponse)
		}

		out, err := c.resampler.Convert(ev.Audio)
		if err != nil {
			log.Warn("resample failed", "error", err)
			return
		}
		c.mu.Lock()
		c.responseBytes += int64(len(out))
		c.mu.Unlock()
		if len(out) > 0 && !c.transport.Send(out) {
			log.Debug("transport rejected audio")
		}

	case voiceai.KindAudioResponseDone:
		c.mu.Lock()
		bytes := c.responseBytes
		c.responseBytes = 0
		c.mu.Unlock()

		dur := pcm.L16Mono16K.Duration(bytes)
		o.registry.AddTurn(c.sessionID, session.SpeakerAssistant, "audio", "", dur, 1)
		o.registry.UpdateAudioFlags(c.sessionID, session.AudioFlags{AssistantSpeaking: boolPtr(false)})
		o.registry.UpdateState(c.sessionID, session.StateWaitingForInput)

	case voiceai.KindInterrupted:
		dropped := c.transport.Flush()
		if err := c.ai.CancelResponse(); err != nil {
			log.Debug("cancel failed", "error", err)
		}
		o.registry.RecordInterruption(c.sessionID)
		o.registry.UpdateAudioFlags(c.sessionID, session.AudioFlags{AssistantSpeaking: boolPtr(false)})
		c.mu.Lock()
		c.responseBytes = 0
		c.mu.Unlock()
		log.Info("barge-in, queued audio flushed", "dropped_bytes", dropped)

	case voiceai.KindTranscript:
		if ev.Text != "" {
			log.Debug("transcript delta", "text", ev.Text)
		}

	case voiceai.KindError:
		// A fatal service error leaves the caller with nothing to talk
		// to; release the line instead of letting it hang.
		msg := "ai error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		log.Error("ai error, ending call", "error", msg)
		o.registry.RecordError(c.sessionID, msg)
		o.registry.UpdateState(c.sessionID, session.StateError)
		o.hangup(c, "normal")
	}
}

// hangup asks the control plane to drop the channel, then tears down.
func (o *Orchestrator) hangup(c *call, reason string) {
	if err := o.tel.Hangup(context.Background(), c.channelID, reason); err != nil {
		o.log.Debug("hangup failed", "channel", c.channelID, "error", err)
	}
	o.teardown(c)
}

// teardown releases everything the call holds. Every step is attempted
// even when earlier steps fail.
func (o *Orchestrator) teardown(c *call) {
	c.mu.Lock()
	if c.teardownStarted {
		c.mu.Unlock()
		return
	}
	c.teardownStarted = true
	transport, ai, resampler := c.transport, c.ai, c.resampler
	c.mu.Unlock()

	log := o.log.With("channel", c.channelID)

	if c.sessionID != "" {
		o.registry.UpdateState(c.sessionID, session.StateEnding)
	}
	if transport != nil {
		if err := transport.Stop(); err != nil {
			log.Debug("transport stop failed", "error", err)
		}
	}
	if ai != nil {
		if err := ai.Disconnect(); err != nil {
			log.Debug("ai disconnect failed", "error", err)
		}
	}
	if resampler != nil {
		resampler.Close()
	}
	if c.sessionID != "" {
		o.registry.End(c.sessionID)
	}

	log.Info("call ended")
	c.cancel()
}

// finishCall removes the worker from the routing table.
func (o *Orchestrator) finishCall(c *call) {
	o.teardown(c)
	o.mu.Lock()
	delete(o.calls, c.channelID)
	o.mu.Unlock()
}

// ChannelDown ends the call for a channel whose media connection
// dropped. Wired to the external media server's disconnect hook.
func (o *Orchestrator) ChannelDown(channelID string) {
	o.mu.Lock()
	c := o.calls[channelID]
	o.mu.Unlock()
	if c == nil {
		return
	}
	o.log.Info("media connection lost, ending call", "channel", channelID)
	o.hangup(c, "normal")
	c.cancel()
}

// transportStats reads the call's transport counters, if the transport
// is already bound.
func (c *call) transportStats() (media.Stats, bool) {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return media.Stats{}, false
	}
	return t.Stats(), true
}

func boolPtr(b bool) *bool { return &b }
