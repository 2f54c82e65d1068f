package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/voicewire/voicewire/pkg/audio/pcm"
	"github.com/voicewire/voicewire/pkg/buffer"
)

const (
	// DefaultRTPPayloadType is the dynamic payload type used for raw
	// L16 audio unless configured otherwise.
	DefaultRTPPayloadType = 118

	// rtpMaxPacketSize bounds a received datagram (MTU consideration).
	rtpMaxPacketSize = 1500

	// rtpReadTimeout is the poll interval of the reader task; it only
	// controls how quickly shutdown is observed.
	rtpReadTimeout = 250 * time.Millisecond
)

// RTPConfig configures an RTPTransport.
type RTPConfig struct {
	// PayloadType is the RTP payload type for outbound packets.
	PayloadType uint8

	// Format is the PCM format carried in the payload.
	Format pcm.Format

	// FrameDuration is the outbound packetization interval.
	FrameDuration time.Duration

	// ListenAddr is the local UDP address receiving caller audio.
	ListenAddr string

	// RemoteAddr is the UDP address outbound packets are sent to.
	RemoteAddr string

	// OutputBufferBytes bounds the outbound PCM queue. Oldest audio is
	// overwritten when the bridge outruns the wire.
	OutputBufferBytes int
}

func (c *RTPConfig) withDefaults() {
	if c.PayloadType == 0 {
		c.PayloadType = DefaultRTPPayloadType
	}
	if c.FrameDuration == 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.OutputBufferBytes == 0 {
		// 2 seconds of audio at the configured format.
		c.OutputBufferBytes = int(c.Format.BytesInDuration(2 * time.Second))
	}
}

// RTPTransport moves PCM frames over raw RTP/UDP for one channel. The
// sequence number and timestamp are owned by the single writer task, so
// they increase strictly monotonically per channel.
type RTPTransport struct {
	channelID string
	cfg       RTPConfig
	log       *slog.Logger

	// RTP send state, touched only by the writer task after Start.
	seq  uint16
	ts   uint32
	ssrc uint32

	out       *buffer.Ring[byte]
	onReceive func([]byte)

	mu       sync.Mutex
	listener *net.UDPConn
	sender   *net.UDPConn
	cancel   context.CancelFunc
	started  bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	startedAt       time.Time
	packetsSent     atomic.Int64
	packetsReceived atomic.Int64
	bytesSent       atomic.Int64
	bytesReceived   atomic.Int64
}

// NewRTPTransport creates an RTPTransport for one channel. The SSRC is
// random, not derived from the channel id, to avoid collisions between
// channels with colliding id hashes.
func NewRTPTransport(channelID string, cfg RTPConfig, log *slog.Logger) *RTPTransport {
	cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &RTPTransport{
		channelID: channelID,
		cfg:       cfg,
		log:       log.With("channel", channelID, "transport", "rtp"),
		ssrc:      rand.Uint32(),
		out:       buffer.RingN[byte](cfg.OutputBufferBytes),
	}
}

// OnReceive registers the inbound PCM callback. Must be called before
// Start.
func (t *RTPTransport) OnReceive(fn func(pcm []byte)) {
	t.onReceive = fn
}

// Start binds the sockets and launches the reader and writer tasks.
func (t *RTPTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return errors.New("media: rtp transport already started")
	}

	listenAddr, err := net.ResolveUDPAddr("udp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("media: resolve listen addr %q: %w", t.cfg.ListenAddr, err)
	}
	listener, err := net.ListenUDP("udp", listenAddr)
	if err != nil {
		return fmt.Errorf("media: listen %q: %w", t.cfg.ListenAddr, err)
	}

	remoteAddr, err := net.ResolveUDPAddr("udp", t.cfg.RemoteAddr)
	if err != nil {
		listener.Close()
		return fmt.Errorf("media: resolve remote addr %q: %w", t.cfg.RemoteAddr, err)
	}
	sender, err := net.DialUDP("udp", nil, remoteAddr)
	if err != nil {
		listener.Close()
		return fmt.Errorf("media: dial %q: %w", t.cfg.RemoteAddr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	t.listener = listener
	t.sender = sender
	t.cancel = cancel
	t.started = true
	t.startedAt = time.Now()

	t.wg.Add(2)
	go t.readLoop(ctx)
	go t.writeLoop(ctx)

	t.log.Info("rtp transport started",
		"listen", listener.LocalAddr().String(), "remote", t.cfg.RemoteAddr)
	return nil
}

// Send queues outbound PCM. The writer task packetizes it into frames.
func (t *RTPTransport) Send(pcm []byte) bool {
	if _, err := t.out.Write(pcm); err != nil {
		return false
	}
	return true
}

// Flush drops all queued outbound audio.
func (t *RTPTransport) Flush() int {
	return t.out.DiscardAll()
}

// Stats returns a snapshot of the transport counters.
func (t *RTPTransport) Stats() Stats {
	t.mu.Lock()
	started := t.started
	startedAt := t.startedAt
	t.mu.Unlock()

	var uptime time.Duration
	if started {
		uptime = time.Since(startedAt)
	}
	return Stats{
		ChannelID:       t.channelID,
		Kind:            "rtp",
		Connected:       started,
		PacketsSent:     t.packetsSent.Load(),
		PacketsReceived: t.packetsReceived.Load(),
		BytesSent:       t.bytesSent.Load(),
		BytesReceived:   t.bytesReceived.Load(),
		OutputQueueLen:  t.out.Len(),
		Uptime:          uptime,
	}
}

// Stop cancels the reader/writer tasks and closes both sockets.
// Idempotent.
func (t *RTPTransport) Stop() error {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		if t.cancel != nil {
			t.cancel()
		}
		if t.listener != nil {
			t.listener.Close()
		}
		if t.sender != nil {
			t.sender.Close()
		}
		t.started = false
		t.mu.Unlock()

		t.out.Close()
		t.wg.Wait()
		t.log.Info("rtp transport stopped")
	})
	return nil
}

func (t *RTPTransport) readLoop(ctx context.Context) {
	defer t.wg.Done()
	buf := make([]byte, rtpMaxPacketSize)
	for {
		if ctx.Err() != nil {
			return
		}
		t.listener.SetReadDeadline(time.Now().Add(rtpReadTimeout))
		n, _, err := t.listener.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				t.log.Debug("rtp read ended", "error", err)
			}
			return
		}
		t.handlePacket(buf[:n])
	}
}

// handlePacket parses one datagram. Malformed packets are dropped
// without touching the receive counters.
func (t *RTPTransport) handlePacket(data []byte) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		t.log.Debug("dropped malformed rtp packet", "len", len(data), "error", err)
		return
	}
	if len(pkt.Payload) == 0 {
		return
	}

	t.packetsReceived.Add(1)
	t.bytesReceived.Add(int64(len(data)))

	if t.onReceive != nil {
		t.onReceive(pkt.Payload)
	}
}

func (t *RTPTransport) writeLoop(ctx context.Context) {
	defer t.wg.Done()
	frameBytes := t.cfg.Format.FrameBytes(t.cfg.FrameDuration)
	frame := make([]byte, frameBytes)
	filled := 0
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := t.out.Read(frame[filled:])
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				t.log.Debug("rtp write ended", "error", err)
			}
			return
		}
		filled += n
		if filled < frameBytes {
			continue
		}
		filled = 0
		if err := t.sendFrame(frame); err != nil {
			if ctx.Err() == nil {
				t.log.Debug("rtp send failed", "error", err)
			}
			return
		}
	}
}

// sendFrame builds and sends one RTP packet and advances the per-channel
// sequence/timestamp state. Single writer: only the writer task calls
// this after Start.
func (t *RTPTransport) sendFrame(payload []byte) error {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    t.cfg.PayloadType,
			SequenceNumber: t.seq,
			Timestamp:      t.ts,
			SSRC:           t.ssrc,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("media: marshal rtp packet: %w", err)
	}
	if _, err := t.sender.Write(data); err != nil {
		return fmt.Errorf("media: send rtp packet: %w", err)
	}

	t.seq++
	t.ts += uint32(t.cfg.Format.FrameSamples(t.cfg.FrameDuration))
	t.packetsSent.Add(1)
	t.bytesSent.Add(int64(len(data)))
	return nil
}
