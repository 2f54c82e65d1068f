// Package media moves PCM audio between the telephony side and this
// process. Two interchangeable transports implement the same contract:
// a raw RTP/UDP transport and a WebSocket "external media" server. One
// transport is bound per call; the choice is configuration, never both.
package media

import (
	"context"
	"time"
)

// Transport is the per-call media channel contract. Send and Flush are
// safe for concurrent use with the background reader/writer tasks.
// Stop cancels those tasks and is idempotent.
type Transport interface {
	// Start launches the transport's background reader/writer tasks.
	Start(ctx context.Context) error

	// Send queues outbound PCM toward the caller. It reports false
	// when the transport is stopped or not connected.
	Send(pcm []byte) bool

	// Flush drops all queued outbound audio and returns the number of
	// bytes dropped. Used for barge-in.
	Flush() int

	// OnReceive registers the callback invoked with each inbound PCM
	// chunk. Must be set before Start.
	OnReceive(fn func(pcm []byte))

	// Stats returns a snapshot of the transport counters.
	Stats() Stats

	// Stop cancels background tasks and releases sockets. Idempotent.
	Stop() error
}

// Stats is a point-in-time snapshot of a transport's counters.
type Stats struct {
	ChannelID       string        `json:"channel_id"`
	Kind            string        `json:"kind"`
	Connected       bool          `json:"connected"`
	PacketsSent     int64         `json:"packets_sent"`
	PacketsReceived int64         `json:"packets_received"`
	BytesSent       int64         `json:"bytes_sent"`
	BytesReceived   int64         `json:"bytes_received"`
	OutputQueueLen  int           `json:"output_queue_len"`
	Uptime          time.Duration `json:"uptime"`
}
