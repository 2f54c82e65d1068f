package pipeline

import (
	"fmt"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/voicewire/voicewire/pkg/audio/pcm"
)

// StreamResampler converts a continuous mono PCM stream between sample
// rates using a windowed-sinc resampler. Unlike Pipeline.Resample it is
// stateful across chunks, so chunk boundaries do not introduce
// interpolation artifacts; output length per chunk may vary with filter
// state. It is used on the AI-to-caller leg where response audio
// arrives at 24kHz and the telephony side expects 16kHz.
type StreamResampler struct {
	srcFmt pcm.Format
	dstFmt pcm.Format

	mu        sync.Mutex
	resampler resampling.Resampler
	leftover  []byte
	closed    bool
}

// NewStreamResampler creates a StreamResampler converting srcFmt to
// dstFmt. Equal rates yield a passthrough converter.
func NewStreamResampler(srcFmt, dstFmt pcm.Format) (*StreamResampler, error) {
	sr := &StreamResampler{srcFmt: srcFmt, dstFmt: dstFmt}
	if srcFmt.SampleRate() == dstFmt.SampleRate() {
		return sr, nil
	}

	config := &resampling.Config{
		InputRate:  float64(srcFmt.SampleRate()),
		OutputRate: float64(dstFmt.SampleRate()),
		Channels:   dstFmt.Channels(),
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	}
	r, err := resampling.New(config)
	if err != nil {
		return nil, fmt.Errorf("pipeline: create stream resampler: %w", err)
	}
	sr.resampler = r
	return sr, nil
}

// Convert pushes one chunk of little-endian 16-bit PCM through the
// resampler and returns the converted bytes. A trailing odd byte is
// held back and prepended to the next chunk.
func (sr *StreamResampler) Convert(data []byte) ([]byte, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if sr.closed {
		return nil, fmt.Errorf("pipeline: convert on closed stream resampler")
	}

	if len(sr.leftover) > 0 {
		data = append(sr.leftover, data...)
		sr.leftover = nil
	}
	if len(data)%2 != 0 {
		sr.leftover = []byte{data[len(data)-1]}
		data = data[:len(data)-1]
	}
	if len(data) == 0 {
		return nil, nil
	}

	if sr.resampler == nil {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}

	samples := pcm.Decode(data)
	input := make([]float64, len(samples))
	for i, s := range samples {
		input[i] = float64(s) / 32768.0
	}

	output, err := sr.resampler.Process(input)
	if err != nil {
		return nil, fmt.Errorf("pipeline: resample stream: %w", err)
	}

	converted := make([]int16, len(output))
	for i, v := range output {
		converted[i] = clipSample(v * 32767.0)
	}
	return pcm.Encode(converted), nil
}

// Close releases the underlying resampler. Subsequent Convert calls
// fail. Close is idempotent.
func (sr *StreamResampler) Close() error {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.closed = true
	sr.resampler = nil
	sr.leftover = nil
	return nil
}
