package pcm

import (
	"encoding/binary"
	"time"
)

const (
	// L16Mono8K represents audio/L16; rate=8000; channels=1
	L16Mono8K Format = iota
	// L16Mono16K represents audio/L16; rate=16000; channels=1
	L16Mono16K
	// L16Mono24K represents audio/L16; rate=24000; channels=1
	L16Mono24K
	// L16Mono48K represents audio/L16; rate=48000; channels=1
	L16Mono48K
)

// Format represents a linear PCM audio format. All formats are 16-bit
// signed little-endian mono; only the sample rate varies.
type Format int

// SampleRate returns the sample rate in Hz for this format.
func (f Format) SampleRate() int {
	switch f {
	case L16Mono8K:
		return 8000
	case L16Mono16K:
		return 16000
	case L16Mono24K:
		return 24000
	case L16Mono48K:
		return 48000
	}
	panic("pcm: invalid audio format")
}

// Channels returns the number of audio channels for this format.
func (f Format) Channels() int { return 1 }

// Depth returns the bit depth for this format.
func (f Format) Depth() int { return 16 }

// Samples returns the number of samples in the given number of bytes.
func (f Format) Samples(bytes int64) int64 {
	return bytes * 8 / int64(f.Channels()) / int64(f.Depth())
}

// SamplesInDuration returns the number of samples in the given duration.
func (f Format) SamplesInDuration(d time.Duration) int64 {
	return int64(time.Duration(f.SampleRate()) * d / time.Second)
}

// BytesInDuration returns the number of bytes in the given duration.
func (f Format) BytesInDuration(d time.Duration) int64 {
	return f.SamplesInDuration(d) * int64(f.Channels()) * int64(f.Depth()) / 8
}

// Duration returns the duration of the given number of bytes.
func (f Format) Duration(bytes int64) time.Duration {
	return time.Duration(f.Samples(bytes)) * time.Second / time.Duration(f.SampleRate())
}

// BytesRate returns the byte rate of the audio data.
func (f Format) BytesRate() int {
	return f.SampleRate() * f.Channels() * f.Depth() / 8
}

// FrameSamples returns the number of samples in a frame of the given
// duration. A 20ms frame at 16kHz is 320 samples.
func (f Format) FrameSamples(d time.Duration) int {
	return int(f.SamplesInDuration(d))
}

// FrameBytes returns the number of bytes in a frame of the given duration.
// A 20ms frame at 16kHz is 640 bytes.
func (f Format) FrameBytes(d time.Duration) int {
	return int(f.BytesInDuration(d))
}

// Decode converts little-endian 16-bit PCM bytes to samples. A trailing
// odd byte is dropped.
func Decode(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// Encode converts samples to little-endian 16-bit PCM bytes.
func Encode(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}
