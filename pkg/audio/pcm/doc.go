// Package pcm provides arithmetic for 16-bit signed linear PCM audio:
// conversions between byte counts, sample counts, durations and frame
// sizes, plus little-endian sample encoding.
package pcm
