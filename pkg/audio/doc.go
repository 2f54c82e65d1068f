// Package audio is an umbrella for the audio sub-packages:
//
//   - pcm: linear PCM format arithmetic and little-endian codecs
//   - pipeline: resampling, normalization and quality analysis
//
// For bounded audio queues, use the separate
// github.com/voicewire/voicewire/pkg/buffer package.
package audio
