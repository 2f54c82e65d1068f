// Package pipeline implements the audio transform pipeline for call
// audio: ratio resampling, RMS normalization, silence detection, noise
// gating and quality scoring over 16-bit linear PCM. A Pipeline is a
// process-wide service object constructed once at startup and shared by
// all calls; per-call state never lives here, only aggregate statistics.
package pipeline

import (
	"math"
	"sync"
	"time"

	"github.com/voicewire/voicewire/pkg/buffer"
)

const (
	// DefaultTargetRMS is the default normalization target level.
	DefaultTargetRMS = 1000

	// DefaultSilenceThreshold is the RMS level below which audio is
	// treated as silence.
	DefaultSilenceThreshold = 100

	// normalizationHeadroom keeps normalized audio below full scale to
	// avoid clipping on transients.
	normalizationHeadroom = 0.8

	// rmsHistorySize bounds the sliding RMS window kept for stats.
	rmsHistorySize = 100
)

// Pipeline transforms raw PCM chunks. All methods are safe for
// concurrent use and never fail: malformed input degrades to a safe
// passthrough result.
type Pipeline struct {
	mu    sync.Mutex
	stats Stats
	rms   *buffer.Ring[float64]
}

// Stats holds cumulative pipeline counters.
type Stats struct {
	SamplesProcessed  int64
	ResampleOps       int64
	NormalizeOps      int64
	SilenceChecks     int64
	SilenceDetections int64
	GateOps           int64
	QualityOps        int64
	ProcessingTime    time.Duration
	AverageRMS        float64
	PeakAmplitude     float64
	RMSHistoryLen     int
}

// Quality describes the measured quality of a PCM chunk.
type Quality struct {
	RMS          float64
	Peak         int
	DynamicRange float64
	SNREstimate  float64
	ClippingPct  float64
	Score        float64
	Silent       bool
	SampleCount  int
}

// New creates a Pipeline.
func New() *Pipeline {
	return &Pipeline{rms: buffer.RingN[float64](rmsHistorySize)}
}

// Resample converts pcm from fromRate to toRate by linear interpolation,
// yielding floor(n*toRate/fromRate) samples. Invalid rates and empty
// input return the input unchanged; the operation is still counted.
func (p *Pipeline) Resample(pcm []int16, fromRate, toRate int) []int16 {
	start := time.Now()
	defer p.account(start, len(pcm), func(s *Stats) { s.ResampleOps++ })

	if len(pcm) == 0 || fromRate <= 0 || toRate <= 0 || fromRate == toRate {
		return pcm
	}

	outLen := int(int64(len(pcm)) * int64(toRate) / int64(fromRate))
	if outLen == 0 {
		return []int16{}
	}

	out := make([]int16, outLen)
	step := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(pcm)-1 {
			out[i] = pcm[len(pcm)-1]
			continue
		}
		frac := pos - float64(j)
		v := float64(pcm[j])*(1-frac) + float64(pcm[j+1])*frac
		out[i] = clipSample(v)
	}
	return out
}

// Normalize scales pcm toward targetRMS, keeping 20% headroom, and
// returns the scaled samples with the measured input RMS. Silent input
// (RMS 0) passes through unmodified with RMS 0.
func (p *Pipeline) Normalize(pcm []int16, targetRMS float64) ([]int16, float64) {
	start := time.Now()
	defer p.account(start, len(pcm), func(s *Stats) { s.NormalizeOps++ })

	if len(pcm) == 0 {
		return pcm, 0
	}

	rms := rmsOf(pcm)
	if rms == 0 {
		return pcm, 0
	}
	if targetRMS <= 0 {
		targetRMS = DefaultTargetRMS
	}

	factor := (targetRMS / rms) * normalizationHeadroom
	out := make([]int16, len(pcm))
	for i, s := range pcm {
		out[i] = clipSample(float64(s) * factor)
	}

	p.recordRMS(rms)
	return out, rms
}

// QuickSilenceCheck reports whether the chunk's bulk RMS is below
// threshold. It is the cheap fast path run before heavier processing.
func (p *Pipeline) QuickSilenceCheck(pcm []int16, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultSilenceThreshold
	}
	silent := rmsOf(pcm) < threshold

	p.mu.Lock()
	p.stats.SilenceChecks++
	if silent {
		p.stats.SilenceDetections++
	}
	p.mu.Unlock()
	return silent
}

// NoiseGate attenuates each sample whose amplitude is below threshold
// by ratio. Gating is per-sample, so the result is deterministic for a
// given input regardless of chunking.
func (p *Pipeline) NoiseGate(pcm []int16, threshold, ratio float64) []int16 {
	start := time.Now()
	defer p.account(start, len(pcm), func(s *Stats) { s.GateOps++ })

	if len(pcm) == 0 {
		return pcm
	}
	if threshold <= 0 {
		threshold = DefaultSilenceThreshold
	}

	out := make([]int16, len(pcm))
	for i, s := range pcm {
		v := float64(s)
		if math.Abs(v) < threshold {
			v *= ratio
		}
		out[i] = clipSample(v)
	}
	return out
}

// QualityMetrics measures a PCM chunk. Empty input yields a zero
// Quality marked silent.
func (p *Pipeline) QualityMetrics(pcm []int16) Quality {
	start := time.Now()
	defer p.account(start, len(pcm), func(s *Stats) { s.QualityOps++ })

	if len(pcm) == 0 {
		return Quality{Silent: true}
	}

	const eps = 1e-10
	rms := rmsOf(pcm)
	peak := 0
	clipped := 0
	for _, s := range pcm {
		a := int(s)
		if a < 0 {
			a = -a
		}
		if a > peak {
			peak = a
		}
		if a >= math.MaxInt16 {
			clipped++
		}
	}

	snr := 20 * math.Log10(float64(peak)/(rms+eps))
	q := Quality{
		RMS:          rms,
		Peak:         peak,
		DynamicRange: float64(peak) / (rms + eps),
		SNREstimate:  snr,
		ClippingPct:  float64(clipped) / float64(len(pcm)) * 100,
		Score:        math.Min(100, math.Max(0, snr*2)),
		Silent:       rms < DefaultSilenceThreshold,
		SampleCount:  len(pcm),
	}

	p.mu.Lock()
	if float64(peak) > p.stats.PeakAmplitude {
		p.stats.PeakAmplitude = float64(peak)
	}
	p.mu.Unlock()
	return q
}

// Stats returns a snapshot of the cumulative counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.RMSHistoryLen = p.rms.Len()
	return s
}

// Reset clears all counters and the RMS history.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = Stats{}
	p.rms.DiscardAll()
}

func (p *Pipeline) account(start time.Time, samples int, bump func(*Stats)) {
	elapsed := time.Since(start)
	p.mu.Lock()
	bump(&p.stats)
	p.stats.SamplesProcessed += int64(samples)
	p.stats.ProcessingTime += elapsed
	p.mu.Unlock()
}

func (p *Pipeline) recordRMS(rms float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rms.Write([]float64{rms})

	var sum float64
	hist := p.rms.Snapshot()
	for _, v := range hist {
		sum += v
	}
	if len(hist) > 0 {
		p.stats.AverageRMS = sum / float64(len(hist))
	}
}

func rmsOf(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

func clipSample(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
