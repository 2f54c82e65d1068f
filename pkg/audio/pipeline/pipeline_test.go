package pipeline

import (
	"math"
	"testing"
)

func tone(freq float64, rate, n int, amp float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestResampleLength(t *testing.T) {
	p := New()

	tests := []struct {
		n, from, to int
		want        int
	}{
		{12000, 24000, 16000, 8000},
		{960, 24000, 16000, 640},
		{320, 16000, 24000, 480},
		{100, 16000, 8000, 50},
	}
	for _, tt := range tests {
		got := p.Resample(make([]int16, tt.n), tt.from, tt.to)
		if d := len(got) - tt.want; d < -1 || d > 1 {
			t.Errorf("Resample(%d, %d->%d): len=%d, want %d±1", tt.n, tt.from, tt.to, len(got), tt.want)
		}
	}
}

func TestResampleDegradesSafely(t *testing.T) {
	p := New()

	in := []int16{1, 2, 3}
	if got := p.Resample(in, 0, 16000); len(got) != 3 {
		t.Errorf("invalid fromRate: len=%d", len(got))
	}
	if got := p.Resample(nil, 24000, 16000); len(got) != 0 {
		t.Errorf("empty input: len=%d", len(got))
	}
	if got := p.Resample(in, 16000, 16000); len(got) != 3 {
		t.Errorf("same rate: len=%d", len(got))
	}

	// Every attempt counts, including the degraded ones.
	if ops := p.Stats().ResampleOps; ops != 3 {
		t.Errorf("ResampleOps=%d, want 3", ops)
	}
}

func TestNormalizeSilencePassthrough(t *testing.T) {
	p := New()

	in := make([]int16, 320)
	out, rms := p.Normalize(in, DefaultTargetRMS)
	if rms != 0 {
		t.Errorf("rms=%v, want 0", rms)
	}
	for i := range out {
		if out[i] != 0 {
			t.Fatalf("sample %d modified", i)
		}
	}
}

func TestNormalizeScalesTowardTarget(t *testing.T) {
	p := New()

	in := make([]int16, 320)
	for i := range in {
		in[i] = 100
	}
	out, rms := p.Normalize(in, 1000)
	if rms < 99 || rms > 101 {
		t.Errorf("measured rms=%v, want ~100", rms)
	}
	// Scale factor is (1000/100)*0.8 = 8.
	if out[0] != 800 {
		t.Errorf("out[0]=%d, want 800", out[0])
	}
}

func TestNormalizeClips(t *testing.T) {
	p := New()

	in := []int16{30000, -30000}
	out, _ := p.Normalize(in, 100000)
	if out[0] != math.MaxInt16 || out[1] != math.MinInt16 {
		t.Errorf("out=%v, want clipped to int16 range", out)
	}
}

func TestQuickSilenceCheck(t *testing.T) {
	p := New()

	if !p.QuickSilenceCheck(make([]int16, 320), DefaultSilenceThreshold) {
		t.Error("all-zero buffer should be silent")
	}

	loud := make([]int16, 320)
	for i := range loud {
		loud[i] = 5000
	}
	if p.QuickSilenceCheck(loud, DefaultSilenceThreshold) {
		t.Error("amplitude-5000 buffer should not be silent")
	}

	st := p.Stats()
	if st.SilenceChecks != 2 || st.SilenceDetections != 1 {
		t.Errorf("checks=%d detections=%d", st.SilenceChecks, st.SilenceDetections)
	}
}

func TestNoiseGate(t *testing.T) {
	p := New()

	in := []int16{50, -50, 5000, -5000}
	out := p.NoiseGate(in, 100, 0.1)
	if out[0] != 5 || out[1] != -5 {
		t.Errorf("below-threshold samples not attenuated: %v", out)
	}
	if out[2] != 5000 || out[3] != -5000 {
		t.Errorf("above-threshold samples modified: %v", out)
	}
}

func TestQualityMetrics(t *testing.T) {
	p := New()

	t.Run("empty", func(t *testing.T) {
		q := p.QualityMetrics(nil)
		if !q.Silent || q.SampleCount != 0 {
			t.Errorf("q=%+v", q)
		}
	})

	t.Run("tone", func(t *testing.T) {
		q := p.QualityMetrics(tone(440, 16000, 1600, 10000))
		if q.Silent {
			t.Error("tone marked silent")
		}
		if q.RMS <= 0 || q.Peak <= 0 {
			t.Errorf("rms=%v peak=%d", q.RMS, q.Peak)
		}
		if q.Score < 0 || q.Score > 100 {
			t.Errorf("score=%v out of range", q.Score)
		}
	})

	t.Run("clipping", func(t *testing.T) {
		q := p.QualityMetrics([]int16{math.MaxInt16, math.MinInt16, 0, 0})
		if q.ClippingPct != 50 {
			t.Errorf("clipping=%v, want 50", q.ClippingPct)
		}
	})
}

// Chained transform over a 24kHz tone, the shape of the AI response leg.
func TestToneChain(t *testing.T) {
	p := New()

	in := tone(440, 24000, 12000, 8000)
	resampled := p.Resample(in, 24000, 16000)
	if d := len(resampled) - 8000; d < -1 || d > 1 {
		t.Fatalf("resampled len=%d, want 8000±1", len(resampled))
	}

	normalized, rms := p.Normalize(resampled, DefaultTargetRMS)
	if rms <= 0 {
		t.Errorf("rms=%v, want >0", rms)
	}
	if p.QuickSilenceCheck(normalized, DefaultSilenceThreshold) {
		t.Error("normalized tone marked silent")
	}
}

func TestStatsReset(t *testing.T) {
	p := New()
	p.Resample(make([]int16, 100), 24000, 16000)
	p.Normalize(tone(440, 16000, 100, 5000), 1000)

	if st := p.Stats(); st.ResampleOps != 1 || st.NormalizeOps != 1 {
		t.Fatalf("stats=%+v", st)
	}
	p.Reset()
	if st := p.Stats(); st.ResampleOps != 0 || st.RMSHistoryLen != 0 {
		t.Errorf("after reset: %+v", st)
	}
}
