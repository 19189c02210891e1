package audio

import "math"

// DecodeMulaw expands G.711 PCMU bytes to 16-bit linear samples
func DecodeMulaw(p []byte) []int16 {
	samples := make([]int16, len(p))
	for i, b := range p {
		samples[i] = mulawToLinear(b)
	}
	return samples
}

func mulawToLinear(b byte) int16 {
	b = ^b
	exponent := (b >> 4) & 0x07
	mantissa := int32(b & 0x0F)

	magnitude := ((mantissa << 3) + 0x84) << exponent
	magnitude -= 0x84
	if b&0x80 != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// RMS returns the root mean square of samples
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// ActivityConfig tunes an ActivityDetector
type ActivityConfig struct {
	EnergyThreshold float64 // RMS above which a frame counts as speech
	SilenceFrames   int     // consecutive quiet frames that end speech
}

// DefaultActivityConfig suits 20ms telephony frames
func DefaultActivityConfig() ActivityConfig {
	return ActivityConfig{
		EnergyThreshold: 500,
		SilenceFrames:   10,
	}
}

// ActivityDetector tracks speech onsets on a stream of mu-law frames.
// It is an energy gate, not a recognizer: it only reports that someone
// is making noise on the line.
type ActivityDetector struct {
	cfg      ActivityConfig
	quiet    int
	speaking bool
}

// NewActivityDetector creates a detector
func NewActivityDetector(cfg ActivityConfig) *ActivityDetector {
	if cfg.SilenceFrames < 1 {
		cfg.SilenceFrames = 1
	}
	return &ActivityDetector{cfg: cfg}
}

// Observe feeds one mu-law frame and reports whether speech started or
// ended with it
func (d *ActivityDetector) Observe(frame []byte) (started, ended bool) {
	if RMS(DecodeMulaw(frame)) > d.cfg.EnergyThreshold {
		d.quiet = 0
		if !d.speaking {
			d.speaking = true
			return true, false
		}
		return false, false
	}

	d.quiet++
	if d.speaking && d.quiet >= d.cfg.SilenceFrames {
		d.speaking = false
		d.quiet = 0
		return false, true
	}
	return false, false
}

// Speaking reports whether the last frames carried speech
func (d *ActivityDetector) Speaking() bool {
	return d.speaking
}
