package audio

import (
	"fmt"
	"time"
)

// Encoding identifies the sample encoding of an audio payload
type Encoding string

const (
	EncodingMulaw Encoding = "mulaw"     // G.711 PCMU, one byte per sample
	EncodingPCM16 Encoding = "pcm_s16le" // Linear PCM, two bytes per sample
)

// Format describes the audio carried by a Frame
type Format struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
}

// TelephonyFormat is the format used on the call leg in both directions
var TelephonyFormat = Format{
	Encoding:   EncodingMulaw,
	SampleRate: 8000,
	Channels:   1,
}

// BytesPerSample returns the size of one sample for one channel
func (f Format) BytesPerSample() int {
	if f.Encoding == EncodingPCM16 {
		return 2
	}
	return 1
}

// FrameSize returns the number of bytes covering d of audio
func (f Format) FrameSize(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.BytesPerSample() * f.Channels
}

// Duration returns the playback length of n bytes in this format
func (f Format) Duration(n int) time.Duration {
	perSecond := f.SampleRate * f.BytesPerSample() * f.Channels
	if perSecond == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(perSecond))
}

func (f Format) String() string {
	return fmt.Sprintf("%s/%d/%dch", f.Encoding, f.SampleRate, f.Channels)
}

// Frame is an opaque audio payload tagged with its format
type Frame struct {
	Payload []byte
	Format  Format
}
