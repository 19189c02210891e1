package audio

import "time"

// DefaultFrameDuration is the packetization interval of the telephony leg
const DefaultFrameDuration = 20 * time.Millisecond

// Framer re-packetizes an arbitrary byte stream into fixed-duration frames.
// Synthesis services deliver audio in chunks of whatever size they like;
// the call leg plays smoothest when it receives uniform 20ms packets.
type Framer struct {
	format    Format
	frameSize int
	buf       *RingBuffer
}

// NewFramer creates a framer for the given format and frame duration
func NewFramer(format Format, frameDuration time.Duration) *Framer {
	if frameDuration <= 0 {
		frameDuration = DefaultFrameDuration
	}
	size := format.FrameSize(frameDuration)
	if size < 1 {
		size = 1
	}
	return &Framer{
		format:    format,
		frameSize: size,
		buf:       NewRingBuffer(size * 64),
	}
}

// FrameSize returns the payload size of every full frame
func (f *Framer) FrameSize() int {
	return f.frameSize
}

// Push appends audio and returns every full frame now available, in order
func (f *Framer) Push(p []byte) []Frame {
	var frames []Frame
	for len(p) > 0 {
		n := f.buf.Write(p)
		p = p[n:]
		frames = f.drain(frames)
	}
	return f.drain(frames)
}

// Flush returns the trailing partial frame, if any
func (f *Framer) Flush() (Frame, bool) {
	n := f.buf.Available()
	if n == 0 {
		return Frame{}, false
	}
	payload := make([]byte, n)
	f.buf.Read(payload)
	return Frame{Payload: payload, Format: f.format}, true
}

// Reset discards buffered audio
func (f *Framer) Reset() {
	f.buf.Clear()
}

func (f *Framer) drain(frames []Frame) []Frame {
	for f.buf.Available() >= f.frameSize {
		payload := make([]byte, f.frameSize)
		f.buf.Read(payload)
		frames = append(frames, Frame{Payload: payload, Format: f.format})
	}
	return frames
}
