package tts

import (
	"context"

	"github.com/lexiqai/claims-voice/internal/audio"
)

// Stream is one open synthesis exchange. Text goes in through Send and
// CloseSend; audio comes back through Recv until it returns io.EOF on the
// service's final marker.
type Stream interface {
	// Send streams a piece of text to synthesize
	Send(text string) error

	// CloseSend sends the explicit end-of-text marker
	CloseSend() error

	// Recv returns the next chunk of audio in the configured output format
	Recv() ([]byte, error)

	// Close tears down the exchange
	Close() error
}

// Synthesizer opens streaming synthesis exchanges. Open sends the initial
// voice and format configuration before returning.
type Synthesizer interface {
	Open(ctx context.Context) (Stream, error)
}

// FrameWriter accepts ordered audio frames
type FrameWriter interface {
	WriteFrame(ctx context.Context, frame audio.Frame) error
}

// Sink is the outbound audio path of a call leg
type Sink interface {
	FrameWriter

	// Mark queues a named marker behind every frame written so far
	Mark(ctx context.Context, name string) error
}

// PlaybackAcker is implemented by sinks that can report when a marker has
// actually been played to the caller
type PlaybackAcker interface {
	AwaitMark(ctx context.Context, name string) error
}

// Speaker turns one text unit into frames written to w
type Speaker interface {
	Speak(ctx context.Context, text string, w FrameWriter) error
}
