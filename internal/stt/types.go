package stt

import (
	"context"
	"time"
)

// Fragment is one piece of recognized speech as delivered by the recognizer
type Fragment struct {
	// Text is the recognized text, possibly empty on a bare end-of-turn signal
	Text string

	// Final marks authoritative text; interim fragments may be revised
	Final bool

	// EndOfTurn is set when the recognizer decided the caller stopped speaking
	EndOfTurn bool

	// Confidence is the recognizer's confidence score (0.0 to 1.0) if available
	Confidence float64

	// Start and Duration locate the fragment in the audio stream
	Start    time.Duration
	Duration time.Duration

	// ReceivedAt is when the fragment arrived from the recognizer
	ReceivedAt time.Time
}

// Kind names the fragment for logs and metrics
func (f Fragment) Kind() string {
	switch {
	case f.EndOfTurn && f.Text == "":
		return "end_of_turn"
	case f.Final:
		return "final"
	default:
		return "interim"
	}
}

// Transcriber is a live speech-to-text stream for one call
type Transcriber interface {
	// Start opens the recognizer stream
	Start(ctx context.Context) error

	// SendAudio forwards one chunk of call audio
	SendAudio(audio []byte) error

	// Fragments delivers recognized speech; closed after Close
	Fragments() <-chan Fragment

	// Close finishes the stream and releases resources
	Close() error
}

// Factory creates a transcriber for a new call
type Factory func() Transcriber
