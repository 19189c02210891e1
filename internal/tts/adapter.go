package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/claims-voice/internal/audio"
	"github.com/lexiqai/claims-voice/internal/observability"
	"github.com/lexiqai/claims-voice/internal/resilience"
)

// Adapter runs one synthesis exchange per text unit and relays the audio
// as fixed-duration frames
type Adapter struct {
	synth         Synthesizer
	format        audio.Format
	frameDuration time.Duration
	firstResponse time.Duration
	logger        zerolog.Logger
}

// NewAdapter creates an adapter producing frames of format. firstResponse
// bounds the wait for the first audio of each exchange.
func NewAdapter(synth Synthesizer, format audio.Format, frameDuration, firstResponse time.Duration, logger zerolog.Logger) *Adapter {
	if frameDuration <= 0 {
		frameDuration = audio.DefaultFrameDuration
	}
	return &Adapter{
		synth:         synth,
		format:        format,
		frameDuration: frameDuration,
		firstResponse: firstResponse,
		logger:        logger.With().Str("component", "synthesis").Logger(),
	}
}

// Speak synthesizes text and writes the resulting frames to w in arrival order
func (a *Adapter) Speak(ctx context.Context, text string, w FrameWriter) (err error) {
	start := time.Now()
	defer func() {
		observability.ObserveSynthesis(err == nil, time.Since(start))
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn().Err(err).Int("chars", len(text)).Msg("Synthesis failed")
		}
	}()

	ctx, fr := resilience.WithFirstResponse(ctx, "synthesis", a.firstResponse)
	defer fr.Stop()

	stream, err := a.synth.Open(ctx)
	if err != nil {
		return resilience.Cause(ctx, err)
	}
	defer stream.Close()

	if err := stream.Send(text); err != nil {
		return resilience.Cause(ctx, fmt.Errorf("failed to send text: %w", err))
	}
	if err := stream.CloseSend(); err != nil {
		return resilience.Cause(ctx, fmt.Errorf("failed to send end of text: %w", err))
	}

	framer := audio.NewFramer(a.format, a.frameDuration)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return resilience.Cause(ctx, err)
		}
		fr.Received()

		for _, frame := range framer.Push(chunk) {
			if err := w.WriteFrame(ctx, frame); err != nil {
				return err
			}
		}
	}

	if frame, ok := framer.Flush(); ok {
		if err := w.WriteFrame(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}
