package tts

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/claims-voice/internal/audio"
	"github.com/lexiqai/claims-voice/internal/resilience"
)

type fakeStream struct {
	ctx     context.Context
	chunks  [][]byte
	recvErr error
	block   bool

	sent       []string
	closedSend bool
	closed     bool
}

func (s *fakeStream) Send(text string) error { s.sent = append(s.sent, text); return nil }
func (s *fakeStream) CloseSend() error       { s.closedSend = true; return nil }
func (s *fakeStream) Close() error           { s.closed = true; return nil }

func (s *fakeStream) Recv() ([]byte, error) {
	if s.block {
		<-s.ctx.Done()
		return nil, s.ctx.Err()
	}
	if len(s.chunks) == 0 {
		if s.recvErr != nil {
			return nil, s.recvErr
		}
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

type fakeSynth struct {
	stream  *fakeStream
	openErr error
}

func (f *fakeSynth) Open(ctx context.Context) (Stream, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.stream.ctx = ctx
	return f.stream, nil
}

type frameCollector struct {
	frames []audio.Frame
}

func (c *frameCollector) WriteFrame(_ context.Context, f audio.Frame) error {
	c.frames = append(c.frames, f)
	return nil
}

func newTestAdapter(s Synthesizer, firstResponse time.Duration) *Adapter {
	return NewAdapter(s, audio.TelephonyFormat, 20*time.Millisecond, firstResponse, zerolog.Nop())
}

func TestAdapter_SpeakRepacketizes(t *testing.T) {
	stream := &fakeStream{chunks: [][]byte{make([]byte, 100), make([]byte, 300), make([]byte, 50)}}
	synth := &fakeSynth{stream: stream}
	out := &frameCollector{}

	if err := newTestAdapter(synth, time.Second).Speak(context.Background(), "Your claim is open.", out); err != nil {
		t.Fatalf("Speak failed: %v", err)
	}

	if len(stream.sent) != 1 || stream.sent[0] != "Your claim is open." {
		t.Errorf("Expected text to be sent once, got %v", stream.sent)
	}
	if !stream.closedSend {
		t.Error("Expected end-of-text marker to be sent")
	}
	if !stream.closed {
		t.Error("Expected stream to be closed")
	}

	wantSizes := []int{160, 160, 130}
	if len(out.frames) != len(wantSizes) {
		t.Fatalf("Expected %d frames, got %d", len(wantSizes), len(out.frames))
	}
	for i, want := range wantSizes {
		if got := len(out.frames[i].Payload); got != want {
			t.Errorf("Frame %d: expected %d bytes, got %d", i, want, got)
		}
		if out.frames[i].Format != audio.TelephonyFormat {
			t.Errorf("Frame %d: expected telephony format, got %s", i, out.frames[i].Format)
		}
	}
}

func TestAdapter_RecvFailure(t *testing.T) {
	failure := errors.New("connection reset by peer")
	stream := &fakeStream{chunks: [][]byte{make([]byte, 160)}, recvErr: failure}

	err := newTestAdapter(&fakeSynth{stream: stream}, time.Second).Speak(context.Background(), "hi", &frameCollector{})
	if !errors.Is(err, failure) {
		t.Errorf("Expected recv failure, got %v", err)
	}
}

func TestAdapter_OpenFailure(t *testing.T) {
	failure := errors.New("dial failed")
	err := newTestAdapter(&fakeSynth{openErr: failure}, time.Second).Speak(context.Background(), "hi", &frameCollector{})
	if !errors.Is(err, failure) {
		t.Errorf("Expected open failure, got %v", err)
	}
}

func TestAdapter_FirstResponseTimeout(t *testing.T) {
	stream := &fakeStream{block: true}
	start := time.Now()

	err := newTestAdapter(&fakeSynth{stream: stream}, 30*time.Millisecond).Speak(context.Background(), "hi", &frameCollector{})
	if !errors.Is(err, resilience.ErrFirstResponseTimeout) {
		t.Errorf("Expected ErrFirstResponseTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected timeout to fire quickly, took %v", elapsed)
	}
}
