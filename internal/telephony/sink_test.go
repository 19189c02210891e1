package telephony

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/claims-voice/internal/audio"
	"github.com/lexiqai/claims-voice/internal/tts"
)

type recordingConn struct {
	mu   sync.Mutex
	msgs []any
	err  error
}

func (c *recordingConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, v)
	return nil
}

func (c *recordingConn) written() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.msgs...)
}

var _ tts.Sink = (*Sink)(nil)
var _ tts.PlaybackAcker = (*Sink)(nil)

func runSink(t *testing.T, conn jsonWriter) (*Sink, chan error, context.CancelFunc) {
	t.Helper()
	s := NewSink(conn, "MZ1", 8, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	t.Cleanup(cancel)
	return s, errc, cancel
}

func TestSink_WritesInOrder(t *testing.T) {
	conn := &recordingConn{}
	s, errc, cancel := runSink(t, conn)
	ctx := context.Background()

	if err := s.WriteFrame(ctx, audio.Frame{Payload: []byte{1, 2, 3}, Format: audio.TelephonyFormat}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if err := s.Mark(ctx, "unit-0"); err != nil {
		t.Fatalf("Mark failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(conn.written()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for writes")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Expected clean stop, got %v", err)
	}

	msgs := conn.written()
	media, ok := msgs[0].(outboundMedia)
	if !ok {
		t.Fatalf("Expected media first, got %T", msgs[0])
	}
	if media.Event != "media" || media.StreamSid != "MZ1" {
		t.Errorf("Unexpected media message %+v", media)
	}
	if media.Media.Payload != base64.StdEncoding.EncodeToString([]byte{1, 2, 3}) {
		t.Errorf("Unexpected payload %q", media.Media.Payload)
	}
	mark, ok := msgs[1].(outboundMark)
	if !ok || mark.Mark.Name != "unit-0" {
		t.Errorf("Expected mark unit-0 second, got %+v", msgs[1])
	}

	if err := s.WriteFrame(ctx, audio.Frame{Payload: []byte{4}}); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("Expected ErrSinkClosed after stop, got %v", err)
	}
}

func TestSink_AwaitMark(t *testing.T) {
	s, _, _ := runSink(t, &recordingConn{})
	ctx := context.Background()

	if err := s.AwaitMark(ctx, "unit-0"); err != nil {
		t.Errorf("Expected no outstanding mark to return, got %v", err)
	}

	if err := s.Mark(ctx, "unit-1"); err != nil {
		t.Fatalf("Mark failed: %v", err)
	}
	errc := make(chan error, 1)
	go func() { errc <- s.AwaitMark(ctx, "unit-1") }()

	select {
	case err := <-errc:
		t.Fatalf("AwaitMark returned before acknowledgement: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	s.Acknowledge("unit-1")
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Expected nil, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitMark did not return after acknowledgement")
	}
}

func TestSink_RepeatedMarkNameNeedsNewEcho(t *testing.T) {
	s, _, _ := runSink(t, &recordingConn{})
	ctx := context.Background()

	// first response
	if err := s.Mark(ctx, "unit-0"); err != nil {
		t.Fatalf("Mark failed: %v", err)
	}
	s.Acknowledge("unit-0")
	if err := s.AwaitMark(ctx, "unit-0"); err != nil {
		t.Fatalf("Expected first response played, got %v", err)
	}

	// second response reuses the name
	if err := s.WriteFrame(ctx, audio.Frame{Payload: []byte{1}}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if err := s.Mark(ctx, "unit-0"); err != nil {
		t.Fatalf("Mark failed: %v", err)
	}
	wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := s.AwaitMark(wctx, "unit-0"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected second response still playing, got %v", err)
	}

	s.Acknowledge("unit-0")
	if err := s.AwaitMark(ctx, "unit-0"); err != nil {
		t.Errorf("Expected second response played after its echo, got %v", err)
	}
}

func TestSink_LateEchoDoesNotReleaseNewerMark(t *testing.T) {
	s, _, _ := runSink(t, &recordingConn{})
	ctx := context.Background()

	// the first response's echo never arrived before its wait gave up
	_ = s.Mark(ctx, "unit-0")
	_ = s.Mark(ctx, "unit-0")

	s.Acknowledge("unit-0")
	wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := s.AwaitMark(wctx, "unit-0"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected the older echo to leave the newer mark pending, got %v", err)
	}

	s.Acknowledge("unit-0")
	if err := s.AwaitMark(ctx, "unit-0"); err != nil {
		t.Errorf("Expected nil after both echoes, got %v", err)
	}
}

func TestSink_AwaitMarkUnblocksOnClose(t *testing.T) {
	s, _, cancel := runSink(t, &recordingConn{})
	if err := s.Mark(context.Background(), "unit-0"); err != nil {
		t.Fatalf("Mark failed: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- s.AwaitMark(context.Background(), "unit-0") }()
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrSinkClosed) {
			t.Errorf("Expected ErrSinkClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitMark did not return after the sink stopped")
	}
}

func TestSink_WriteErrorStopsRun(t *testing.T) {
	conn := &recordingConn{err: errors.New("broken pipe")}
	s, errc, _ := runSink(t, conn)

	_ = s.Mark(context.Background(), "unit-0")
	select {
	case err := <-errc:
		if err == nil || err.Error() != "broken pipe" {
			t.Errorf("Expected write error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on write error")
	}
}
