package telephony

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/claims-voice/internal/audio"
	"github.com/lexiqai/claims-voice/internal/observability"
)

// ErrSinkClosed is returned once the call leg stopped accepting audio
var ErrSinkClosed = errors.New("sink closed")

// jsonWriter is the write half of the media stream
type jsonWriter interface {
	WriteJSON(v any) error
}

// Sink is the outbound audio path of one call leg. All socket writes go
// through the Run goroutine, in the order they were queued.
type Sink struct {
	conn      jsonWriter
	streamSID string
	metrics   *observability.Metrics
	logger    zerolog.Logger

	out       chan any
	done      chan struct{}
	closeOnce sync.Once

	// pending counts queued markers per name not yet echoed
	mu      sync.Mutex
	pending map[string]int
	waiters map[string][]chan struct{}
}

// NewSink creates a sink queueing at most queue messages
func NewSink(conn jsonWriter, streamSID string, queue int, metrics *observability.Metrics, logger zerolog.Logger) *Sink {
	if queue < 1 {
		queue = 1
	}
	if metrics == nil {
		metrics = observability.NewCallMetrics(streamSID)
	}
	return &Sink{
		conn:      conn,
		streamSID: streamSID,
		metrics:   metrics,
		logger:    logger,
		out:       make(chan any, queue),
		done:      make(chan struct{}),
		pending:   make(map[string]int),
		waiters:   make(map[string][]chan struct{}),
	}
}

// Run writes queued messages until ctx is cancelled or a write fails
func (s *Sink) Run(ctx context.Context) error {
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case msg := <-s.out:
			if err := s.conn.WriteJSON(msg); err != nil {
				s.metrics.RecordError("send_failed", "telephony")
				return err
			}
			if m, ok := msg.(outboundMedia); ok {
				s.metrics.RecordAudioBytes("out", int64(base64.StdEncoding.DecodedLen(len(m.Media.Payload))))
			}
		}
	}
}

// WriteFrame queues one frame of audio for the caller
func (s *Sink) WriteFrame(ctx context.Context, frame audio.Frame) error {
	return s.enqueue(ctx, outboundMedia{
		Event:     eventMedia,
		StreamSid: s.streamSID,
		Media:     mediaPayload{Payload: base64.StdEncoding.EncodeToString(frame.Payload)},
	})
}

// Mark queues a named marker behind every frame queued so far. Names may
// repeat; each queued marker needs its own echo.
func (s *Sink) Mark(ctx context.Context, name string) error {
	s.mu.Lock()
	s.pending[name]++
	s.mu.Unlock()

	err := s.enqueue(ctx, outboundMark{
		Event:     eventMark,
		StreamSid: s.streamSID,
		Mark:      markPayload{Name: name},
	})
	if err != nil {
		s.Acknowledge(name)
	}
	return err
}

func (s *Sink) enqueue(ctx context.Context, msg any) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}

	select {
	case s.out <- msg:
		return nil
	case <-s.done:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acknowledge records that the stream echoed the marker name, meaning
// everything queued before the oldest such marker has been played
func (s *Sink) Acknowledge(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending[name] > 1 {
		s.pending[name]--
		return
	}
	delete(s.pending, name)
	for _, ch := range s.waiters[name] {
		close(ch)
	}
	delete(s.waiters, name)
}

// AwaitMark blocks until every marker named name queued so far was
// acknowledged. It returns at once when none is outstanding.
func (s *Sink) AwaitMark(ctx context.Context, name string) error {
	s.mu.Lock()
	if s.pending[name] == 0 {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters[name] = append(s.waiters[name], ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-s.done:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the sink. Pending and later writes fail with ErrSinkClosed.
func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
