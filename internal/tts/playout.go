package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/claims-voice/internal/audio"
	"github.com/lexiqai/claims-voice/internal/segmenter"
)

// ErrPlayoutAborted is returned once any unit of a response failed to synthesize
var ErrPlayoutAborted = errors.New("playout aborted")

// MarkName is the playback marker written after a unit's last frame
func MarkName(seq int) string {
	return fmt.Sprintf("unit-%d", seq)
}

// PlayoutOptions tunes a Playout
type PlayoutOptions struct {
	// Queue bounds the number of dispatched units awaiting playback
	Queue int

	// OnFirstFrame runs once, just before the first frame reaches the sink
	OnFirstFrame func()

	Logger zerolog.Logger
}

type track struct {
	unit   segmenter.Unit
	frames []audio.Frame
	err    error
	done   chan struct{}
}

func (t *track) WriteFrame(_ context.Context, frame audio.Frame) error {
	t.frames = append(t.frames, frame)
	return nil
}

// Playout plays the units of one response in order. Units are synthesized
// concurrently as soon as they are dispatched; a single writer goroutine
// flushes each unit's frames to the sink only after that unit finished
// synthesizing and every earlier unit was flushed. The first failure
// cancels every later unit, and nothing after it is written.
type Playout struct {
	speaker Speaker
	sink    Sink
	opts    PlayoutOptions

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	closed bool
	tracks chan *track
	synths sync.WaitGroup

	done     chan struct{}
	err      error
	lastMark string
}

// NewPlayout starts the writer goroutine. Cancelling ctx aborts every
// pending unit.
func NewPlayout(ctx context.Context, speaker Speaker, sink Sink, opts PlayoutOptions) *Playout {
	if opts.Queue < 1 {
		opts.Queue = 16
	}
	ctx, cancel := context.WithCancelCause(ctx)
	p := &Playout{
		speaker: speaker,
		sink:    sink,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		tracks:  make(chan *track, opts.Queue),
		done:    make(chan struct{}),
	}
	go p.write()
	return p
}

// Dispatch starts synthesizing u and queues it for playback behind every
// earlier unit. It blocks only while the queue is full, and fails once the
// playout was aborted or closed.
func (p *Playout) Dispatch(u segmenter.Unit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("%w: dispatch after close", ErrPlayoutAborted)
	}
	if err := p.ctx.Err(); err != nil {
		return p.abortErr()
	}

	t := &track{unit: u, done: make(chan struct{})}
	select {
	case p.tracks <- t:
	case <-p.ctx.Done():
		return p.abortErr()
	}

	p.synths.Add(1)
	go func() {
		defer p.synths.Done()
		defer close(t.done)
		t.err = p.speaker.Speak(p.ctx, u.Text, t)
	}()
	return nil
}

// Close marks the end of the response. Units already dispatched still play.
func (p *Playout) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.tracks)
	}
}

// Wait blocks until every dispatched unit was played or discarded and
// returns the first failure. It must be called after Close.
func (p *Playout) Wait() error {
	<-p.done
	p.synths.Wait()
	return p.err
}

// LastMark names the marker written after the last unit played, if any
func (p *Playout) LastMark() string {
	<-p.done
	return p.lastMark
}

// Abort cancels every pending unit
func (p *Playout) Abort(cause error) {
	p.cancel(fmt.Errorf("%w: %w", ErrPlayoutAborted, cause))
}

func (p *Playout) abortErr() error {
	cause := context.Cause(p.ctx)
	if errors.Is(cause, ErrPlayoutAborted) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrPlayoutAborted, cause)
}

func (p *Playout) write() {
	defer close(p.done)
	defer p.cancel(nil)

	var firstFrame sync.Once
	for t := range p.tracks {
		<-t.done

		if p.err != nil {
			continue
		}
		if t.err == nil && p.ctx.Err() != nil {
			t.err = context.Cause(p.ctx)
		}
		if t.err != nil {
			p.fail(t, t.err)
			continue
		}

		if err := p.flush(t, &firstFrame); err != nil {
			p.fail(t, err)
		}
	}
}

func (p *Playout) flush(t *track, firstFrame *sync.Once) error {
	for _, frame := range t.frames {
		if p.opts.OnFirstFrame != nil {
			firstFrame.Do(p.opts.OnFirstFrame)
		}
		if err := p.sink.WriteFrame(p.ctx, frame); err != nil {
			return err
		}
	}
	name := MarkName(t.unit.Seq)
	if err := p.sink.Mark(p.ctx, name); err != nil {
		return err
	}
	p.lastMark = name

	p.opts.Logger.Debug().
		Int("seq", t.unit.Seq).
		Int("frames", len(t.frames)).
		Msg("Unit played")
	return nil
}

func (p *Playout) fail(t *track, err error) {
	if errors.Is(err, ErrPlayoutAborted) {
		p.err = err
	} else {
		p.err = fmt.Errorf("%w: unit %d: %w", ErrPlayoutAborted, t.unit.Seq, err)
	}
	p.cancel(p.err)

	p.opts.Logger.Warn().
		Err(err).
		Int("seq", t.unit.Seq).
		Msg("Playout aborted, discarding remaining units")
}
