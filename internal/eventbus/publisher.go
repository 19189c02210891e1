package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/claims-voice/internal/observability"
)

const deliveryTimeout = 2 * time.Second

// Backend delivers encoded events
type Backend interface {
	Publish(ctx context.Context, sessionID string, payload []byte) error
	MarkLatest(ctx context.Context, sessionID string) error
	HealthCheck(ctx context.Context) error
	Close() error
}

type item struct {
	sessionID string
	event     Event
	latest    bool
}

// Publisher hands events to a single delivery goroutine through a bounded
// queue. Publishing never blocks the caller; events are dropped and
// counted when the queue is full.
type Publisher struct {
	backend Backend
	queue   chan item
	done    chan struct{}
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPublisher starts the delivery goroutine
func NewPublisher(backend Backend, size int, logger zerolog.Logger) *Publisher {
	if size < 1 {
		size = 1
	}
	p := &Publisher{
		backend: backend,
		queue:   make(chan item, size),
		done:    make(chan struct{}),
		logger:  logger.With().Str("component", "eventbus").Logger(),
	}
	go p.run()
	return p
}

// Publish queues ev for the session's channel. It reports whether the
// event was accepted.
func (p *Publisher) Publish(sessionID string, ev Event) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return p.enqueue(item{sessionID: sessionID, event: ev})
}

// CallStarted records sessionID as the most recent call
func (p *Publisher) CallStarted(sessionID string) bool {
	return p.enqueue(item{sessionID: sessionID, latest: true})
}

func (p *Publisher) enqueue(it item) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		observability.RecordEventDropped("closed")
		return false
	}
	select {
	case p.queue <- it:
		return true
	default:
		observability.RecordEventDropped("queue_full")
		p.logger.Warn().Str("session_id", it.sessionID).Str("type", string(it.event.Type)).Msg("Event queue full, dropping event")
		return false
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for it := range p.queue {
		p.deliver(it)
	}
}

func (p *Publisher) deliver(it item) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	if it.latest {
		if err := p.backend.MarkLatest(ctx, it.sessionID); err != nil {
			p.logger.Error().Err(err).Str("session_id", it.sessionID).Msg("Failed to record latest call")
		}
		return
	}

	payload, err := json.Marshal(it.event)
	if err != nil {
		observability.RecordEventDropped("encode")
		p.logger.Error().Err(err).Str("type", string(it.event.Type)).Msg("Failed to encode event")
		return
	}
	if err := p.backend.Publish(ctx, it.sessionID, payload); err != nil {
		observability.RecordEventDropped("backend")
		p.logger.Error().Err(err).Str("session_id", it.sessionID).Str("type", string(it.event.Type)).Msg("Failed to publish event")
		return
	}
	observability.RecordEventPublished(string(it.event.Type))
}

// Close stops accepting events and waits for queued ones to be delivered
// or for ctx to end
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.backend.Close()
}

// HealthCheck checks the backend
func (p *Publisher) HealthCheck(ctx context.Context) error {
	return p.backend.HealthCheck(ctx)
}

// Session binds a publisher to one call
type Session struct {
	p  *Publisher
	id string
}

// For returns a handle publishing on sessionID's channel
func (p *Publisher) For(sessionID string) Session {
	return Session{p: p, id: sessionID}
}

// Publish queues ev. A zero Session discards events.
func (s Session) Publish(ev Event) {
	if s.p == nil {
		return
	}
	s.p.Publish(s.id, ev)
}
