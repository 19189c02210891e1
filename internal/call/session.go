// Package call runs the turn-taking state machine of each live call.
package call

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lexiqai/claims-voice/internal/accumulator"
	"github.com/lexiqai/claims-voice/internal/config"
	"github.com/lexiqai/claims-voice/internal/eventbus"
	"github.com/lexiqai/claims-voice/internal/llm"
	"github.com/lexiqai/claims-voice/internal/observability"
	"github.com/lexiqai/claims-voice/internal/orchestrator"
	"github.com/lexiqai/claims-voice/internal/stt"
	"github.com/lexiqai/claims-voice/internal/tts"
)

// State is the turn state of a call
type State int32

const (
	Listening State = iota
	Thinking
	Speaking
)

func (s State) String() string {
	switch s {
	case Listening:
		return "LISTENING"
	case Thinking:
		return "THINKING"
	case Speaking:
		return "SPEAKING"
	}
	return "UNKNOWN"
}

// Responder answers utterances. *orchestrator.Bridge implements it.
type Responder interface {
	Respond(ctx context.Context, turn orchestrator.Turn, sink tts.Sink) (orchestrator.Outcome, error)
	Apologize(ctx context.Context, sink tts.Sink) error
}

// Config bounds per-session resources
type Config struct {
	HistoryMax int
	Mailbox    int
}

// ConfigFrom extracts the session settings from the service config
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		HistoryMax: cfg.HistoryMaxMessages,
		Mailbox:    64,
	}
}

// Params describe a new session
type Params struct {
	ID          string // media stream id
	CallID      string
	CallerPhone string

	Responder Responder
	Sink      tts.Sink
	Events    eventbus.Session
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
	Config    Config
}

type turnEventKind int

const (
	turnSpeaking turnEventKind = iota
	turnFinished
)

type turnEvent struct {
	kind      turnEventKind
	utterance string
	outcome   orchestrator.Outcome
	err       error
}

// Session is one call's conversation. Its state, history and lock are
// owned by the Run goroutine; everything else talks to it by message.
type Session struct {
	ID          string
	CallID      string
	CallerPhone string

	responder Responder
	sink      tts.Sink
	events    eventbus.Session
	metrics   *observability.Metrics
	logger    zerolog.Logger
	cfg       Config

	fragments  chan stt.Fragment
	turnEvents chan turnEvent
	done       chan struct{}
	turns      sync.WaitGroup

	// owned by Run
	state   State
	busy    bool
	acc     *accumulator.Accumulator
	history []llm.Message
	lock    *orchestrator.Lock

	observed atomic.Int32
}

// NewSession creates a session in LISTENING. Call Run to start it.
func NewSession(p Params) *Session {
	if p.Config.Mailbox < 1 {
		p.Config.Mailbox = 64
	}
	if p.Metrics == nil {
		p.Metrics = observability.NewCallMetrics(p.CallID)
	}
	return &Session{
		ID:          p.ID,
		CallID:      p.CallID,
		CallerPhone: p.CallerPhone,
		responder:   p.Responder,
		sink:        p.Sink,
		events:      p.Events,
		metrics:     p.Metrics,
		logger:      p.Logger.With().Str("session_id", p.ID).Logger(),
		cfg:         p.Config,
		fragments:   make(chan stt.Fragment, p.Config.Mailbox),
		// one turn in flight sends at most three events: speaking, a second
		// speaking before the apology, finished
		turnEvents: make(chan turnEvent, 3),
		done:       make(chan struct{}),
		acc:        accumulator.New(),
	}
}

// State returns the last state the run loop entered
func (s *Session) State() State {
	return State(s.observed.Load())
}

// Done is closed when Run returned
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ErrSessionClosed is returned by Fragment after Run returned
var ErrSessionClosed = errors.New("session closed")

// Fragment hands a transcript fragment to the run loop
func (s *Session) Fragment(ctx context.Context, f stt.Fragment) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.fragments <- f:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the session until ctx is cancelled. An in-flight turn is
// cancelled with ctx and waited for before Run returns.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	s.setState(Listening)
	for {
		select {
		case <-ctx.Done():
			s.turns.Wait()
			s.logger.Debug().Int("history", len(s.history)).Msg("Session stopped")
			return nil

		case f := <-s.fragments:
			s.onFragment(ctx, f)

		case ev := <-s.turnEvents:
			s.onTurnEvent(ev)
		}
	}
}

func (s *Session) onFragment(ctx context.Context, f stt.Fragment) {
	observability.RecordFragment(f.Kind())

	res := s.acc.Feed(f, s.state == Listening)
	switch res.Kind {
	case accumulator.Interim:
		s.events.Publish(eventbus.Interim(res.Text))

	case accumulator.Dropped:
		observability.RecordUtteranceDropped(strings.ToLower(s.state.String()))
		s.logger.Debug().
			Str("state", s.state.String()).
			Str("kind", f.Kind()).
			Str("text", res.Text).
			Msg("Dropping caller speech while not listening")
		if res.Text != "" {
			s.events.Publish(eventbus.Interim(res.Text))
		}

	case accumulator.Utterance:
		s.accept(ctx, res.Text)
	}
}

func (s *Session) accept(ctx context.Context, utterance string) {
	if s.state != Listening || s.busy {
		observability.RecordUtteranceDropped("busy")
		s.logger.Warn().Str("state", s.state.String()).Msg("Utterance arrived outside LISTENING, dropping")
		return
	}

	s.logger.Info().Str("utterance", utterance).Msg("Caller utterance")
	s.events.Publish(eventbus.Transcript(eventbus.SourceUser, utterance))

	turn := orchestrator.Turn{
		CallID:       s.CallID,
		Utterance:    utterance,
		History:      slices.Clone(s.history),
		Lock:         s.lock,
		CallerPhone:  s.CallerPhone,
		Events:       s.events,
		OnSpeaking:   func() { s.turnEvents <- turnEvent{kind: turnSpeaking} },
		OnFirstAudio: s.metrics.RecordFirstAudio,
	}

	s.busy = true
	s.setState(Thinking)
	s.metrics.RecordTurnStart()

	s.turns.Add(1)
	go s.runTurn(ctx, turn)
}

// runTurn answers one utterance. Failures and panics end in the spoken
// apology; the run loop always gets exactly one finished event.
func (s *Session) runTurn(ctx context.Context, turn orchestrator.Turn) {
	defer s.turns.Done()

	var (
		out orchestrator.Outcome
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("turn panicked: %v", r)
			s.logger.Error().Str("stack", string(debug.Stack())).Msg("Recovered panic in turn")
		}
		if err != nil && ctx.Err() == nil {
			s.metrics.RecordError("turn_failed", "session")
			s.logger.Error().Err(err).Msg("Turn failed, apologizing")
			s.turnEvents <- turnEvent{kind: turnSpeaking}
			if aerr := s.apologize(ctx); aerr != nil {
				s.logger.Error().Err(aerr).Msg("Failed to speak apology")
			}
		}
		s.turnEvents <- turnEvent{kind: turnFinished, utterance: turn.Utterance, outcome: out, err: err}
	}()

	out, err = s.responder.Respond(ctx, turn, s.sink)
}

func (s *Session) apologize(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("apology panicked: %v", r)
		}
	}()
	s.events.Publish(eventbus.Transcript(eventbus.SourceBot, orchestrator.Apology))
	return s.responder.Apologize(ctx, s.sink)
}

func (s *Session) onTurnEvent(ev turnEvent) {
	switch ev.kind {
	case turnSpeaking:
		if s.state == Thinking {
			s.setState(Speaking)
		}

	case turnFinished:
		s.busy = false
		switch {
		case ev.err == nil:
			s.remember(ev.utterance, ev.outcome)
			s.metrics.RecordTurnEnd("completed")
		case errors.Is(ev.err, context.Canceled):
			s.metrics.RecordTurnEnd("cancelled")
		default:
			s.metrics.RecordTurnEnd("failed")
		}
		s.setState(Listening)
	}
}

// remember appends a completed exchange to the history and applies any
// lock change
func (s *Session) remember(utterance string, out orchestrator.Outcome) {
	s.history = append(s.history, llm.UserMessage(utterance))
	if out.Reply != "" {
		s.history = append(s.history, llm.AssistantMessage(out.Reply))
		s.events.Publish(eventbus.Transcript(eventbus.SourceBot, out.Reply))
	}
	if limit := s.cfg.HistoryMax; limit > 0 && len(s.history) > limit {
		s.history = slices.Delete(s.history, 0, len(s.history)-limit)
	}

	if out.LockChanged {
		s.lock = out.Lock
		if out.Lock != nil {
			s.logger.Info().Str("policy_id", out.Lock.PolicyID).Msg("Session locked on claim")
		} else {
			s.logger.Info().Msg("Session lock cleared")
		}
	}
}

func (s *Session) setState(st State) {
	s.state = st
	s.observed.Store(int32(st))
	observability.RecordStateTransition(st.String())
	s.events.Publish(eventbus.StateUpdate(st.String(), nil))
	s.logger.Debug().Str("state", st.String()).Msg("Turn state")
}
