package call

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/claims-voice/internal/audio"
	"github.com/lexiqai/claims-voice/internal/eventbus"
	"github.com/lexiqai/claims-voice/internal/orchestrator"
	"github.com/lexiqai/claims-voice/internal/stt"
	"github.com/lexiqai/claims-voice/internal/tts"
)

// eventLog is an event bus backend that keeps every event
type eventLog struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (l *eventLog) Publish(ctx context.Context, sessionID string, payload []byte) error {
	var ev eventbus.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) MarkLatest(ctx context.Context, sessionID string) error { return nil }
func (l *eventLog) HealthCheck(ctx context.Context) error                  { return nil }
func (l *eventLog) Close() error                                           { return nil }

func (l *eventLog) states() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.events {
		if ev.Type == eventbus.TypeStateUpdate && ev.State != "" {
			out = append(out, ev.State)
		}
	}
	return out
}

func (l *eventLog) count(typ eventbus.Type, source string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == typ && ev.Source == source {
			n++
		}
	}
	return n
}

type nopSink struct{}

func (nopSink) WriteFrame(ctx context.Context, f audio.Frame) error { return nil }
func (nopSink) Mark(ctx context.Context, name string) error         { return nil }

// scriptedResponder runs respond for the n-th turn (starting at 1)
type scriptedResponder struct {
	mu        sync.Mutex
	turns     []orchestrator.Turn
	respond   func(ctx context.Context, n int, turn orchestrator.Turn) (orchestrator.Outcome, error)
	apologies atomic.Int32
}

func (r *scriptedResponder) Respond(ctx context.Context, turn orchestrator.Turn, sink tts.Sink) (orchestrator.Outcome, error) {
	r.mu.Lock()
	r.turns = append(r.turns, turn)
	n := len(r.turns)
	r.mu.Unlock()
	return r.respond(ctx, n, turn)
}

func (r *scriptedResponder) Apologize(ctx context.Context, sink tts.Sink) error {
	r.apologies.Add(1)
	return nil
}

func (r *scriptedResponder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

func (r *scriptedResponder) turn(i int) orchestrator.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turns[i]
}

// startSession runs a session; the returned stop cancels it and drains the bus
func startSession(t *testing.T, r Responder) (*Session, *eventLog, func()) {
	t.Helper()
	log := &eventLog{}
	pub := eventbus.NewPublisher(log, 256, zerolog.Nop())
	s := NewSession(Params{
		ID:        "MZ1",
		CallID:    "CA1",
		Responder: r,
		Sink:      nopSink{},
		Events:    pub.For("MZ1"),
		Logger:    zerolog.Nop(),
		Config:    Config{HistoryMax: 4},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-s.Done()
			_ = pub.Close(context.Background())
		})
	}
	t.Cleanup(stop)
	return s, log, stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func say(t *testing.T, s *Session, text string) {
	t.Helper()
	ctx := context.Background()
	if err := s.Fragment(ctx, stt.Fragment{Text: text, Final: true}); err != nil {
		t.Fatalf("Fragment failed: %v", err)
	}
	if err := s.Fragment(ctx, stt.Fragment{EndOfTurn: true}); err != nil {
		t.Fatalf("Fragment failed: %v", err)
	}
}

func TestSession_TurnTransitions(t *testing.T) {
	speak := make(chan struct{})
	finish := make(chan struct{})
	r := &scriptedResponder{respond: func(ctx context.Context, n int, turn orchestrator.Turn) (orchestrator.Outcome, error) {
		<-speak
		turn.OnSpeaking()
		<-finish
		return orchestrator.Outcome{Reply: "I found claim POL-204."}, nil
	}}
	s, log, stop := startSession(t, r)

	say(t, s, "My car was hit last Tuesday")
	waitFor(t, "THINKING", func() bool { return s.State() == Thinking })

	close(speak)
	waitFor(t, "SPEAKING", func() bool { return s.State() == Speaking })

	close(finish)
	waitFor(t, "LISTENING", func() bool { return s.State() == Listening })
	stop()

	want := []string{"LISTENING", "THINKING", "SPEAKING", "LISTENING"}
	if got := log.states(); !slices.Equal(got, want) {
		t.Errorf("Expected states %v, got %v", want, got)
	}
	if log.count(eventbus.TypeTranscript, eventbus.SourceUser) != 1 || log.count(eventbus.TypeTranscript, eventbus.SourceBot) != 1 {
		t.Error("Expected one user and one bot transcript")
	}
	if r.turn(0).Utterance != "My car was hit last Tuesday" {
		t.Errorf("Unexpected utterance %q", r.turn(0).Utterance)
	}
}

func TestSession_HistoryAndLockCarryOver(t *testing.T) {
	lock := &orchestrator.Lock{PolicyID: "POL-204"}
	r := &scriptedResponder{respond: func(ctx context.Context, n int, turn orchestrator.Turn) (orchestrator.Outcome, error) {
		if n == 1 {
			return orchestrator.Outcome{Reply: "Found it.", Lock: lock, LockChanged: true}, nil
		}
		return orchestrator.Outcome{Reply: "It is open."}, nil
	}}
	s, _, _ := startSession(t, r)

	say(t, s, "my car was hit")
	waitFor(t, "first turn", func() bool { return r.calls() == 1 && s.State() == Listening })

	say(t, s, "what's the status")
	waitFor(t, "second turn", func() bool { return r.calls() == 2 && s.State() == Listening })

	second := r.turn(1)
	if second.Lock != lock {
		t.Errorf("Expected lock carried into the next turn, got %+v", second.Lock)
	}
	if len(second.History) != 2 || second.History[0].Content != "my car was hit" || second.History[1].Content != "Found it." {
		t.Errorf("Unexpected history %+v", second.History)
	}

	// HistoryMax is 4: a third turn sees the two most recent exchanges only.
	say(t, s, "thanks")
	waitFor(t, "third turn", func() bool { return r.calls() == 3 && s.State() == Listening })
	if h := r.turn(2).History; len(h) != 4 || h[0].Content != "my car was hit" {
		t.Errorf("Unexpected history %+v", h)
	}

	say(t, s, "bye")
	waitFor(t, "fourth turn", func() bool { return r.calls() == 4 })
	if h := r.turn(3).History; len(h) != 4 || h[0].Content != "what's the status" {
		t.Errorf("Expected oldest exchange trimmed, got %+v", h)
	}
}

func TestSession_SpeakingDiscardsFragments(t *testing.T) {
	finish := make(chan struct{})
	r := &scriptedResponder{respond: func(ctx context.Context, n int, turn orchestrator.Turn) (orchestrator.Outcome, error) {
		if n == 1 {
			turn.OnSpeaking()
			<-finish
		}
		return orchestrator.Outcome{Reply: "ok"}, nil
	}}
	s, log, _ := startSession(t, r)

	say(t, s, "first question")
	waitFor(t, "SPEAKING", func() bool { return s.State() == Speaking })

	ctx := context.Background()
	_ = s.Fragment(ctx, stt.Fragment{Text: "hello", Final: true})
	_ = s.Fragment(ctx, stt.Fragment{Text: "there", Final: true, EndOfTurn: true})
	waitFor(t, "dropped fragments mirrored", func() bool {
		// one interim from the first question plus the two dropped fragments
		return log.count(eventbus.TypeInterimTranscript, eventbus.SourceUser) >= 3
	})

	if s.State() != Speaking {
		t.Errorf("Expected SPEAKING until the response completes, got %s", s.State())
	}
	if r.calls() != 1 {
		t.Errorf("Expected no utterance from dropped fragments, got %d calls", r.calls())
	}

	close(finish)
	waitFor(t, "LISTENING", func() bool { return s.State() == Listening })

	_ = s.Fragment(ctx, stt.Fragment{Text: "new question", Final: true, EndOfTurn: true})
	waitFor(t, "second turn", func() bool { return r.calls() == 2 })
	if got := r.turn(1).Utterance; got != "new question" {
		t.Errorf("Expected nothing carried over from SPEAKING, got %q", got)
	}
}

func TestSession_ApologizesOnError(t *testing.T) {
	r := &scriptedResponder{respond: func(ctx context.Context, n int, turn orchestrator.Turn) (orchestrator.Outcome, error) {
		if n == 1 {
			return orchestrator.Outcome{}, errors.New("synthesis connection dropped")
		}
		return orchestrator.Outcome{Reply: "ok"}, nil
	}}
	s, log, stop := startSession(t, r)

	say(t, s, "hello")
	waitFor(t, "apology", func() bool { return r.apologies.Load() == 1 && s.State() == Listening })

	say(t, s, "hello again")
	waitFor(t, "second turn", func() bool { return r.calls() == 2 })
	if h := r.turn(1).History; len(h) != 0 {
		t.Errorf("Expected failed turn kept out of history, got %+v", h)
	}

	stop()
	if log.count(eventbus.TypeTranscript, eventbus.SourceBot) < 1 {
		t.Error("Expected apology mirrored as bot transcript")
	}
}

func TestSession_ApologizesOnPanic(t *testing.T) {
	r := &scriptedResponder{respond: func(ctx context.Context, n int, turn orchestrator.Turn) (orchestrator.Outcome, error) {
		panic("nil record")
	}}
	s, _, _ := startSession(t, r)

	say(t, s, "hello")
	waitFor(t, "apology", func() bool { return r.apologies.Load() == 1 && s.State() == Listening })
}

func TestSession_HangupCancelsTurn(t *testing.T) {
	started := make(chan struct{})
	r := &scriptedResponder{respond: func(ctx context.Context, n int, turn orchestrator.Turn) (orchestrator.Outcome, error) {
		close(started)
		<-ctx.Done()
		return orchestrator.Outcome{}, ctx.Err()
	}}
	s, _, stop := startSession(t, r)

	say(t, s, "hello")
	<-started
	stop()

	if r.apologies.Load() != 0 {
		t.Error("Expected no apology after hangup")
	}
	if err := s.Fragment(context.Background(), stt.Fragment{Text: "late"}); err == nil {
		t.Error("Expected Fragment to fail after the session stopped")
	}
}

func TestSession_EmptyTurnIgnored(t *testing.T) {
	r := &scriptedResponder{respond: func(ctx context.Context, n int, turn orchestrator.Turn) (orchestrator.Outcome, error) {
		return orchestrator.Outcome{}, nil
	}}
	s, log, stop := startSession(t, r)

	_ = s.Fragment(context.Background(), stt.Fragment{Text: "um", Final: false})
	_ = s.Fragment(context.Background(), stt.Fragment{EndOfTurn: true})
	waitFor(t, "interim mirrored", func() bool {
		return log.count(eventbus.TypeInterimTranscript, eventbus.SourceUser) == 1
	})
	stop()

	if r.calls() != 0 {
		t.Errorf("Expected no turn for an empty utterance, got %d", r.calls())
	}
}
