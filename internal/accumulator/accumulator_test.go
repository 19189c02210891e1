package accumulator

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/lexiqai/claims-voice/internal/stt"
)

func interim(text string) stt.Fragment { return stt.Fragment{Text: text} }
func final(text string) stt.Fragment   { return stt.Fragment{Text: text, Final: true} }
func endOfTurn() stt.Fragment          { return stt.Fragment{EndOfTurn: true} }

func TestAccumulator_SingleUtterance(t *testing.T) {
	a := New()

	steps := []struct {
		frag     stt.Fragment
		wantKind Kind
		wantText string
	}{
		{interim("my"), Interim, "my"},
		{interim("my car"), Interim, "my car"},
		{final("My car was hit"), Interim, "My car was hit"},
		{interim("last"), Interim, "My car was hit last"},
		{final("last Tuesday."), Interim, "My car was hit last Tuesday."},
		{endOfTurn(), Utterance, "My car was hit last Tuesday."},
	}

	for i, s := range steps {
		got := a.Feed(s.frag, true)
		if got.Kind != s.wantKind || got.Text != s.wantText {
			t.Errorf("Step %d: expected %s %q, got %s %q", i, s.wantKind, s.wantText, got.Kind, got.Text)
		}
	}
	if a.State() != Idle {
		t.Errorf("Expected Idle after end of turn, got %s", a.State())
	}
}

func TestAccumulator_EmptyBufferAtEndOfTurn(t *testing.T) {
	a := New()

	if got := a.Feed(endOfTurn(), true); got.Kind != None {
		t.Errorf("Expected None for bare end of turn, got %s", got.Kind)
	}

	// Interims alone never become an utterance.
	a.Feed(interim("um"), true)
	if got := a.Feed(endOfTurn(), true); got.Kind != None {
		t.Errorf("Expected None when only interims arrived, got %s %q", got.Kind, got.Text)
	}
}

func TestAccumulator_SpeechFinalCarriesText(t *testing.T) {
	a := New()
	a.Feed(final("I need to file"), true)

	got := a.Feed(stt.Fragment{Text: "a claim", Final: true, EndOfTurn: true}, true)
	if got.Kind != Utterance || got.Text != "I need to file a claim" {
		t.Errorf("Expected utterance 'I need to file a claim', got %s %q", got.Kind, got.Text)
	}
}

func TestAccumulator_ExactlyOneUtterance(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	words := []string{"policy", "hail", "damage", "roof", "windshield", "Tuesday", "claim"}

	for round := 0; round < 200; round++ {
		a := New()
		var finals []string
		utterances := 0
		var got string

		n := rng.IntN(6)
		for i := 0; i < n; i++ {
			for j := rng.IntN(3); j > 0; j-- {
				if r := a.Feed(interim(words[rng.IntN(len(words))]), true); r.Kind == Utterance {
					utterances++
				}
			}
			w := "  " + words[rng.IntN(len(words))] + " "
			finals = append(finals, strings.TrimSpace(w))
			if r := a.Feed(final(w), true); r.Kind == Utterance {
				utterances++
			}
		}
		if r := a.Feed(endOfTurn(), true); r.Kind == Utterance {
			utterances++
			got = r.Text
		}

		want := strings.Join(finals, " ")
		if n == 0 {
			if utterances != 0 {
				t.Fatalf("Round %d: expected no utterance for empty buffer, got %d", round, utterances)
			}
			continue
		}
		if utterances != 1 {
			t.Fatalf("Round %d: expected exactly one utterance, got %d", round, utterances)
		}
		if got != want {
			t.Fatalf("Round %d: expected %q, got %q", round, want, got)
		}
	}
}

func TestAccumulator_GatedFragmentsAreDropped(t *testing.T) {
	a := New()

	if got := a.Feed(interim("hello"), false); got.Kind != Dropped || got.Text != "hello" {
		t.Errorf("Expected Dropped 'hello', got %s %q", got.Kind, got.Text)
	}
	if got := a.Feed(stt.Fragment{Text: "hello there", Final: true, EndOfTurn: true}, false); got.Kind != Dropped {
		t.Errorf("Expected Dropped for gated end of turn, got %s", got.Kind)
	}
	if a.State() != Idle {
		t.Errorf("Expected Idle, got %s", a.State())
	}

	// Nothing from the gated period leaks into the next turn.
	a.Feed(final("new question"), true)
	if got := a.Feed(endOfTurn(), true); got.Text != "new question" {
		t.Errorf("Expected 'new question', got %q", got.Text)
	}
}

func TestAccumulator_GatedEndOfTurnDiscardsBuffer(t *testing.T) {
	a := New()
	a.Feed(final("half a sentence"), true)

	if got := a.Feed(endOfTurn(), false); got.Kind != Dropped {
		t.Errorf("Expected Dropped, got %s", got.Kind)
	}
	if got := a.Feed(endOfTurn(), true); got.Kind != None {
		t.Errorf("Expected buffer to be discarded, got %s %q", got.Kind, got.Text)
	}
}

func TestAccumulator_EmptyGatedFragment(t *testing.T) {
	a := New()
	if got := a.Feed(stt.Fragment{}, false); got.Kind != None {
		t.Errorf("Expected None for empty gated fragment, got %s", got.Kind)
	}
}

func TestAccumulator_ProgressDoesNotAlias(t *testing.T) {
	a := New()
	a.Feed(final("one"), true)
	a.Feed(interim("two"), true)
	a.Feed(final("three"), true)

	if got := a.Progress(); got != "one three" {
		t.Errorf("Expected 'one three', got %q", got)
	}
}
