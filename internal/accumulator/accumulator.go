// Package accumulator rebuilds caller utterances from live transcript fragments.
package accumulator

import (
	"strings"

	"github.com/lexiqai/claims-voice/internal/stt"
)

// State is the accumulator's sub-state
type State int

const (
	Idle State = iota
	Accumulating
)

func (s State) String() string {
	if s == Accumulating {
		return "ACCUMULATING"
	}
	return "IDLE"
}

// Kind tells the caller what a fed fragment produced
type Kind int

const (
	// None means the fragment changed nothing observable
	None Kind = iota
	// Interim carries non-authoritative progress text for display
	Interim
	// Utterance carries one complete caller turn
	Utterance
	// Dropped means the fragment arrived while the call was not listening
	Dropped
)

func (k Kind) String() string {
	switch k {
	case Interim:
		return "interim"
	case Utterance:
		return "utterance"
	case Dropped:
		return "dropped"
	default:
		return "none"
	}
}

// Result is the outcome of feeding one fragment
type Result struct {
	Kind Kind
	Text string
}

// Accumulator joins final fragments until the recognizer signals end of
// turn. It is owned by a single goroutine and is not safe for concurrent use.
type Accumulator struct {
	state   State
	finals  []string
	interim string
}

// New returns an idle accumulator
func New() *Accumulator {
	return &Accumulator{}
}

// State returns the current sub-state
func (a *Accumulator) State() State {
	return a.state
}

// Feed consumes one fragment. listening reports whether the call is in its
// LISTENING state; fragments arriving otherwise are never buffered, and an
// end-of-turn arriving otherwise discards whatever was buffered.
func (a *Accumulator) Feed(f stt.Fragment, listening bool) Result {
	if !listening {
		if f.EndOfTurn {
			a.Reset()
		}
		if f.Text == "" && !f.EndOfTurn {
			return Result{Kind: None}
		}
		return Result{Kind: Dropped, Text: f.Text}
	}

	var progressed bool
	if text := strings.TrimSpace(f.Text); text != "" {
		if f.Final {
			a.finals = append(a.finals, text)
			a.interim = ""
		} else {
			a.interim = text
		}
		a.state = Accumulating
		progressed = true
	}

	if f.EndOfTurn {
		utterance := strings.TrimSpace(strings.Join(a.finals, " "))
		a.Reset()
		if utterance == "" {
			return Result{Kind: None}
		}
		return Result{Kind: Utterance, Text: utterance}
	}

	if !progressed {
		return Result{Kind: None}
	}
	return Result{Kind: Interim, Text: a.Progress()}
}

// Progress returns the finals so far followed by the current interim text
func (a *Accumulator) Progress() string {
	parts := a.finals
	if a.interim != "" {
		parts = append(parts[:len(parts):len(parts)], a.interim)
	}
	return strings.Join(parts, " ")
}

// Reset discards all buffered text and returns to Idle
func (a *Accumulator) Reset() {
	a.finals = a.finals[:0]
	a.interim = ""
	a.state = Idle
}
