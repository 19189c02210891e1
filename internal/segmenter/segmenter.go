// Package segmenter splits streamed response text into speakable sentence units.
package segmenter

import (
	"bytes"
	"iter"
	"unicode"
	"unicode/utf8"
)

// DefaultTerminators are the characters that end a sentence
const DefaultTerminators = ".?!"

// Unit is one sentence-bounded slice of generated text.
// Final is set only on a remainder flushed without a terminator.
type Unit struct {
	Seq   int
	Text  string
	Final bool
}

// Speakable reports whether the unit contains anything worth synthesizing
func (u Unit) Speakable() bool {
	for _, r := range u.Text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// Segmenter is an incremental sentence scanner. Bytes before the scan
// offset are known to contain no terminator and are never examined again.
// A Segmenter is not safe for concurrent use.
type Segmenter struct {
	terminators string
	pending     []byte
	scanned     int
	seq         int
}

// New creates a segmenter. An empty terminator set selects DefaultTerminators.
func New(terminators string) *Segmenter {
	if terminators == "" {
		terminators = DefaultTerminators
	}
	return &Segmenter{terminators: terminators}
}

// Push appends a token and returns the units it completed, in text order
func (s *Segmenter) Push(token string) []Unit {
	if token == "" {
		return nil
	}
	s.pending = append(s.pending, token...)

	var units []Unit
	for {
		i := bytes.IndexAny(s.pending[s.scanned:], s.terminators)
		if i < 0 {
			s.scanned = len(s.pending)
			return units
		}
		end := s.scanned + i
		_, width := utf8.DecodeRune(s.pending[end:])
		end += width

		units = append(units, s.emit(string(s.pending[:end]), false))
		s.pending = s.pending[end:]
		s.scanned = 0
	}
}

// Flush emits the unterminated remainder, if any, and resets the buffer
func (s *Segmenter) Flush() (Unit, bool) {
	if len(s.pending) == 0 {
		return Unit{}, false
	}
	u := s.emit(string(s.pending), true)
	s.pending = nil
	s.scanned = 0
	return u, true
}

// Pending returns the number of buffered bytes not yet emitted
func (s *Segmenter) Pending() int {
	return len(s.pending)
}

func (s *Segmenter) emit(text string, final bool) Unit {
	u := Unit{Seq: s.seq, Text: text, Final: final}
	s.seq++
	return u
}

// Split lazily segments a token sequence. Every range over the returned
// sequence starts a fresh scan, so it can be replayed when tokens can.
func Split(tokens iter.Seq[string], terminators string) iter.Seq[Unit] {
	return func(yield func(Unit) bool) {
		s := New(terminators)
		for tok := range tokens {
			for _, u := range s.Push(tok) {
				if !yield(u) {
					return
				}
			}
		}
		if u, ok := s.Flush(); ok {
			yield(u)
		}
	}
}
