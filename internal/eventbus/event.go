// Package eventbus mirrors call transcripts and state to observers.
package eventbus

import "time"

// Type identifies what an event carries
type Type string

const (
	TypeTranscript        Type = "transcript"
	TypeInterimTranscript Type = "interim_transcript"
	TypeStateUpdate       Type = "state_update"
)

// Event sources
const (
	SourceUser = "user"
	SourceBot  = "bot"
)

// Event is one message on a session's channel
type Event struct {
	Type      Type           `json:"type"`
	Source    string         `json:"source,omitempty"`
	Text      string         `json:"text,omitempty"`
	State     string         `json:"state,omitempty"`
	Entities  map[string]any `json:"entities,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Transcript is a complete user utterance or bot reply
func Transcript(source, text string) Event {
	return Event{Type: TypeTranscript, Source: source, Text: text, Timestamp: time.Now()}
}

// Interim is the caller's speech in progress
func Interim(text string) Event {
	return Event{Type: TypeInterimTranscript, Source: SourceUser, Text: text, Timestamp: time.Now()}
}

// StateUpdate reports a turn state change or extracted entities
func StateUpdate(state string, entities map[string]any) Event {
	return Event{Type: TypeStateUpdate, State: state, Entities: entities, Timestamp: time.Now()}
}
