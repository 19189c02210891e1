package orchestrator

import (
	"github.com/lexiqai/claims-voice/internal/eventbus"
	"github.com/lexiqai/claims-voice/internal/llm"
	"github.com/lexiqai/claims-voice/internal/retrieval"
)

// Lock pins a session to one claim. Follow-up searches are scoped to it.
type Lock struct {
	PolicyID string
	Record   retrieval.Record
}

// Turn is everything the bridge needs to answer one utterance. The bridge
// never mutates the history or the lock; changes come back in Outcome.
type Turn struct {
	CallID      string
	Utterance   string
	History     []llm.Message
	Lock        *Lock
	CallerPhone string

	// Events receives the turn's state_update
	Events eventbus.Session

	// OnSpeaking runs once when the first unit of the reply is dispatched
	OnSpeaking func()

	// OnFirstAudio runs once just before the first frame reaches the sink
	OnFirstAudio func()
}

// Outcome is the result of a completed turn
type Outcome struct {
	// Reply is the text actually spoken
	Reply string

	// Lock is the session lock after the turn; nil when none
	Lock        *Lock
	LockChanged bool

	Query        string
	ResultsFound int
}
