// Package telephony terminates the carrier's bidirectional media stream:
// one websocket per call leg, carrying base64 mu-law audio both ways.
package telephony

// Media stream event names
const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventMark      = "mark"
	eventStop      = "stop"
	eventDTMF      = "dtmf"
)

// streamMessage is any message received from the media stream
type streamMessage struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSid      string `json:"streamSid,omitempty"`

	Start *startPayload `json:"start,omitempty"`
	Media *mediaPayload `json:"media,omitempty"`
	Mark  *markPayload  `json:"mark,omitempty"`
	Stop  *stopPayload  `json:"stop,omitempty"`
	DTMF  *dtmfPayload  `json:"dtmf,omitempty"`
}

type startPayload struct {
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      mediaFormat       `json:"mediaFormat"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"` // sequence within the track
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64 mu-law
}

type markPayload struct {
	Name string `json:"name"`
}

type stopPayload struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

type dtmfPayload struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

// outboundMedia plays audio to the caller
type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

// outboundMark asks the stream to echo name once everything before it played
type outboundMark struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid"`
	Mark      markPayload `json:"mark"`
}

// callerParam is the custom stream parameter carrying the caller's number
const callerParam = "from"
