package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/claims-voice/internal/audio"
	"github.com/lexiqai/claims-voice/internal/call"
	"github.com/lexiqai/claims-voice/internal/config"
	"github.com/lexiqai/claims-voice/internal/eventbus"
	"github.com/lexiqai/claims-voice/internal/observability"
	"github.com/lexiqai/claims-voice/internal/stt"
)

// errCallEnded stops a call's goroutines after the stream said goodbye
var errCallEnded = errors.New("call ended")

// Options bound the resources of each call leg
type Options struct {
	InboundQueue  int
	OutboundQueue int
	Session       call.Config
	Activity      audio.ActivityConfig
}

// OptionsFrom extracts the call leg settings from the service config
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		InboundQueue:  cfg.InboundAudioQueue,
		OutboundQueue: cfg.OutboundQueue,
		Session:       call.ConfigFrom(cfg),
		Activity: audio.ActivityConfig{
			EnergyThreshold: cfg.SpeechEnergyThreshold,
			SilenceFrames:   cfg.SpeechSilenceFrames,
		},
	}
}

// Handler accepts media stream websockets and runs one call per connection
type Handler struct {
	registry     *call.Registry
	responder    call.Responder
	transcribers stt.Factory
	events       *eventbus.Publisher
	opts         Options
	logger       zerolog.Logger
	upgrader     websocket.Upgrader

	base  context.Context
	calls sync.WaitGroup
}

// NewHandler creates a handler. Cancelling ctx hangs up every call.
func NewHandler(ctx context.Context, registry *call.Registry, responder call.Responder, transcribers stt.Factory, events *eventbus.Publisher, opts Options, logger zerolog.Logger) *Handler {
	if opts.InboundQueue < 1 {
		opts.InboundQueue = 256
	}
	return &Handler{
		registry:     registry,
		responder:    responder,
		transcribers: transcribers,
		events:       events,
		opts:         opts,
		logger:       logger,
		upgrader: websocket.Upgrader{
			// The carrier connects from its own address ranges; origin is not meaningful
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		base: ctx,
	}
}

// ServeHTTP upgrades the request and runs the call until it ends
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.calls.Add(1)
	defer h.calls.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade media stream")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.base, cancel)
	defer stop()

	if err := h.serve(ctx, conn); err != nil {
		h.logger.Error().Err(err).Msg("Call failed")
	}
}

// Drain waits for every call to finish or ctx to expire
func (h *Handler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitStart reads until the stream announces the call
func awaitStart(conn *websocket.Conn) (*startPayload, error) {
	for {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return nil, err
		}
		switch msg.Event {
		case eventConnected:
			continue
		case eventStart:
			if msg.Start == nil {
				return nil, fmt.Errorf("start event without payload")
			}
			if msg.Start.StreamSid == "" {
				msg.Start.StreamSid = msg.StreamSid
			}
			return msg.Start, nil
		case eventStop:
			return nil, errCallEnded
		}
	}
}

// serve runs one call leg: the socket reader, the audio forwarder, the
// transcript relay, the session and the outbound writer share one errgroup
func (h *Handler) serve(ctx context.Context, conn *websocket.Conn) error {
	start, err := awaitStart(conn)
	if err != nil {
		if errors.Is(err, errCallEnded) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil
		}
		return fmt.Errorf("waiting for stream start: %w", err)
	}

	logger := observability.CallLogger(start.CallSid, start.StreamSid)
	metrics := observability.NewCallMetrics(start.CallSid)
	sink := NewSink(conn, start.StreamSid, h.opts.OutboundQueue, metrics, logger)

	session, err := h.registry.Create(call.Params{
		ID:          start.StreamSid,
		CallID:      start.CallSid,
		CallerPhone: start.CustomParameters[callerParam],
		Responder:   h.responder,
		Sink:        sink,
		Events:      h.events.For(start.StreamSid),
		Metrics:     metrics,
		Logger:      logger,
		Config:      h.opts.Session,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Rejecting call")
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return nil
	}
	defer h.registry.Remove(start.StreamSid)

	transcriber := h.transcribers()
	if err := transcriber.Start(ctx); err != nil {
		metrics.RecordError("transcriber_start", "stt")
		return fmt.Errorf("starting transcriber: %w", err)
	}

	metrics.RecordCallStart()
	defer metrics.RecordCallEnd()
	h.events.CallStarted(start.StreamSid)

	logger.Info().
		Str("caller", start.CustomParameters[callerParam]).
		Str("encoding", start.MediaFormat.Encoding).
		Int("sample_rate", start.MediaFormat.SampleRate).
		Msg("Call started")
	began := time.Now()

	inbound := make(chan []byte, h.opts.InboundQueue)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		// unblock the reader and end the fragment stream
		_ = conn.SetReadDeadline(time.Now())
		if err := transcriber.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close transcriber")
		}
		return nil
	})
	g.Go(func() error { return sink.Run(gctx) })
	g.Go(func() error { return session.Run(gctx) })
	g.Go(func() error { return h.forwardAudio(gctx, inbound, transcriber, session, metrics, logger) })
	g.Go(func() error { return relayFragments(gctx, transcriber, session) })
	g.Go(func() error { return h.read(gctx, conn, inbound, sink, metrics, logger) })

	err = g.Wait()
	logger.Info().Dur("duration", time.Since(began)).Msg("Call ended")
	if errors.Is(err, errCallEnded) {
		return nil
	}
	return err
}

// read never blocks on the rest of the call: inbound audio that does not
// fit the queue is dropped
func (h *Handler) read(ctx context.Context, conn *websocket.Conn, inbound chan<- []byte, sink *Sink, metrics *observability.Metrics, logger zerolog.Logger) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("Media stream read error")
			}
			return errCallEnded
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn().Err(err).Msg("Unparseable media stream message")
			continue
		}

		switch msg.Event {
		case eventMedia:
			if msg.Media == nil || (msg.Media.Track != "" && msg.Media.Track != "inbound") {
				continue
			}
			chunk, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				metrics.RecordError("bad_payload", "telephony")
				continue
			}
			select {
			case inbound <- chunk:
			default:
				metrics.RecordInboundDrop()
			}

		case eventMark:
			if msg.Mark != nil {
				sink.Acknowledge(msg.Mark.Name)
			}

		case eventDTMF:
			if msg.DTMF != nil {
				logger.Debug().Str("digit", msg.DTMF.Digit).Msg("Ignoring keypad digit")
			}

		case eventStop:
			logger.Info().Msg("Stream stopped")
			return errCallEnded

		default:
			logger.Debug().Str("event", msg.Event).Msg("Ignoring media stream event")
		}
	}
}

// forwardAudio feeds inbound audio to the transcriber and tracks caller
// speech onsets for the metrics
func (h *Handler) forwardAudio(ctx context.Context, inbound <-chan []byte, transcriber stt.Transcriber, session *call.Session, metrics *observability.Metrics, logger zerolog.Logger) error {
	activity := audio.NewActivityDetector(h.opts.Activity)
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk := <-inbound:
			metrics.RecordAudioBytes("in", int64(len(chunk)))
			if started, _ := activity.Observe(chunk); started {
				state := session.State()
				observability.RecordSpeechOnset(strings.ToLower(state.String()))
				if state != call.Listening {
					logger.Debug().Str("state", state.String()).Msg("Caller speaking over the response")
				}
			}
			if err := transcriber.SendAudio(chunk); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				metrics.RecordError("send_audio", "stt")
				logger.Warn().Err(err).Msg("Failed to forward audio to transcriber")
			}
		}
	}
}

// relayFragments hands recognized speech to the session in arrival order
func relayFragments(ctx context.Context, transcriber stt.Transcriber, session *call.Session) error {
	fragments := transcriber.Fragments()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-fragments:
			if !ok {
				return nil
			}
			if err := session.Fragment(ctx, f); err != nil {
				if errors.Is(err, call.ErrSessionClosed) || ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}
