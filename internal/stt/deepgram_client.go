package stt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/claims-voice/internal/config"
	"github.com/lexiqai/claims-voice/internal/observability"
	"github.com/lexiqai/claims-voice/internal/resilience"
)

// callbackHandler embeds the SDK's default handler and overrides the
// events that carry transcripts and turn boundaries.
type callbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	onMessage      func(*msginterfaces.MessageResponse)
	onUtteranceEnd func(*msginterfaces.UtteranceEndResponse)
	onError        func(*msginterfaces.ErrorResponse)
}

func (h *callbackHandler) Message(mr *msginterfaces.MessageResponse) error {
	h.onMessage(mr)
	return nil
}

func (h *callbackHandler) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	h.onUtteranceEnd(ur)
	return nil
}

func (h *callbackHandler) Error(er *msginterfaces.ErrorResponse) error {
	h.onError(er)
	return nil
}

// DeepgramTranscriber implements Transcriber on Deepgram's live websocket API
type DeepgramTranscriber struct {
	config         *config.Config
	logger         zerolog.Logger
	circuitBreaker *resilience.CircuitBreaker

	mu        sync.RWMutex
	client    *listenClient.WSCallback
	active    bool
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	fragments chan Fragment

	closing   chan struct{}
	closeOnce sync.Once
}

// NewDeepgramTranscriber creates a transcriber for one call
func NewDeepgramTranscriber(cfg *config.Config, logger zerolog.Logger) *DeepgramTranscriber {
	cb := resilience.NewCircuitBreaker(
		"deepgram",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	).OnStateChange(func(name string, _, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
	})

	return &DeepgramTranscriber{
		config:         cfg,
		logger:         logger.With().Str("component", "deepgram").Logger(),
		circuitBreaker: cb,
		fragments:      make(chan Fragment, 100),
		closing:        make(chan struct{}),
	}
}

var sdkInit sync.Once

// NewDeepgramFactory returns a Factory bound to cfg
func NewDeepgramFactory(cfg *config.Config, logger zerolog.Logger) Factory {
	sdkInit.Do(listenClient.InitWithDefault)
	return func() Transcriber {
		return NewDeepgramTranscriber(cfg, logger)
	}
}

func (d *DeepgramTranscriber) options() *interfaces.LiveTranscriptionOptions {
	return &interfaces.LiveTranscriptionOptions{
		Model:          d.config.DeepgramModel,
		Language:       d.config.DeepgramLanguage,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		UtteranceEndMs: strconv.Itoa(d.config.DeepgramUtteranceEndMs),
		Endpointing:    strconv.Itoa(d.config.DeepgramEndpointingMs),
		VadEvents:      true,
		Encoding:       "mulaw",
		Channels:       1,
		SampleRate:     8000,
	}
}

// Start opens the live transcription stream. The connection attempt is
// bounded by TRANSCRIBER_CONNECT_TIMEOUT_MS.
func (d *DeepgramTranscriber) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("deepgram transcriber is closed")
	}
	if d.active {
		d.mu.Unlock()
		return errors.New("deepgram transcriber is already active")
	}
	if d.ctx == nil {
		d.ctx, d.cancel = context.WithCancel(ctx)
	}
	streamCtx := d.ctx
	d.mu.Unlock()

	return d.circuitBreaker.Call(func() error {
		return d.connect(streamCtx)
	})
}

func (d *DeepgramTranscriber) connect(ctx context.Context) error {
	handler := &callbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		onMessage:              d.handleMessage,
		onUtteranceEnd:         d.handleUtteranceEnd,
		onError:                d.handleError,
	}

	client, err := listenClient.NewWSUsingCallback(ctx, d.config.DeepgramAPIKey, nil, d.options(), handler)
	if err != nil {
		return fmt.Errorf("failed to create Deepgram client: %w", err)
	}

	connected := make(chan bool, 1)
	go func() { connected <- client.Connect() }()

	timer := time.NewTimer(config.Millis(d.config.TranscriberConnectMs))
	defer timer.Stop()

	select {
	case ok := <-connected:
		if !ok {
			return errors.New("failed to connect to Deepgram")
		}
	case <-timer.C:
		client.Finish()
		return fmt.Errorf("deepgram connect: %w", resilience.ErrFirstResponseTimeout)
	case <-ctx.Done():
		client.Finish()
		return ctx.Err()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		client.Finish()
		return errors.New("deepgram transcriber closed while connecting")
	}
	d.client = client
	d.active = true
	d.mu.Unlock()

	d.logger.Info().
		Str("model", d.config.DeepgramModel).
		Str("language", d.config.DeepgramLanguage).
		Msg("Deepgram stream connected")
	return nil
}

func (d *DeepgramTranscriber) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}
	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" && !msg.SpeechFinal {
		return
	}

	d.emit(Fragment{
		Text:       alt.Transcript,
		Final:      msg.IsFinal,
		EndOfTurn:  msg.SpeechFinal,
		Confidence: alt.Confidence,
		Start:      seconds(msg.Start),
		Duration:   seconds(msg.Duration),
		ReceivedAt: time.Now(),
	})
}

func (d *DeepgramTranscriber) handleUtteranceEnd(ur *msginterfaces.UtteranceEndResponse) {
	var end time.Duration
	if ur != nil {
		end = seconds(ur.LastWordEnd)
	}
	d.emit(Fragment{EndOfTurn: true, Start: end, ReceivedAt: time.Now()})
}

func (d *DeepgramTranscriber) handleError(er *msginterfaces.ErrorResponse) {
	d.logger.Error().Interface("deepgram_error", er).Msg("Deepgram stream error")
	d.circuitBreaker.RecordResult(false)
	observability.IncrementCircuitBreakerFailures("deepgram")
	observability.RecordError("stream_error", "deepgram")

	d.mu.Lock()
	if d.closed || !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	ctx := d.ctx
	d.mu.Unlock()

	go d.reconnect(ctx)
}

func (d *DeepgramTranscriber) reconnect(ctx context.Context) {
	cfg := &resilience.ReconnectConfig{
		MaxAttempts: d.config.ReconnectMaxAttempts,
		Backoff:     config.Millis(d.config.ReconnectBackoff),
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
	err := resilience.Reconnect(ctx, "deepgram", func(ctx context.Context) error {
		d.mu.RLock()
		old := d.client
		d.mu.RUnlock()
		if old != nil {
			old.Finish()
		}
		return d.connect(ctx)
	}, cfg)
	if err != nil && ctx.Err() == nil {
		d.logger.Error().Err(err).Msg("Deepgram reconnection failed")
	}
}

// emit delivers a fragment. Text fragments are dropped when the channel is
// full; an end of turn waits for room until the stream is closed.
func (d *DeepgramTranscriber) emit(f Fragment) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	select {
	case d.fragments <- f:
		return
	default:
	}

	if !f.EndOfTurn {
		observability.RecordFragmentDrop(f.Kind())
		d.logger.Warn().Str("kind", f.Kind()).Msg("Fragment channel full, dropping fragment")
		return
	}
	select {
	case d.fragments <- f:
	case <-d.closing:
	}
}

// SendAudio forwards one chunk of call audio
func (d *DeepgramTranscriber) SendAudio(audio []byte) error {
	return d.circuitBreaker.Call(func() error {
		d.mu.RLock()
		client, active := d.client, d.active
		d.mu.RUnlock()

		if !active || client == nil {
			return errors.New("deepgram transcriber is not active")
		}
		if _, err := client.Write(audio); err != nil {
			return fmt.Errorf("failed to send audio to Deepgram: %w", err)
		}
		return nil
	})
}

// Fragments returns the channel of recognized speech
func (d *DeepgramTranscriber) Fragments() <-chan Fragment {
	return d.fragments
}

// Close finishes the stream, stops reconnection attempts and closes Fragments
func (d *DeepgramTranscriber) Close() error {
	// releases an emit waiting for room before the lock is taken
	d.closeOnce.Do(func() { close(d.closing) })

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	if d.cancel != nil {
		d.cancel()
	}
	if d.client != nil && d.active {
		d.client.Finish()
	}
	d.active = false
	close(d.fragments)

	d.logger.Info().Msg("Deepgram stream closed")
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
