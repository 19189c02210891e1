package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/claims-voice/internal/config"
)

const writeTimeout = 5 * time.Second

// ElevenLabsConfig selects the voice and output format of a synthesis exchange
type ElevenLabsConfig struct {
	APIKey          string
	VoiceID         string
	ModelID         string
	OutputFormat    string
	BaseURL         string
	Stability       float64
	SimilarityBoost float64
}

// ElevenLabsConfigFrom extracts the synthesis settings from the service config
func ElevenLabsConfigFrom(cfg *config.Config) ElevenLabsConfig {
	return ElevenLabsConfig{
		APIKey:          cfg.ElevenLabsAPIKey,
		VoiceID:         cfg.ElevenLabsVoiceID,
		ModelID:         cfg.ElevenLabsModelID,
		OutputFormat:    cfg.ElevenLabsOutputFormat,
		BaseURL:         cfg.ElevenLabsURL,
		Stability:       cfg.ElevenLabsStability,
		SimilarityBoost: cfg.ElevenLabsSimilarityBoost,
	}
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type openMessage struct {
	Text          string        `json:"text"`
	VoiceSettings voiceSettings `json:"voice_settings"`
	APIKey        string        `json:"xi_api_key"`
}

type textMessage struct {
	Text                 string `json:"text"`
	TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
}

type audioMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ElevenLabs implements Synthesizer on the stream-input websocket API
type ElevenLabs struct {
	cfg    ElevenLabsConfig
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewElevenLabs creates a synthesizer
func NewElevenLabs(cfg ElevenLabsConfig, logger zerolog.Logger) *ElevenLabs {
	return &ElevenLabs{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "elevenlabs").Logger(),
	}
}

// StreamURL builds the stream-input endpoint for the configured voice
func (e *ElevenLabs) StreamURL() (string, error) {
	base := strings.TrimRight(e.cfg.BaseURL, "/")
	u, err := url.Parse(base + "/" + url.PathEscape(e.cfg.VoiceID) + "/stream-input")
	if err != nil {
		return "", fmt.Errorf("invalid elevenlabs url: %w", err)
	}
	q := u.Query()
	q.Set("model_id", e.cfg.ModelID)
	q.Set("output_format", e.cfg.OutputFormat)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open dials a new exchange and sends the voice configuration. The socket
// is closed as soon as ctx is done, which unblocks any pending Recv.
func (e *ElevenLabs) Open(ctx context.Context) (Stream, error) {
	if e.cfg.APIKey == "" || e.cfg.VoiceID == "" {
		return nil, errors.New("elevenlabs api key and voice id are required")
	}
	wsURL, err := e.StreamURL()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("xi-api-key", e.cfg.APIKey)

	conn, resp, err := e.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial elevenlabs (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial elevenlabs: %w", err)
	}

	s := &elevenLabsStream{
		ctx:  ctx,
		conn: conn,
		stop: context.AfterFunc(ctx, func() { _ = conn.Close() }),
	}

	err = s.write(openMessage{
		Text: " ",
		VoiceSettings: voiceSettings{
			Stability:       e.cfg.Stability,
			SimilarityBoost: e.cfg.SimilarityBoost,
		},
		APIKey: e.cfg.APIKey,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to send elevenlabs configuration: %w", err)
	}

	e.logger.Debug().Str("voice_id", e.cfg.VoiceID).Str("model_id", e.cfg.ModelID).Msg("Synthesis stream opened")
	return s, nil
}

type elevenLabsStream struct {
	ctx  context.Context
	conn *websocket.Conn
	stop func() bool

	writeMu   sync.Mutex
	closeOnce sync.Once
	finished  bool
}

func (s *elevenLabsStream) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(v); err != nil {
		return s.translate(err)
	}
	return nil
}

func (s *elevenLabsStream) Send(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.write(textMessage{Text: text + " ", TryTriggerGeneration: true})
}

func (s *elevenLabsStream) CloseSend() error {
	return s.write(textMessage{Text: ""})
}

func (s *elevenLabsStream) Recv() ([]byte, error) {
	if s.finished {
		return nil, io.EOF
	}
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, s.translate(err)
		}

		var msg audioMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("malformed elevenlabs message: %w", err)
		}
		if msg.Error != "" {
			return nil, fmt.Errorf("elevenlabs error: %s", msg.Error)
		}

		if msg.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				return nil, fmt.Errorf("invalid elevenlabs audio payload: %w", err)
			}
			if msg.IsFinal {
				s.finished = true
			}
			return chunk, nil
		}
		if msg.IsFinal {
			s.finished = true
			return nil, io.EOF
		}
		if msg.Message != "" {
			return nil, fmt.Errorf("elevenlabs error: %s", msg.Message)
		}
	}
}

// translate reports the context's cause when the socket was torn down by cancellation
func (s *elevenLabsStream) translate(err error) error {
	if s.ctx.Err() != nil {
		return context.Cause(s.ctx)
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.CloseNormalClosure {
			return io.EOF
		}
		return fmt.Errorf("elevenlabs closed the stream (code %d %s): %w", closeErr.Code, closeErr.Text, err)
	}
	return err
}

func (s *elevenLabsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stop()
		err = s.conn.Close()
	})
	return err
}
