package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the claims voice gateway
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev).
	// Only used to log the media stream endpoint.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Deepgram live transcription
	DeepgramAPIKey         string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel          string `envconfig:"DEEPGRAM_MODEL" default:"nova-2-phonecall"`
	DeepgramLanguage       string `envconfig:"DEEPGRAM_LANGUAGE" default:"en-US"`
	DeepgramEndpointingMs  int    `envconfig:"DEEPGRAM_ENDPOINTING_MS" default:"300"`
	DeepgramUtteranceEndMs int    `envconfig:"DEEPGRAM_UTTERANCE_END_MS" default:"700"`
	TranscriberConnectMs   int    `envconfig:"TRANSCRIBER_CONNECT_TIMEOUT_MS" default:"5000"`

	// ElevenLabs streaming synthesis
	ElevenLabsAPIKey          string  `envconfig:"ELEVENLABS_API_KEY"`
	ElevenLabsVoiceID         string  `envconfig:"ELEVENLABS_VOICE_ID" default:"21m00Tcm4TlvDq8ikWAM"`
	ElevenLabsModelID         string  `envconfig:"ELEVENLABS_MODEL_ID" default:"eleven_turbo_v2"`
	ElevenLabsOutputFormat    string  `envconfig:"ELEVENLABS_OUTPUT_FORMAT" default:"ulaw_8000"`
	ElevenLabsStability       float64 `envconfig:"ELEVENLABS_STABILITY" default:"0.5"`
	ElevenLabsSimilarityBoost float64 `envconfig:"ELEVENLABS_SIMILARITY_BOOST" default:"0.8"`
	ElevenLabsURL             string  `envconfig:"ELEVENLABS_URL" default:"wss://api.elevenlabs.io/v1/text-to-speech"`
	SynthesisFirstResponseMs  int     `envconfig:"SYNTHESIS_FIRST_RESPONSE_TIMEOUT_MS" default:"4000"`
	PlaybackAckTimeoutMs      int     `envconfig:"PLAYBACK_ACK_TIMEOUT_MS" default:"15000"`

	// OpenAI-compatible generation
	OpenAIAPIKey           string  `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL          string  `envconfig:"OPENAI_BASE_URL" default:""`
	OpenAIModel            string  `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAITemperature      float64 `envconfig:"OPENAI_TEMPERATURE" default:"0.3"`
	OpenAIMaxTokens        int     `envconfig:"OPENAI_MAX_TOKENS" default:"300"`
	GenerationFirstTokenMs int     `envconfig:"GENERATION_FIRST_TOKEN_TIMEOUT_MS" default:"8000"`
	SentenceTerminators    string  `envconfig:"SENTENCE_TERMINATORS" default:".?!"`
	HistoryMaxMessages     int     `envconfig:"HISTORY_MAX_MESSAGES" default:"20"`

	// Claims retrieval
	RetrievalBackend    string `envconfig:"RETRIEVAL_BACKEND" default:"postgres"` // postgres or grpc
	DatabaseURL         string `envconfig:"DATABASE_URL" default:""`
	RetrievalGRPCAddr   string `envconfig:"RETRIEVAL_GRPC_ADDR" default:"localhost:50051"`
	RetrievalTLSEnabled bool   `envconfig:"RETRIEVAL_TLS_ENABLED" default:"false"`
	RetrievalTimeoutMs  int    `envconfig:"RETRIEVAL_TIMEOUT_MS" default:"3000"`
	RetrievalLimit      int    `envconfig:"RETRIEVAL_LIMIT" default:"10"`

	// Event bus
	EventBusBackend string `envconfig:"EVENT_BUS_BACKEND" default:"redis"` // redis or log
	RedisAddr       string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword   string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB         int    `envconfig:"REDIS_DB" default:"0"`
	EventQueueSize  int    `envconfig:"EVENT_QUEUE_SIZE" default:"256"`

	// Call handling
	MaxConcurrentCalls int `envconfig:"MAX_CONCURRENT_CALLS" default:"100"`
	InboundAudioQueue  int `envconfig:"INBOUND_AUDIO_QUEUE" default:"256"` // 20ms frames
	OutboundQueue      int `envconfig:"OUTBOUND_QUEUE" default:"512"`      // queued socket writes
	FrameDurationMs    int `envconfig:"FRAME_DURATION_MS" default:"20"`    // outbound packetization

	// Inbound speech activity (observability only, turn-taking follows the recognizer)
	SpeechEnergyThreshold float64 `envconfig:"SPEECH_ENERGY_THRESHOLD" default:"500"` // RMS of decoded samples
	SpeechSilenceFrames   int     `envconfig:"SPEECH_SILENCE_FRAMES" default:"10"`    // quiet frames ending speech

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables.
// It first attempts to load from .env file if it exists, then from environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	cfg, err := process()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read loads .env and the environment without validating, for tools that
// only need part of the configuration
func Read() (*Config, error) {
	_ = godotenv.Load()
	return process()
}

func process() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings the server needs to take calls
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.ElevenLabsAPIKey == "" {
		return fmt.Errorf("ELEVENLABS_API_KEY is required")
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if err := c.ValidateRetrieval(); err != nil {
		return err
	}

	switch c.EventBusBackend {
	case "redis", "log":
	default:
		return fmt.Errorf("unknown EVENT_BUS_BACKEND %q (want redis or log)", c.EventBusBackend)
	}

	if c.EventQueueSize < 1 || c.InboundAudioQueue < 1 || c.OutboundQueue < 1 {
		return fmt.Errorf("queue sizes must be positive")
	}
	return nil
}

// ValidateRetrieval checks the claims search backend settings
func (c *Config) ValidateRetrieval() error {
	switch c.RetrievalBackend {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when RETRIEVAL_BACKEND=postgres")
		}
	case "grpc":
		if c.RetrievalGRPCAddr == "" {
			return fmt.Errorf("RETRIEVAL_GRPC_ADDR is required when RETRIEVAL_BACKEND=grpc")
		}
	default:
		return fmt.Errorf("unknown RETRIEVAL_BACKEND %q (want postgres or grpc)", c.RetrievalBackend)
	}
	return nil
}

// Millis converts a millisecond setting to a duration
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
