package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Call metrics
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_gateway_active_calls",
		Help: "Number of active phone calls",
	})

	totalCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_gateway_calls_total",
		Help: "Total number of calls processed",
	})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_gateway_call_duration_seconds",
		Help:    "Duration of phone calls in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Turn metrics
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_turns_total",
		Help: "Conversation turns by outcome",
	}, []string{"outcome"}) // completed, failed, cancelled

	turnFirstAudio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_gateway_turn_first_audio_seconds",
		Help:    "Time from accepted utterance to first outbound audio frame",
		Buckets: []float64{0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5},
	})

	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_state_transitions_total",
		Help: "Turn state transitions by target state",
	}, []string{"state"})

	utterancesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_utterances_dropped_total",
		Help: "Caller speech not promoted to an utterance",
	}, []string{"reason"})

	transcriptFragments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_transcript_fragments_total",
		Help: "Transcript fragments received by kind",
	}, []string{"kind"})

	transcriptFragmentsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_transcript_fragments_dropped_total",
		Help: "Transcript fragments dropped because the call fell behind",
	}, []string{"kind"})

	// Synthesis metrics
	synthesisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_synthesis_requests_total",
		Help: "Total number of synthesis exchanges",
	}, []string{"status"})

	synthesisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_gateway_synthesis_latency_seconds",
		Help:    "Synthesis exchange duration in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Generation metrics
	generationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_generation_requests_total",
		Help: "Total number of generation calls",
	}, []string{"kind", "status"})

	generationFirstToken = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_gateway_generation_first_token_seconds",
		Help:    "Time to first streamed token",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"kind"})

	// Retrieval metrics
	retrievalRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_retrieval_requests_total",
		Help: "Total number of claim searches",
	}, []string{"status"})

	retrievalLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_gateway_retrieval_latency_seconds",
		Help:    "Claim search latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 3.0},
	})

	// Event bus metrics
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_events_published_total",
		Help: "Session events delivered to the event bus",
	}, []string{"type"})

	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_events_dropped_total",
		Help: "Session events dropped before delivery",
	}, []string{"reason"}) // queue_full, closed, send_error

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	inboundFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_gateway_inbound_frames_dropped_total",
		Help: "Inbound audio frames dropped because the transcriber fell behind",
	})

	callerSpeechOnsets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_caller_speech_onsets_total",
		Help: "Caller speech onsets detected on inbound audio, by turn state",
	}, []string{"state"})
)

// Metrics tracks metrics for a single call
type Metrics struct {
	callID        string
	startTime     time.Time
	turnStartTime time.Time
	firstAudio    bool
	mu            sync.Mutex
}

// NewCallMetrics creates a new metrics tracker for a call
func NewCallMetrics(callID string) *Metrics {
	return &Metrics{
		callID:    callID,
		startTime: time.Now(),
	}
}

// RecordCallStart records the start of a call
func (m *Metrics) RecordCallStart() {
	activeCalls.Inc()
	totalCalls.Inc()
}

// RecordCallEnd records the end of a call
func (m *Metrics) RecordCallEnd() {
	activeCalls.Dec()
	callDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordTurnStart marks the moment an utterance was accepted
func (m *Metrics) RecordTurnStart() {
	m.mu.Lock()
	m.turnStartTime = time.Now()
	m.firstAudio = false
	m.mu.Unlock()
}

// RecordFirstAudio observes turn latency on the first frame of a turn
func (m *Metrics) RecordFirstAudio() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.firstAudio || m.turnStartTime.IsZero() {
		return
	}
	m.firstAudio = true
	turnFirstAudio.Observe(time.Since(m.turnStartTime).Seconds())
}

// RecordTurnEnd records how a turn finished
func (m *Metrics) RecordTurnEnd(outcome string) {
	turnsTotal.WithLabelValues(outcome).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordInboundDrop counts an inbound frame dropped on overflow
func (m *Metrics) RecordInboundDrop() {
	inboundFramesDropped.Inc()
}

// RecordSpeechOnset counts caller speech starting while the call is in state
func RecordSpeechOnset(state string) {
	callerSpeechOnsets.WithLabelValues(state).Inc()
}

// RecordError records an error outside a call scope
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordStateTransition counts a turn state change
func RecordStateTransition(state string) {
	stateTransitions.WithLabelValues(state).Inc()
}

// RecordUtteranceDropped counts caller speech discarded at the gate
func RecordUtteranceDropped(reason string) {
	utterancesDropped.WithLabelValues(reason).Inc()
}

// RecordFragment counts a transcript fragment by kind
func RecordFragment(kind string) {
	transcriptFragments.WithLabelValues(kind).Inc()
}

// RecordFragmentDrop counts a transcript fragment lost to a full queue
func RecordFragmentDrop(kind string) {
	transcriptFragmentsDropped.WithLabelValues(kind).Inc()
}

// ObserveSynthesis records one synthesis exchange
func ObserveSynthesis(success bool, d time.Duration) {
	synthesisRequests.WithLabelValues(status(success)).Inc()
	synthesisLatency.Observe(d.Seconds())
}

// ObserveGeneration records one generation call and its time to first token
func ObserveGeneration(kind string, success bool, firstToken time.Duration) {
	generationRequests.WithLabelValues(kind, status(success)).Inc()
	if firstToken > 0 {
		generationFirstToken.WithLabelValues(kind).Observe(firstToken.Seconds())
	}
}

// ObserveRetrieval records one claim search
func ObserveRetrieval(success bool, d time.Duration) {
	retrievalRequests.WithLabelValues(status(success)).Inc()
	retrievalLatency.Observe(d.Seconds())
}

// RecordEventPublished counts an event delivered to the bus
func RecordEventPublished(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventDropped counts an event that never reached the bus
func RecordEventDropped(reason string) {
	eventsDropped.WithLabelValues(reason).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
