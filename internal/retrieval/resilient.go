package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/claims-voice/internal/config"
	"github.com/lexiqai/claims-voice/internal/observability"
	"github.com/lexiqai/claims-voice/internal/resilience"
)

// Backend is a retriever with a lifecycle
type Backend interface {
	Retriever
	HealthCheck(ctx context.Context) error
	Close() error
}

// Open creates the backend selected by cfg.RetrievalBackend, wrapped with
// retries and a circuit breaker
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Resilient, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.RetrievalBackend {
	case "postgres":
		b, err = NewPostgres(ctx, cfg.DatabaseURL, cfg.RetrievalLimit, logger)
	case "grpc":
		b, err = NewGRPC(GRPCConfig{
			Addr:       cfg.RetrievalGRPCAddr,
			TLSEnabled: cfg.RetrievalTLSEnabled,
			Limit:      cfg.RetrievalLimit,
		}, logger)
	default:
		err = fmt.Errorf("unknown retrieval backend %q", cfg.RetrievalBackend)
	}
	if err != nil {
		return nil, err
	}
	return NewResilient(b, ResilientConfigFrom(cfg), logger), nil
}

// ResilientConfig bounds each search
type ResilientConfig struct {
	Timeout      time.Duration // per attempt
	Retry        *resilience.RetryConfig
	MaxFailures  int
	ResetTimeout time.Duration
}

// ResilientConfigFrom extracts the retrieval resilience settings
func ResilientConfigFrom(cfg *config.Config) ResilientConfig {
	return ResilientConfig{
		Timeout: config.Millis(cfg.RetrievalTimeoutMs),
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    config.Millis(cfg.RetryInitialBackoff),
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		MaxFailures:  cfg.CircuitBreakerMaxFailures,
		ResetTimeout: time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second,
	}
}

// Resilient retries transient search failures behind a circuit breaker
type Resilient struct {
	next    Backend
	breaker *resilience.CircuitBreaker
	cfg     ResilientConfig
	logger  zerolog.Logger
}

// NewResilient wraps next
func NewResilient(next Backend, cfg ResilientConfig, logger zerolog.Logger) *Resilient {
	logger = logger.With().Str("component", "retrieval").Logger()
	breaker := resilience.NewCircuitBreaker("retrieval", cfg.MaxFailures, cfg.ResetTimeout).
		OnStateChange(func(name string, from, to resilience.CircuitState) {
			observability.UpdateCircuitBreakerState(name, int(to))
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Retrieval circuit breaker changed state")
		})
	return &Resilient{next: next, breaker: breaker, cfg: cfg, logger: logger}
}

// Search runs q against the backend. Each attempt gets its own timeout;
// the whole sequence counts once against the breaker, and only when it
// ended on a transient failure.
func (r *Resilient) Search(ctx context.Context, q Query) (Result, error) {
	start := time.Now()
	var (
		res       Result
		permanent error
	)

	err := r.breaker.Call(func() error {
		err := resilience.Retry(ctx, func(ctx context.Context) error {
			if r.cfg.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
				defer cancel()
			}
			out, err := r.next.Search(ctx, q)
			if err != nil {
				return err
			}
			res = out
			return nil
		}, r.cfg.Retry, resilience.IsRetryableNetworkError)
		if err != nil && !resilience.IsRetryableNetworkError(err) {
			permanent = err
			return nil
		}
		if err != nil {
			observability.IncrementCircuitBreakerFailures("retrieval")
		}
		return err
	})
	if err == nil {
		err = permanent
	}

	observability.ObserveRetrieval(err == nil, time.Since(start))
	if err != nil {
		r.logger.Warn().Err(err).Str("query", q.Text).Msg("Claims search failed")
		return Result{}, err
	}
	return res, nil
}

// HealthCheck delegates to the backend
func (r *Resilient) HealthCheck(ctx context.Context) error {
	return r.next.HealthCheck(ctx)
}

// Close closes the backend
func (r *Resilient) Close() error {
	return r.next.Close()
}
