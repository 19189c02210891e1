package retrieval

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ClaimSearchService is the remote search service name, also used for health checks
	ClaimSearchService = "claims.v1.ClaimSearch"
	searchMethod       = "/" + ClaimSearchService + "/Search"
)

// GRPCConfig configures the remote search backend
type GRPCConfig struct {
	Addr       string
	TLSEnabled bool
	Limit      int
}

// GRPC searches claims through a remote ClaimSearch service. Requests and
// responses are generic protobuf Structs carrying the same JSON shape as Result.
type GRPC struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	limit  int
	logger zerolog.Logger
}

// NewGRPC creates a client for cfg.Addr. The connection is established
// lazily on the first call.
func NewGRPC(cfg GRPCConfig, logger zerolog.Logger, extra ...grpc.DialOption) (*GRPC, error) {
	var opts []grpc.DialOption
	if cfg.TLSEnabled {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Keepalive settings for long-lived connections
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             3 * time.Second,
		PermitWithoutStream: true,
	}))
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create claim search client for %s: %w", cfg.Addr, err)
	}

	limit := cfg.Limit
	if limit < 1 {
		limit = 10
	}
	return &GRPC{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		limit:  limit,
		logger: logger.With().Str("component", "retrieval").Str("backend", "grpc").Logger(),
	}, nil
}

// Search calls ClaimSearch/Search
func (g *GRPC) Search(ctx context.Context, q Query) (Result, error) {
	terms := Terms(q.Text)
	if len(terms) == 0 {
		return NewResult(nil), nil
	}

	req, err := structpb.NewStruct(map[string]any{
		"terms":        toAny(terms),
		"caller_phone": q.CallerPhone,
		"limit":        g.limit,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to build search request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, searchMethod, req, resp); err != nil {
		return Result{}, fmt.Errorf("claim search rpc failed: %w", err)
	}

	raw, err := resp.MarshalJSON()
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode search response: %w", err)
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, fmt.Errorf("failed to decode search response: %w", err)
	}
	if res.Error != "" {
		return Result{}, fmt.Errorf("claim search failed remotely: %s", res.Error)
	}

	g.logger.Debug().Strs("terms", terms).Int("count", len(res.Records)).Msg("Claims search")
	return NewResult(res.Records), nil
}

// HealthCheck asks the remote health service whether ClaimSearch is serving
func (g *GRPC) HealthCheck(ctx context.Context) error {
	resp, err := g.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ClaimSearchService})
	if err != nil {
		return fmt.Errorf("claim search health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("claim search is %s", resp.GetStatus())
	}
	return nil
}

// Close closes the connection
func (g *GRPC) Close() error {
	return g.conn.Close()
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
