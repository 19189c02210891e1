package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/lexiqai/claims-voice/internal/resilience"
)

const searchSQL = `
SELECT policy_id,
       COALESCE(customer_name, ''),
       COALESCE(incident_type, ''),
       COALESCE(policy_type::text, ''),
       COALESCE(status::text, ''),
       COALESCE(description, ''),
       COALESCE(location, ''),
       COALESCE(estimated_damage, 0),
       incident_date
FROM claims
WHERE search_vector @@ to_tsquery('simple', $1)
  AND ($3::text = '' OR customer_phone = $3::text)
ORDER BY ts_rank(search_vector, to_tsquery('simple', $1)) DESC
LIMIT $2`

// querier is the part of pgxpool.Pool the search needs
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

// Postgres searches the claims table with full-text ranking
type Postgres struct {
	db     querier
	pool   *pgxpool.Pool
	limit  int
	logger zerolog.Logger
}

// NewPostgres connects a pool to databaseURL
func NewPostgres(ctx context.Context, databaseURL string, limit int, logger zerolog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	p := newPostgres(pool, limit, logger)
	p.pool = pool
	return p, nil
}

func newPostgres(db querier, limit int, logger zerolog.Logger) *Postgres {
	if limit < 1 {
		limit = 10
	}
	return &Postgres{
		db:     db,
		limit:  limit,
		logger: logger.With().Str("component", "retrieval").Str("backend", "postgres").Logger(),
	}
}

// Search returns the best ranked claims matching every term of q.Text
func (p *Postgres) Search(ctx context.Context, q Query) (Result, error) {
	tsq := TSQuery(q.Text)
	if tsq == "" {
		return NewResult(nil), nil
	}

	rows, err := p.db.Query(ctx, searchSQL, tsq, p.limit, q.CallerPhone)
	if err != nil {
		return Result{}, fmt.Errorf("claims search failed: %w", classify(err))
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read claims: %w", err)
	}

	p.logger.Debug().Str("tsquery", tsq).Int("count", len(records)).Msg("Claims search")
	return NewResult(records), nil
}

// classify marks errors worth another attempt: failures before the query
// reached the server, connection exceptions (SQLSTATE class 08), admin
// shutdowns and serialization failures
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "57P01" || pgErr.Code == "40001" {
			return resilience.NewRetryableError(err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) {
		return resilience.NewRetryableError(err)
	}
	return err
}

func scanRecord(row pgx.CollectableRow) (Record, error) {
	var r Record
	err := row.Scan(
		&r.PolicyID,
		&r.CustomerName,
		&r.IncidentType,
		&r.PolicyType,
		&r.Status,
		&r.Description,
		&r.Location,
		&r.EstimatedDamage,
		&r.IncidentDate,
	)
	return r, err
}

// HealthCheck pings the database
func (p *Postgres) HealthCheck(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// Close releases the pool
func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}
