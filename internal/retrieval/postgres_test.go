package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/lexiqai/claims-voice/internal/resilience"
)

// fakeRows serves fixed rows to pgx.CollectRows
type fakeRows struct {
	rows   [][]any
	pos    int
	closed bool
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	return r.rows[r.pos-1], nil
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("expected %d destinations, got %d", len(row), len(dest))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *float64:
			*p = row[i].(float64)
		case *time.Time:
			*p = row[i].(time.Time)
		default:
			return fmt.Errorf("unsupported destination %T", d)
		}
	}
	return nil
}

type fakeQuerier struct {
	sql     string
	args    []any
	rows    *fakeRows
	err     error
	queries int
}

func (q *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.queries++
	q.sql = sql
	q.args = args
	if q.err != nil {
		return nil, q.err
	}
	return q.rows, nil
}

func (q *fakeQuerier) Ping(ctx context.Context) error { return q.err }

func TestPostgres_Search(t *testing.T) {
	date := time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)
	rows := &fakeRows{rows: [][]any{
		{"POL-001", "Dana Reyes", "hail", "home", "open", "Hail damage to roof", "Austin", 4200.0, date},
		{"POL-007", "Dana Reyes", "water", "home", "closed", "Burst pipe", "Austin", 900.0, date},
	}}
	q := &fakeQuerier{rows: rows}
	p := newPostgres(q, 5, zerolog.Nop())

	res, err := p.Search(context.Background(), Query{Text: "hail roof!", CallerPhone: "+15125550100"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if res.Count != 2 || len(res.Records) != 2 {
		t.Fatalf("Expected 2 records, got %+v", res)
	}
	first := res.Records[0]
	if first.PolicyID != "POL-001" || first.IncidentType != "hail" || first.EstimatedDamage != 4200 {
		t.Errorf("Unexpected first record %+v", first)
	}
	if !first.IncidentDate.Equal(date) {
		t.Errorf("Expected incident date %v, got %v", date, first.IncidentDate)
	}

	if len(q.args) != 3 || q.args[0] != "hail & roof" || q.args[1] != 5 || q.args[2] != "+15125550100" {
		t.Errorf("Unexpected query args %v", q.args)
	}
	if !strings.Contains(q.sql, "to_tsquery('simple', $1)") || !strings.Contains(q.sql, "ts_rank") {
		t.Errorf("Expected ranked full-text query, got %s", q.sql)
	}
	if !rows.closed {
		t.Error("Expected rows to be closed")
	}
}

func TestPostgres_EmptyQuerySkipsDatabase(t *testing.T) {
	q := &fakeQuerier{}
	p := newPostgres(q, 0, zerolog.Nop())

	res, err := p.Search(context.Background(), Query{Text: "  ?! "})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if res.Count != 0 {
		t.Errorf("Expected no records, got %d", res.Count)
	}
	if q.queries != 0 {
		t.Errorf("Expected no query, got %d", q.queries)
	}
	if p.limit != 10 {
		t.Errorf("Expected default limit 10, got %d", p.limit)
	}
}

func TestPostgres_QueryError(t *testing.T) {
	failure := errors.New("connection refused")
	p := newPostgres(&fakeQuerier{err: failure}, 10, zerolog.Nop())

	_, err := p.Search(context.Background(), Query{Text: "hail"})
	if !errors.Is(err, failure) {
		t.Errorf("Expected wrapped query error, got %v", err)
	}
	if err := p.HealthCheck(context.Background()); !errors.Is(err, failure) {
		t.Errorf("Expected ping error, got %v", err)
	}
}

func TestPostgres_ClassifiesServerErrors(t *testing.T) {
	tests := []struct {
		code      string
		retryable bool
	}{
		{"08006", true},  // connection failure
		{"57P01", true},  // admin shutdown
		{"40001", true},  // serialization failure
		{"42601", false}, // syntax error
		{"42P01", false}, // undefined table
	}
	for _, tt := range tests {
		p := newPostgres(&fakeQuerier{err: &pgconn.PgError{Code: tt.code}}, 10, zerolog.Nop())
		_, err := p.Search(context.Background(), Query{Text: "hail"})
		if got := resilience.IsRetryable(err); got != tt.retryable {
			t.Errorf("SQLSTATE %s: expected retryable %v, got %v", tt.code, tt.retryable, got)
		}
	}
}
