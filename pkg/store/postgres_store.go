package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gcz-labs/gatekeeper/pkg/contracts"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL. It shares the query
// text with SQLStore except for id assignment, which uses BIGSERIAL
// plus RETURNING instead of LastInsertId.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open Postgres handle and ensures the schema.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects to the given DSN and prepares the store.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open postgres connection: %w", err)
	}
	return NewPostgresStore(db)
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS change_requests (
	id BIGSERIAL PRIMARY KEY,
	payload TEXT NOT NULL,
	plan TEXT NOT NULL DEFAULT '',
	risk_score INTEGER NOT NULL,
	status TEXT NOT NULL,
	executed BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_requests_status ON change_requests(status);
`

func (s *PostgresStore) migrate() error {
	_, err := s.db.ExecContext(context.Background(), postgresSchema)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, req *contracts.ChangeRequest) (*contracts.ChangeRequest, error) {
	query := `
		INSERT INTO change_requests (payload, plan, risk_score, status, executed, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	var id int64
	err := s.db.QueryRowContext(ctx, query,
		req.Payload, req.Plan, req.RiskScore, req.Status, req.Executed,
		req.CreatedAt, req.UpdatedAt, req.ExpiresAt,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("store: failed to insert change request: %w", err)
	}

	stored := *req
	stored.ID = id
	return &stored, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*contracts.ChangeRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM change_requests WHERE id = $1`, id)
	return scanRequest(row)
}

func (s *PostgresStore) Transition(ctx context.Context, id int64, from, to contracts.Status, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE change_requests SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, now, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("store: transition failed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: failed to check rows affected: %w", err)
	}
	return rows == 1, nil
}

func (s *PostgresStore) MarkExecuted(ctx context.Context, id int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE change_requests SET executed = TRUE, updated_at = $1 WHERE id = $2`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("store: failed to mark executed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status contracts.Status) ([]*contracts.ChangeRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM change_requests WHERE status = $1 ORDER BY id`, status)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

func (s *PostgresStore) ListStalePending(ctx context.Context, now time.Time) ([]*contracts.ChangeRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM change_requests WHERE status = $1 AND expires_at < $2 ORDER BY id`,
		contracts.StatusPending, now)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*SQLStore)(nil)
var _ Store = (*MemoryStore)(nil)

// Ping verifies connectivity; used by the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
