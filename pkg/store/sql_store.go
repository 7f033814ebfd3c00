package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gcz-labs/gatekeeper/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLStore implements Store on SQLite via database/sql. SQLite accepts
// the $N placeholder style, so the query text is shared with the
// Postgres flavor except where id assignment differs.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open SQLite handle and ensures the schema.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) a SQLite-backed store at path.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open sqlite database: %w", err)
	}
	// Writes are serialized per-id by CAS; a single connection avoids
	// SQLITE_BUSY under concurrent transitions.
	db.SetMaxOpenConns(1)
	return NewSQLStore(db)
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS change_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	payload TEXT NOT NULL,
	plan TEXT NOT NULL DEFAULT '',
	risk_score INTEGER NOT NULL,
	status TEXT NOT NULL,
	executed INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_requests_status ON change_requests(status);
`

func (s *SQLStore) migrate() error {
	_, err := s.db.ExecContext(context.Background(), sqliteSchema)
	return err
}

const selectColumns = `id, payload, plan, risk_score, status, executed, created_at, updated_at, expires_at`

func (s *SQLStore) Create(ctx context.Context, req *contracts.ChangeRequest) (*contracts.ChangeRequest, error) {
	query := `
		INSERT INTO change_requests (payload, plan, risk_score, status, executed, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	res, err := s.db.ExecContext(ctx, query,
		req.Payload, req.Plan, req.RiskScore, req.Status, req.Executed,
		req.CreatedAt, req.UpdatedAt, req.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: failed to insert change request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: failed to read assigned id: %w", err)
	}

	stored := *req
	stored.ID = id
	return &stored, nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (*contracts.ChangeRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM change_requests WHERE id = $1`, id)
	return scanRequest(row)
}

func (s *SQLStore) Transition(ctx context.Context, id int64, from, to contracts.Status, now time.Time) (bool, error) {
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

func (s *SQLStore) MarkExecuted(ctx context.Context, id int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE change_requests SET executed = 1, updated_at = $1 WHERE id = $2`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("store: failed to mark executed: %w", err)
	}
	return nil
}

func (s *SQLStore) ListByStatus(ctx context.Context, status contracts.Status) ([]*contracts.ChangeRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM change_requests WHERE status = $1 ORDER BY id`, status)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

func (s *SQLStore) ListStalePending(ctx context.Context, now time.Time) ([]*contracts.ChangeRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM change_requests WHERE status = $1 AND expires_at < $2 ORDER BY id`,
		contracts.StatusPending, now)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*contracts.ChangeRequest, error) {
	var req contracts.ChangeRequest
	err := row.Scan(
		&req.ID, &req.Payload, &req.Plan, &req.RiskScore, &req.Status,
		&req.Executed, &req.CreatedAt, &req.UpdatedAt, &req.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.ErrNotFound
		}
		return nil, err
	}
	return &req, nil
}

func scanRequests(rows *sql.Rows) ([]*contracts.ChangeRequest, error) {
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.ChangeRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
