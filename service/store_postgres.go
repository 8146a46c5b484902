package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PuyokRfly/Audit-Playground/config"
	"github.com/PuyokRfly/Audit-Playground/model"
)

const pgForeignKeyViolation = "23503"

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS submissions (
	id             TEXT PRIMARY KEY,
	file_name      TEXT NOT NULL,
	storage_path   TEXT NOT NULL,
	owner          TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	payment_status TEXT NOT NULL DEFAULT 'unpaid',
	payment_ref    TEXT NOT NULL DEFAULT '',
	error_msg      TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	paid_at        TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS submissions_owner_created_idx ON submissions (owner, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS audit_results (
	submission_id  TEXT PRIMARY KEY REFERENCES submissions(id),
	raw_findings   JSONB,
	tool_error     TEXT NOT NULL DEFAULT '',
	risk_score     INTEGER CHECK (risk_score BETWEEN 0 AND 100),
	summary_report TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	CHECK ((risk_score IS NULL) = (summary_report IS NULL))
)`,
}

const pgSubmissionColumns = `id, file_name, storage_path, owner, status, payment_status,
	payment_ref, error_msg, created_at, updated_at, paid_at`

// PostgresStore is a SubmissionStore backed by a pgx connection pool.
type PostgresStore struct {
	DB *pgxpool.Pool
}

// NewPostgresStore opens and pings a pool for cfg.DSN.
func NewPostgresStore(ctx context.Context, cfg *config.StoreConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresStore{DB: pool}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.DB.Exec(ctx, stmt); err != nil {
			return storeErr("ensure schema", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.DB.Close()
}

func scanPgSubmission(row pgx.Row) (*model.Submission, error) {
	var (
		sub           model.Submission
		status        string
		paymentStatus string
	)
	err := row.Scan(&sub.ID, &sub.FileName, &sub.StoragePath, &sub.Owner, &status, &paymentStatus,
		&sub.PaymentRef, &sub.ErrorMsg, &sub.CreatedAt, &sub.UpdatedAt, &sub.PaidAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sub.Status = model.Status(status)
	if !sub.Status.Valid() {
		return nil, fmt.Errorf("submission %s has unknown status %q", sub.ID, status)
	}
	sub.PaymentStatus = model.PaymentStatus(paymentStatus)
	return &sub, nil
}

func (s *PostgresStore) CreateSubmission(ctx context.Context, sub *model.Submission) error {
	now := time.Now().UTC()
	created := sub.CreatedAt
	if created.IsZero() {
		created = now
	}
	payment := sub.PaymentStatus
	if payment == "" {
		payment = model.PaymentUnpaid
	}
	_, err := s.DB.Exec(ctx, `
INSERT INTO submissions (`+pgSubmissionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`, sub.ID, sub.FileName, sub.StoragePath, sub.Owner, string(sub.Status), string(payment),
		sub.PaymentRef, sub.ErrorMsg, created, now, sub.PaidAt)
	return storeErr("create", err)
}

func (s *PostgresStore) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	sub, err := scanPgSubmission(s.DB.QueryRow(ctx, `
SELECT `+pgSubmissionColumns+`
FROM submissions
WHERE id = $1
`, id))
	if err != nil {
		return nil, storeErr("get", err)
	}
	return sub, nil
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, owner string) ([]*model.Submission, error) {
	rows, err := s.DB.Query(ctx, `
SELECT `+pgSubmissionColumns+`
FROM submissions
WHERE $1 = '' OR owner = $1
ORDER BY created_at DESC
`, owner)
	if err != nil {
		return nil, storeErr("list", err)
	}
	defer rows.Close()

	var out []*model.Submission
	for rows.Next() {
		sub, err := scanPgSubmission(rows)
		if err != nil {
			return nil, storeErr("list", err)
		}
		out = append(out, sub)
	}
	return out, storeErr("list", rows.Err())
}

func (s *PostgresStore) TransitionStatus(ctx context.Context, id string, from []model.Status, to model.Status, errMsg string) (*model.Submission, error) {
	expected := make([]string, len(from))
	for i, st := range from {
		expected[i] = string(st)
	}

	sub, err := scanPgSubmission(s.DB.QueryRow(ctx, `
UPDATE submissions
SET status = $3, error_msg = $4, updated_at = now()
WHERE id = $1 AND status = ANY($2)
RETURNING `+pgSubmissionColumns, id, expected, string(to), errMsg))
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, storeErr("transition", err)
	}

	current, err := s.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, &StatusConflictError{ID: id, Current: current.Status}
}

func (s *PostgresStore) ReclaimStale(ctx context.Context, id string, staleBefore time.Time) (*model.Submission, error) {
	sub, err := scanPgSubmission(s.DB.QueryRow(ctx, `
UPDATE submissions
SET error_msg = '', updated_at = now()
WHERE id = $1 AND status = 'processing' AND updated_at < $2
RETURNING `+pgSubmissionColumns, id, staleBefore.UTC()))
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, storeErr("reclaim", err)
	}

	current, err := s.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, &StatusConflictError{ID: id, Current: current.Status}
}

func (s *PostgresStore) FailStale(ctx context.Context, staleBefore time.Time, errMsg string) (int, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE submissions
SET status = 'failed', error_msg = $2, updated_at = now()
WHERE status = 'processing' AND updated_at < $1
`, staleBefore.UTC(), errMsg)
	if err != nil {
		return 0, storeErr("fail stale", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) MarkPaid(ctx context.Context, id, paymentRef string) (bool, *model.Submission, error) {
	sub, err := scanPgSubmission(s.DB.QueryRow(ctx, `
UPDATE submissions
SET payment_status = 'paid', payment_ref = $2, paid_at = now(), updated_at = now()
WHERE id = $1 AND payment_status <> 'paid'
RETURNING `+pgSubmissionColumns, id, paymentRef))
	if err == nil {
		return true, sub, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, nil, storeErr("mark paid", err)
	}

	current, err := s.GetSubmission(ctx, id)
	if err != nil {
		return false, nil, err
	}
	return false, current, nil
}

func (s *PostgresStore) GetResult(ctx context.Context, submissionID string) (*model.AuditResult, error) {
	var (
		r        model.AuditResult
		findings []byte
	)
	err := s.DB.QueryRow(ctx, `
SELECT submission_id, raw_findings, tool_error, risk_score, summary_report, created_at, updated_at
FROM audit_results
WHERE submission_id = $1
`, submissionID).Scan(&r.SubmissionID, &findings, &r.ToolError, &r.RiskScore, &r.SummaryReport, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storeErr("get result", err)
	}
	if len(findings) > 0 {
		r.RawFindings = json.RawMessage(findings)
	}
	return &r, nil
}

func (s *PostgresStore) SaveFindings(ctx context.Context, submissionID string, findings json.RawMessage) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO audit_results (submission_id, raw_findings, tool_error, risk_score, summary_report, created_at, updated_at)
VALUES ($1, $2::jsonb, '', NULL, NULL, now(), now())
ON CONFLICT (submission_id) DO UPDATE
SET raw_findings = EXCLUDED.raw_findings, tool_error = '', risk_score = NULL, summary_report = NULL, updated_at = now()
`, submissionID, string(findings))
	return storeErr("save findings", pgFKNotFound(err))
}

func (s *PostgresStore) SaveToolError(ctx context.Context, submissionID, message string) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO audit_results (submission_id, raw_findings, tool_error, risk_score, summary_report, created_at, updated_at)
VALUES ($1, NULL, $2, NULL, NULL, now(), now())
ON CONFLICT (submission_id) DO UPDATE
SET raw_findings = NULL, tool_error = EXCLUDED.tool_error, risk_score = NULL, summary_report = NULL, updated_at = now()
`, submissionID, message)
	return storeErr("save tool error", pgFKNotFound(err))
}

func (s *PostgresStore) SaveScore(ctx context.Context, submissionID string, score int, report string) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE audit_results
SET risk_score = $2, summary_report = $3, updated_at = now()
WHERE submission_id = $1 AND raw_findings IS NOT NULL
`, submissionID, score, report)
	if err != nil {
		return storeErr("save score", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoFindings
	}
	return nil
}

func pgFKNotFound(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return ErrNotFound
	}
	return err
}
