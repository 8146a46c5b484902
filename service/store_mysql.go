package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/PuyokRfly/Audit-Playground/config"
	"github.com/PuyokRfly/Audit-Playground/model"
)

const mysqlNoReferencedRow = 1452

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS submissions (
	id             VARCHAR(64)   NOT NULL PRIMARY KEY,
	file_name      VARCHAR(255)  NOT NULL,
	storage_path   VARCHAR(1024) NOT NULL,
	owner          VARCHAR(255)  NOT NULL DEFAULT '',
	status         VARCHAR(16)   NOT NULL,
	payment_status VARCHAR(16)   NOT NULL DEFAULT 'unpaid',
	payment_ref    VARCHAR(255)  NOT NULL DEFAULT '',
	error_msg      TEXT          NULL,
	created_at     DATETIME(6)   NOT NULL,
	updated_at     DATETIME(6)   NOT NULL,
	paid_at        DATETIME(6)   NULL,
	INDEX idx_submissions_owner_created (owner, created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS audit_results (
	submission_id  VARCHAR(64) NOT NULL PRIMARY KEY,
	raw_findings   JSON        NULL,
	tool_error     TEXT        NULL,
	risk_score     INT         NULL,
	summary_report MEDIUMTEXT  NULL,
	created_at     DATETIME(6) NOT NULL,
	updated_at     DATETIME(6) NOT NULL,
	CONSTRAINT fk_audit_results_submission FOREIGN KEY (submission_id) REFERENCES submissions(id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

const mysqlSubmissionColumns = `id, file_name, storage_path, owner, status, payment_status,
	payment_ref, COALESCE(error_msg, ''), created_at, updated_at, paid_at`

// MySQLStore is a SubmissionStore backed by database/sql and the MySQL driver.
type MySQLStore struct {
	DB *sql.DB
}

// NewMySQLStore opens and pings a MySQL pool for cfg.DSN. The DSN is
// forced to parse times and to report matched rather than changed rows,
// which the compare-and-set updates rely on.
func NewMySQLStore(ctx context.Context, cfg *config.StoreConfig) (*MySQLStore, error) {
	dsnCfg, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mysql dsn: %w", err)
	}
	dsnCfg.ParseTime = true
	dsnCfg.ClientFoundRows = true
	dsnCfg.Loc = time.UTC

	connector, err := mysql.NewConnector(dsnCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)

	maxOpen := 25
	if cfg.MaxConns > 0 {
		maxOpen = int(cfg.MaxConns)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql ping failed: %w", err)
	}
	return &MySQLStore{DB: db}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *MySQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return storeErr("ensure schema", err)
		}
	}
	return nil
}

func (s *MySQLStore) Close() error {
	return s.DB.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMySQLSubmission(row rowScanner) (*model.Submission, error) {
	var (
		sub           model.Submission
		status        string
		paymentStatus string
		paidAt        sql.NullTime
	)
	err := row.Scan(&sub.ID, &sub.FileName, &sub.StoragePath, &sub.Owner, &status, &paymentStatus,
		&sub.PaymentRef, &sub.ErrorMsg, &sub.CreatedAt, &sub.UpdatedAt, &paidAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sub.Status = model.Status(status)
	if !sub.Status.Valid() {
		return nil, fmt.Errorf("submission %s has unknown status %q", sub.ID, status)
	}
	sub.PaymentStatus = model.PaymentStatus(paymentStatus)
	if paidAt.Valid {
		t := paidAt.Time
		sub.PaidAt = &t
	}
	return &sub, nil
}

func (s *MySQLStore) CreateSubmission(ctx context.Context, sub *model.Submission) error {
	now := time.Now().UTC()
	created := sub.CreatedAt
	if created.IsZero() {
		created = now
	}
	payment := sub.PaymentStatus
	if payment == "" {
		payment = model.PaymentUnpaid
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO submissions (id, file_name, storage_path, owner, status, payment_status,
	payment_ref, error_msg, created_at, updated_at, paid_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, sub.ID, sub.FileName, sub.StoragePath, sub.Owner, string(sub.Status), string(payment),
		sub.PaymentRef, sub.ErrorMsg, created, now, sub.PaidAt)
	return storeErr("create", err)
}

func (s *MySQLStore) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	sub, err := scanMySQLSubmission(s.DB.QueryRowContext(ctx,
		`SELECT `+mysqlSubmissionColumns+` FROM submissions WHERE id = ?`, id))
	if err != nil {
		return nil, storeErr("get", err)
	}
	return sub, nil
}

func (s *MySQLStore) ListSubmissions(ctx context.Context, owner string) ([]*model.Submission, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+mysqlSubmissionColumns+`
FROM submissions
WHERE ? = '' OR owner = ?
ORDER BY created_at DESC
`, owner, owner)
	if err != nil {
		return nil, storeErr("list", err)
	}
	defer rows.Close()

	var out []*model.Submission
	for rows.Next() {
		sub, err := scanMySQLSubmission(rows)
		if err != nil {
			return nil, storeErr("list", err)
		}
		out = append(out, sub)
	}
	return out, storeErr("list", rows.Err())
}

func (s *MySQLStore) TransitionStatus(ctx context.Context, id string, from []model.Status, to model.Status, errMsg string) (*model.Submission, error) {
	if len(from) == 0 {
		return nil, storeErr("transition", errors.New("no expected status given"))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args := []any{string(to), errMsg, time.Now().UTC(), id}
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.DB.ExecContext(ctx, `
UPDATE submissions
SET status = ?, error_msg = ?, updated_at = ?
WHERE id = ? AND status IN (`+placeholders+`)
`, args...)
	if err != nil {
		return nil, storeErr("transition", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storeErr("transition", err)
	}

	current, err := s.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, &StatusConflictError{ID: id, Current: current.Status}
	}
	return current, nil
}

func (s *MySQLStore) ReclaimStale(ctx context.Context, id string, staleBefore time.Time) (*model.Submission, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE submissions
SET error_msg = '', updated_at = ?
WHERE id = ? AND status = 'processing' AND updated_at < ?
`, time.Now().UTC(), id, staleBefore.UTC())
	if err != nil {
		return nil, storeErr("reclaim", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storeErr("reclaim", err)
	}

	current, err := s.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, &StatusConflictError{ID: id, Current: current.Status}
	}
	return current, nil
}

func (s *MySQLStore) FailStale(ctx context.Context, staleBefore time.Time, errMsg string) (int, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE submissions
SET status = 'failed', error_msg = ?, updated_at = ?
WHERE status = 'processing' AND updated_at < ?
`, errMsg, time.Now().UTC(), staleBefore.UTC())
	if err != nil {
		return 0, storeErr("fail stale", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("fail stale", err)
	}
	return int(n), nil
}

func (s *MySQLStore) MarkPaid(ctx context.Context, id, paymentRef string) (bool, *model.Submission, error) {
	now := time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
UPDATE submissions
SET payment_status = 'paid', payment_ref = ?, paid_at = ?, updated_at = ?
WHERE id = ? AND payment_status <> 'paid'
`, paymentRef, now, now, id)
	if err != nil {
		return false, nil, storeErr("mark paid", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, storeErr("mark paid", err)
	}

	current, err := s.GetSubmission(ctx, id)
	if err != nil {
		return false, nil, err
	}
	return n > 0, current, nil
}

func (s *MySQLStore) GetResult(ctx context.Context, submissionID string) (*model.AuditResult, error) {
	var (
		r         model.AuditResult
		findings  []byte
		toolError sql.NullString
		score     sql.NullInt64
		report    sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT submission_id, raw_findings, tool_error, risk_score, summary_report, created_at, updated_at
FROM audit_results
WHERE submission_id = ?
`, submissionID).Scan(&r.SubmissionID, &findings, &toolError, &score, &report, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storeErr("get result", err)
	}
	if len(findings) > 0 {
		r.RawFindings = json.RawMessage(findings)
	}
	r.ToolError = toolError.String
	if score.Valid && report.Valid {
		v := int(score.Int64)
		text := report.String
		r.RiskScore = &v
		r.SummaryReport = &text
	}
	return &r, nil
}

func (s *MySQLStore) SaveFindings(ctx context.Context, submissionID string, findings json.RawMessage) error {
	now := time.Now().UTC()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO audit_results (submission_id, raw_findings, tool_error, risk_score, summary_report, created_at, updated_at)
VALUES (?, ?, '', NULL, NULL, ?, ?)
ON DUPLICATE KEY UPDATE
	raw_findings = VALUES(raw_findings), tool_error = '', risk_score = NULL, summary_report = NULL, updated_at = VALUES(updated_at)
`, submissionID, string(findings), now, now)
	return storeErr("save findings", mysqlFKNotFound(err))
}

func (s *MySQLStore) SaveToolError(ctx context.Context, submissionID, message string) error {
	now := time.Now().UTC()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO audit_results (submission_id, raw_findings, tool_error, risk_score, summary_report, created_at, updated_at)
VALUES (?, NULL, ?, NULL, NULL, ?, ?)
ON DUPLICATE KEY UPDATE
	raw_findings = NULL, tool_error = VALUES(tool_error), risk_score = NULL, summary_report = NULL, updated_at = VALUES(updated_at)
`, submissionID, message, now, now)
	return storeErr("save tool error", mysqlFKNotFound(err))
}

func (s *MySQLStore) SaveScore(ctx context.Context, submissionID string, score int, report string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE audit_results
SET risk_score = ?, summary_report = ?, updated_at = ?
WHERE submission_id = ? AND raw_findings IS NOT NULL
`, score, report, time.Now().UTC(), submissionID)
	if err != nil {
		return storeErr("save score", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("save score", err)
	}
	if n == 0 {
		return ErrNoFindings
	}
	return nil
}

func mysqlFKNotFound(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == mysqlNoReferencedRow {
		return ErrNotFound
	}
	return err
}
