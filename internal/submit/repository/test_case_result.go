package repository

import (
	"context"
	"errors"
	"time"

	"judgeline/internal/common/db"
	"judgeline/internal/judge/model"
)

// TestCaseResult is the outcome of one test case, keyed by (SubmissionID, TestCaseID).
type TestCaseResult struct {
	SubmissionID         int64
	TestCaseID           string
	Status               model.Status
	ExecutionTimeSeconds *float64
	MemoryUsedMB         *float64
	UpdatedAt            time.Time
}

// SamePayload reports whether two results carry identical verdict and metrics.
func (r *TestCaseResult) SamePayload(other *TestCaseResult) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.Status == other.Status &&
		equalFloatPtr(r.ExecutionTimeSeconds, other.ExecutionTimeSeconds) &&
		equalFloatPtr(r.MemoryUsedMB, other.MemoryUsedMB)
}

// UpsertOutcome describes what an upsert did to the stored row.
type UpsertOutcome int

const (
	UpsertInserted UpsertOutcome = iota
	UpsertUnchanged
	UpsertOverwritten
)

func (o UpsertOutcome) String() string {
	switch o {
	case UpsertInserted:
		return "inserted"
	case UpsertUnchanged:
		return "unchanged"
	default:
		return "overwritten"
	}
}

// TestCaseResultRepository stores per-test-case results.
type TestCaseResultRepository interface {
	// Upsert writes result, returning the prior row when one existed.
	Upsert(ctx context.Context, tx db.Transaction, result *TestCaseResult) (UpsertOutcome, *TestCaseResult, error)
	ListBySubmission(ctx context.Context, tx db.Transaction, submissionID int64) ([]*TestCaseResult, error)
}

// MySQLTestCaseResultRepository implements TestCaseResultRepository with MySQL.
type MySQLTestCaseResultRepository struct {
	db db.Database
}

// NewTestCaseResultRepository creates a test case result repository.
func NewTestCaseResultRepository(database db.Database) *MySQLTestCaseResultRepository {
	return &MySQLTestCaseResultRepository{db: database}
}

const testCaseResultColumns = "submission_id, test_case_id, status, execution_time_seconds, memory_used_mb, updated_at"

// Upsert relies on PRIMARY KEY (submission_id, test_case_id); a second write for the key
// replaces the first. The prior row is read first so callers can tell replays from re-judges.
func (r *MySQLTestCaseResultRepository) Upsert(ctx context.Context, tx db.Transaction, result *TestCaseResult) (UpsertOutcome, *TestCaseResult, error) {
	if result == nil {
		return 0, nil, errors.New("result is nil")
	}
	if result.SubmissionID <= 0 || result.TestCaseID == "" {
		return 0, nil, errors.New("submissionID and testCaseID are required")
	}
	if !result.Status.IsTerminal() {
		return 0, nil, errors.New("test case status must be a verdict")
	}
	if result.UpdatedAt.IsZero() {
		result.UpdatedAt = time.Now().UTC()
	}

	q := db.GetQuerier(r.db, tx)
	previous, err := r.get(ctx, q, result.SubmissionID, result.TestCaseID, tx != nil)
	if err != nil {
		return 0, nil, err
	}
	if previous != nil && previous.SamePayload(result) {
		return UpsertUnchanged, previous, nil
	}

	query := `
		INSERT INTO test_case_results
		(submission_id, test_case_id, status, execution_time_seconds, memory_used_mb, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			execution_time_seconds = VALUES(execution_time_seconds),
			memory_used_mb = VALUES(memory_used_mb),
			updated_at = VALUES(updated_at)
	`
	if _, err := q.Exec(
		ctx,
		query,
		result.SubmissionID,
		result.TestCaseID,
		string(result.Status),
		result.ExecutionTimeSeconds,
		result.MemoryUsedMB,
		result.UpdatedAt,
	); err != nil {
		return 0, nil, err
	}
	if previous == nil {
		return UpsertInserted, nil, nil
	}
	return UpsertOverwritten, previous, nil
}

// ListBySubmission returns every stored result for a submission ordered by test case id.
func (r *MySQLTestCaseResultRepository) ListBySubmission(ctx context.Context, tx db.Transaction, submissionID int64) ([]*TestCaseResult, error) {
	query := "SELECT " + testCaseResultColumns + " FROM test_case_results WHERE submission_id = ? ORDER BY test_case_id"
	rows, err := db.GetQuerier(r.db, tx).Query(ctx, query, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TestCaseResult
	for rows.Next() {
		res, err := scanTestCaseResult(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *MySQLTestCaseResultRepository) get(ctx context.Context, q db.Querier, submissionID int64, testCaseID string, forUpdate bool) (*TestCaseResult, error) {
	query := "SELECT " + testCaseResultColumns + " FROM test_case_results WHERE submission_id = ? AND test_case_id = ?"
	if forUpdate {
		query += " FOR UPDATE"
	}
	res, err := scanTestCaseResult(q.QueryRow(ctx, query, submissionID, testCaseID).Scan)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return res, nil
}

func scanTestCaseResult(scan func(dest ...any) error) (*TestCaseResult, error) {
	res := &TestCaseResult{}
	var status string
	if err := scan(&res.SubmissionID, &res.TestCaseID, &status, &res.ExecutionTimeSeconds, &res.MemoryUsedMB, &res.UpdatedAt); err != nil {
		return nil, err
	}
	res.Status = model.Status(status)
	return res, nil
}

func equalFloatPtr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
