package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"judgeline/internal/common/cache"
	"judgeline/internal/common/db"
	"judgeline/internal/judge/model"
)

const (
	defaultSubmissionCacheTTL      = 10 * time.Minute
	defaultSubmissionCacheEmptyTTL = time.Minute
	submissionCacheKeyPrefix       = "submission:"
)

var (
	ErrSubmissionNotFound = errors.New("submission not found")
)

// Submission represents a judge submission record.
// ExecutionTimeSeconds and MemoryUsedMB stay nil until a verdict is recorded.
type Submission struct {
	ID                   int64          `json:"id"`
	UserID               int64          `json:"userId"`
	ProblemID            int64          `json:"problemId"`
	Code                 string         `json:"code"`
	Language             model.Language `json:"language"`
	Status               model.Status   `json:"status"`
	SubmittedAt          time.Time      `json:"submittedAt"`
	ExecutionTimeSeconds *float64       `json:"executionTimeSeconds,omitempty"`
	MemoryUsedMB         *float64       `json:"memoryUsedMb,omitempty"`
}

// SubmissionFilter narrows List and Count. Zero fields match everything.
type SubmissionFilter struct {
	UserID    int64
	ProblemID int64
}

// SubmissionRepository defines submission persistence interfaces.
type SubmissionRepository interface {
	Create(ctx context.Context, tx db.Transaction, submission *Submission) (int64, error)
	GetByID(ctx context.Context, tx db.Transaction, submissionID int64) (*Submission, error)
	// GetForUpdate reads the row with an exclusive lock held until tx ends.
	GetForUpdate(ctx context.Context, tx db.Transaction, submissionID int64) (*Submission, error)
	// UpdateVerdict moves a non-terminal submission to a verdict. It reports false when
	// the row was already terminal (or missing) and nothing was written.
	UpdateVerdict(ctx context.Context, tx db.Transaction, submissionID int64, status model.Status, executionTimeSeconds, memoryUsedMB *float64) (bool, error)
	// MarkRunning moves WAITING_FOR_EXECUTION to RUNNING and reports whether it did.
	MarkRunning(ctx context.Context, tx db.Transaction, submissionID int64) (bool, error)
	List(ctx context.Context, filter SubmissionFilter, offset, limit int) ([]*Submission, error)
	Count(ctx context.Context, filter SubmissionFilter) (int64, error)
	InvalidateCache(ctx context.Context, submissionIDs ...int64)
}

// MySQLSubmissionRepository implements SubmissionRepository with MySQL.
type MySQLSubmissionRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewSubmissionRepository creates a submission repository with defaults.
func NewSubmissionRepository(database db.Database, cacheClient cache.Cache) *MySQLSubmissionRepository {
	return NewSubmissionRepositoryWithTTL(database, cacheClient, defaultSubmissionCacheTTL, defaultSubmissionCacheEmptyTTL)
}

// NewSubmissionRepositoryWithTTL creates a submission repository with custom TTL.
func NewSubmissionRepositoryWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) *MySQLSubmissionRepository {
	if ttl <= 0 {
		ttl = defaultSubmissionCacheTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultSubmissionCacheEmptyTTL
	}
	return &MySQLSubmissionRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

const submissionColumns = "id, user_id, problem_id, code, language, status, submitted_at, execution_time_seconds, memory_used_mb"

// Create inserts a submission record and returns its id.
func (r *MySQLSubmissionRepository) Create(ctx context.Context, tx db.Transaction, submission *Submission) (int64, error) {
	if submission == nil {
		return 0, errors.New("submission is nil")
	}
	if submission.UserID <= 0 {
		return 0, errors.New("userID is required")
	}
	if submission.ProblemID <= 0 {
		return 0, errors.New("problemID is required")
	}
	if strings.TrimSpace(submission.Code) == "" {
		return 0, errors.New("code is required")
	}
	if !submission.Language.Valid() {
		return 0, fmt.Errorf("unsupported language %q", submission.Language)
	}
	if submission.Status == "" {
		submission.Status = model.StatusWaiting
	}
	if submission.SubmittedAt.IsZero() {
		submission.SubmittedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO submissions
		(user_id, problem_id, code, language, status, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := db.GetQuerier(r.db, tx).Exec(
		ctx,
		query,
		submission.UserID,
		submission.ProblemID,
		submission.Code,
		string(submission.Language),
		string(submission.Status),
		submission.SubmittedAt,
	)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	submission.ID = id
	return id, nil
}

// GetByID retrieves a submission by id. Reads outside a transaction go through the cache.
func (r *MySQLSubmissionRepository) GetByID(ctx context.Context, tx db.Transaction, submissionID int64) (*Submission, error) {
	if submissionID <= 0 {
		return nil, ErrSubmissionNotFound
	}
	if r.cache != nil && tx == nil {
		submission, err := cache.GetWithCached[*Submission](
			ctx,
			r.cache,
			submissionCacheKey(submissionID),
			cache.JitterTTL(r.ttl),
			cache.JitterTTL(r.emptyTTL),
			func(submission *Submission) bool { return submission == nil },
			marshalSubmission,
			unmarshalSubmission,
			func(ctx context.Context) (*Submission, error) {
				submission, err := r.getOne(ctx, nil, submissionID, false)
				if errors.Is(err, ErrSubmissionNotFound) {
					return nil, nil
				}
				return submission, err
			},
		)
		if err != nil {
			return nil, err
		}
		if submission == nil {
			return nil, ErrSubmissionNotFound
		}
		return submission, nil
	}
	return r.getOne(ctx, tx, submissionID, false)
}

// GetForUpdate locks the submission row for the rest of tx.
func (r *MySQLSubmissionRepository) GetForUpdate(ctx context.Context, tx db.Transaction, submissionID int64) (*Submission, error) {
	if tx == nil {
		return nil, errors.New("GetForUpdate requires a transaction")
	}
	if submissionID <= 0 {
		return nil, ErrSubmissionNotFound
	}
	return r.getOne(ctx, tx, submissionID, true)
}

func (r *MySQLSubmissionRepository) getOne(ctx context.Context, tx db.Transaction, submissionID int64, forUpdate bool) (*Submission, error) {
	query := "SELECT " + submissionColumns + " FROM submissions WHERE id = ? LIMIT 1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	row := db.GetQuerier(r.db, tx).QueryRow(ctx, query, submissionID)
	submission, err := scanSubmission(row.Scan, true)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	return submission, nil
}

// UpdateVerdict is a compare-and-set guarded by the non-terminal status set.
func (r *MySQLSubmissionRepository) UpdateVerdict(ctx context.Context, tx db.Transaction, submissionID int64, status model.Status, executionTimeSeconds, memoryUsedMB *float64) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %s is not a verdict", status)
	}
	guard := strings.TrimSuffix(strings.Repeat("?, ", len(model.NonTerminalStatuses)), ", ")
	query := `
		UPDATE submissions
		SET status = ?, execution_time_seconds = ?, memory_used_mb = ?
		WHERE id = ? AND status IN (` + guard + `)
	`
	args := []any{string(status), executionTimeSeconds, memoryUsedMB, submissionID}
	for _, s := range model.NonTerminalStatuses {
		args = append(args, string(s))
	}
	result, err := db.GetQuerier(r.db, tx).Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if tx == nil {
		r.InvalidateCache(ctx, submissionID)
	}
	return affected == 1, nil
}

// MarkRunning records the started signal.
func (r *MySQLSubmissionRepository) MarkRunning(ctx context.Context, tx db.Transaction, submissionID int64) (bool, error) {
	query := "UPDATE submissions SET status = ? WHERE id = ? AND status = ?"
	result, err := db.GetQuerier(r.db, tx).Exec(ctx, query, string(model.StatusRunning), submissionID, string(model.StatusWaiting))
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if tx == nil {
		r.InvalidateCache(ctx, submissionID)
	}
	return affected == 1, nil
}

// List returns submissions newest first, without their source code.
func (r *MySQLSubmissionRepository) List(ctx context.Context, filter SubmissionFilter, offset, limit int) ([]*Submission, error) {
	if limit <= 0 {
		return nil, nil
	}
	if offset < 0 {
		offset = 0
	}
	where, args := filterClause(filter)
	query := "SELECT id, user_id, problem_id, language, status, submitted_at, execution_time_seconds, memory_used_mb FROM submissions" +
		where + " ORDER BY submitted_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Submission
	for rows.Next() {
		submission, err := scanSubmission(rows.Scan, false)
		if err != nil {
			return nil, err
		}
		out = append(out, submission)
	}
	return out, rows.Err()
}

// Count returns the number of submissions matching filter.
func (r *MySQLSubmissionRepository) Count(ctx context.Context, filter SubmissionFilter) (int64, error) {
	where, args := filterClause(filter)
	var total int64
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM submissions"+where, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// InvalidateCache drops cached rows; failures only delay freshness until the TTL expires.
func (r *MySQLSubmissionRepository) InvalidateCache(ctx context.Context, submissionIDs ...int64) {
	if r.cache == nil || len(submissionIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(submissionIDs))
	for _, id := range submissionIDs {
		keys = append(keys, submissionCacheKey(id))
	}
	_ = r.cache.Del(ctx, keys...)
}

func filterClause(filter SubmissionFilter) (string, []any) {
	var conds []string
	var args []any
	if filter.UserID > 0 {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ProblemID > 0 {
		conds = append(conds, "problem_id = ?")
		args = append(args, filter.ProblemID)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanSubmission(scan func(dest ...any) error, withCode bool) (*Submission, error) {
	submission := &Submission{}
	var language, status string
	dest := []any{&submission.ID, &submission.UserID, &submission.ProblemID}
	if withCode {
		dest = append(dest, &submission.Code)
	}
	dest = append(dest, &language, &status, &submission.SubmittedAt, &submission.ExecutionTimeSeconds, &submission.MemoryUsedMB)
	if err := scan(dest...); err != nil {
		return nil, err
	}
	submission.Language = model.Language(language)
	submission.Status = model.Status(status)
	return submission, nil
}

func submissionCacheKey(submissionID int64) string {
	return fmt.Sprintf("%s%d", submissionCacheKeyPrefix, submissionID)
}

func marshalSubmission(submission *Submission) string {
	if submission == nil {
		return ""
	}
	data, err := json.Marshal(submission)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalSubmission(data string) (*Submission, error) {
	if data == "" || data == cache.NullCacheValue {
		return nil, nil
	}
	var submission Submission
	if err := json.Unmarshal([]byte(data), &submission); err != nil {
		return nil, err
	}
	return &submission, nil
}
