package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"judgeline/internal/common/cache"
	"judgeline/internal/common/db"
)

const (
	defaultJudgeSpecTTL      = 30 * time.Minute
	defaultJudgeSpecEmptyTTL = 5 * time.Minute
	judgeSpecKeyPrefix       = "problem:judge:"
)

var (
	ErrProblemNotFound = errors.New("problem not found")
)

// TestCase is one judged input/output pair.
type TestCase struct {
	ID     string `json:"id"`
	Sample bool   `json:"sample"`
	Input  string `json:"input"`
	Output string `json:"output"`
}

// JudgeSpec is what the submission pipeline needs from a problem: limits and test cases.
type JudgeSpec struct {
	ProblemID        int64      `json:"problemId"`
	TimeLimitSeconds float64    `json:"timeLimitSeconds"`
	MemoryLimitMB    int        `json:"memoryLimitMb"`
	TestCases        []TestCase `json:"testCases"`
}

// ExpectedResults is the number of test case results needed before a verdict can be derived.
func (s *JudgeSpec) ExpectedResults() int {
	return len(s.TestCases)
}

// HasTestCase reports whether id belongs to this problem. Ids compare case-insensitively.
func (s *JudgeSpec) HasTestCase(id string) bool {
	for _, tc := range s.TestCases {
		if strings.EqualFold(tc.ID, id) {
			return true
		}
	}
	return false
}

// ProblemRepository is a read-only view of the problem catalog.
type ProblemRepository interface {
	GetJudgeSpec(ctx context.Context, problemID int64) (*JudgeSpec, error)
}

type MySQLProblemRepository struct {
	db       db.Database
	cache    cache.Cache
	local    *cache.LRU[*JudgeSpec]
	ttl      time.Duration
	emptyTTL time.Duration
}

func NewProblemRepository(database db.Database, cacheClient cache.Cache) *MySQLProblemRepository {
	return NewProblemRepositoryWithTTL(database, cacheClient, defaultJudgeSpecTTL, defaultJudgeSpecEmptyTTL)
}

func NewProblemRepositoryWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) *MySQLProblemRepository {
	if ttl <= 0 {
		ttl = defaultJudgeSpecTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultJudgeSpecEmptyTTL
	}
	return &MySQLProblemRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

// WithLocalCache keeps up to size judge specs in process for ttl, in front of Redis.
// Misses are not cached locally.
func (r *MySQLProblemRepository) WithLocalCache(size int, ttl time.Duration) *MySQLProblemRepository {
	if ttl > 0 {
		r.local = cache.NewLRU[*JudgeSpec](size, ttl)
	}
	return r
}

// GetJudgeSpec loads limits and test cases, samples first.
func (r *MySQLProblemRepository) GetJudgeSpec(ctx context.Context, problemID int64) (*JudgeSpec, error) {
	if problemID <= 0 {
		return nil, ErrProblemNotFound
	}
	key := judgeSpecKey(problemID)
	if r.local != nil {
		if spec, ok := r.local.Get(key); ok {
			return spec, nil
		}
	}
	spec, err := r.loadJudgeSpec(ctx, problemID)
	if err != nil {
		return nil, err
	}
	if r.local != nil {
		r.local.Set(key, spec, 0)
	}
	return spec, nil
}

func (r *MySQLProblemRepository) loadJudgeSpec(ctx context.Context, problemID int64) (*JudgeSpec, error) {
	if r.cache == nil {
		return r.getJudgeSpecFromDB(ctx, problemID)
	}
	spec, err := cache.GetWithCached[*JudgeSpec](
		ctx,
		r.cache,
		judgeSpecKey(problemID),
		cache.JitterTTL(r.ttl),
		cache.JitterTTL(r.emptyTTL),
		func(spec *JudgeSpec) bool { return spec == nil },
		marshalJudgeSpec,
		unmarshalJudgeSpec,
		func(ctx context.Context) (*JudgeSpec, error) {
			spec, err := r.getJudgeSpecFromDB(ctx, problemID)
			if errors.Is(err, ErrProblemNotFound) {
				return nil, nil
			}
			return spec, err
		},
	)
	if err != nil {
		return nil, err
	}
	if spec == nil {
		return nil, ErrProblemNotFound
	}
	return spec, nil
}

func (r *MySQLProblemRepository) getJudgeSpecFromDB(ctx context.Context, problemID int64) (*JudgeSpec, error) {
	spec := &JudgeSpec{ProblemID: problemID}
	row := r.db.QueryRow(ctx, "SELECT time_limit_seconds, memory_limit_mb FROM problems WHERE id = ? LIMIT 1", problemID)
	if err := row.Scan(&spec.TimeLimitSeconds, &spec.MemoryLimitMB); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrProblemNotFound
		}
		return nil, err
	}

	rows, err := r.db.Query(ctx, "SELECT id, is_sample, input, output FROM test_cases WHERE problem_id = ? ORDER BY is_sample DESC, id", problemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var tc TestCase
		if err := rows.Scan(&tc.ID, &tc.Sample, &tc.Input, &tc.Output); err != nil {
			return nil, err
		}
		spec.TestCases = append(spec.TestCases, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return spec, nil
}

func judgeSpecKey(problemID int64) string {
	return judgeSpecKeyPrefix + strconv.FormatInt(problemID, 10)
}

func marshalJudgeSpec(spec *JudgeSpec) string {
	data, err := json.Marshal(spec)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalJudgeSpec(data string) (*JudgeSpec, error) {
	if data == "" || data == cache.NullCacheValue {
		return nil, nil
	}
	var spec JudgeSpec
	if err := json.Unmarshal([]byte(data), &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}
