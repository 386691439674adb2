package service_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"judgeline/internal/common/cache"
	"judgeline/internal/common/db"
	"judgeline/internal/common/mq"
	"judgeline/internal/common/storage"
	"judgeline/internal/judge/model"
	problemRepo "judgeline/internal/problem/repository"
	"judgeline/internal/submit/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const (
	tcOne   = "0b9e3c1e-7f59-4a4e-9f0e-5d1c8c0b7a11"
	tcTwo   = "6f9619ff-8b86-d011-b42d-00c04fc964ff"
	tcThree = "9a1f2c3d-4b5e-4f60-8a7b-1c2d3e4f5a6b"
)

type resultKey struct {
	submissionID int64
	testCaseID   string
}

// memoryStore is a transactional in-memory stand-in for MySQL. Transactions are
// serialized and roll back every write when fn fails.
type memoryStore struct {
	txMu sync.Mutex

	mu          sync.Mutex
	nextID      int64
	submissions map[int64]repository.Submission
	results     map[resultKey]repository.TestCaseResult
	problems    map[int64]*problemRepo.JudgeSpec
	invalidated []int64
	rollbacks   int
	verdicts    map[int64]int

	failUpdateVerdict error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		submissions: make(map[int64]repository.Submission),
		results:     make(map[resultKey]repository.TestCaseResult),
		problems:    make(map[int64]*problemRepo.JudgeSpec),
		verdicts:    make(map[int64]int),
	}
}

func (m *memoryStore) addProblem(id int64, testCaseIDs ...string) {
	spec := &problemRepo.JudgeSpec{ProblemID: id, TimeLimitSeconds: 2, MemoryLimitMB: 256}
	for i, tc := range testCaseIDs {
		spec.TestCases = append(spec.TestCases, problemRepo.TestCase{
			ID:     tc,
			Sample: i == 0,
			Input:  "in",
			Output: "out",
		})
	}
	m.mu.Lock()
	m.problems[id] = spec
	m.mu.Unlock()
}

func (m *memoryStore) addSubmission(userID, problemID int64, status model.Status) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.submissions[m.nextID] = repository.Submission{
		ID:          m.nextID,
		UserID:      userID,
		ProblemID:   problemID,
		Code:        "print(1)",
		Language:    model.LanguagePython,
		Status:      status,
		SubmittedAt: time.Now().UTC().Add(time.Duration(m.nextID) * time.Second),
	}
	return m.nextID
}

func (m *memoryStore) submission(id int64) (repository.Submission, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	return s, ok
}

func (m *memoryStore) submissionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submissions)
}

func (m *memoryStore) resultCount(submissionID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.results {
		if k.submissionID == submissionID {
			n++
		}
	}
	return n
}

// verdictWrites counts successful verdict updates for a submission.
func (m *memoryStore) verdictWrites(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verdicts[id]
}

func (m *memoryStore) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	nextID := m.nextID
	subs := make(map[int64]repository.Submission, len(m.submissions))
	for k, v := range m.submissions {
		subs[k] = v
	}
	results := make(map[resultKey]repository.TestCaseResult, len(m.results))
	for k, v := range m.results {
		results[k] = v
	}
	m.mu.Unlock()

	if err := fn(nil); err != nil {
		m.mu.Lock()
		m.nextID = nextID
		m.submissions = subs
		m.results = results
		m.rollbacks++
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memoryStore) Create(ctx context.Context, tx db.Transaction, s *repository.Submission) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s.ID = m.nextID
	m.submissions[s.ID] = *s
	return s.ID, nil
}

func (m *memoryStore) GetByID(ctx context.Context, tx db.Transaction, id int64) (*repository.Submission, error) {
	s, ok := m.submission(id)
	if !ok {
		return nil, repository.ErrSubmissionNotFound
	}
	return &s, nil
}

func (m *memoryStore) GetForUpdate(ctx context.Context, tx db.Transaction, id int64) (*repository.Submission, error) {
	return m.GetByID(ctx, tx, id)
}

func (m *memoryStore) UpdateVerdict(ctx context.Context, tx db.Transaction, id int64, status model.Status, execTime, memory *float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdateVerdict != nil {
		return false, m.failUpdateVerdict
	}
	s, ok := m.submissions[id]
	if !ok || s.Status.IsTerminal() {
		return false, nil
	}
	s.Status = status
	s.ExecutionTimeSeconds = execTime
	s.MemoryUsedMB = memory
	m.submissions[id] = s
	m.verdicts[id]++
	return true, nil
}

func (m *memoryStore) MarkRunning(ctx context.Context, tx db.Transaction, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	if !ok || s.Status != model.StatusWaiting {
		return false, nil
	}
	s.Status = model.StatusRunning
	m.submissions[id] = s
	return true, nil
}

func (m *memoryStore) List(ctx context.Context, filter repository.SubmissionFilter, offset, limit int) ([]*repository.Submission, error) {
	matched := m.filter(filter)
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (m *memoryStore) Count(ctx context.Context, filter repository.SubmissionFilter) (int64, error) {
	return int64(len(m.filter(filter))), nil
}

func (m *memoryStore) filter(filter repository.SubmissionFilter) []*repository.Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.Submission
	for _, s := range m.submissions {
		if filter.UserID > 0 && s.UserID != filter.UserID {
			continue
		}
		if filter.ProblemID > 0 && s.ProblemID != filter.ProblemID {
			continue
		}
		s := s
		s.Code = ""
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

func (m *memoryStore) InvalidateCache(ctx context.Context, ids ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = append(m.invalidated, ids...)
}

func (m *memoryStore) Upsert(ctx context.Context, tx db.Transaction, r *repository.TestCaseResult) (repository.UpsertOutcome, *repository.TestCaseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := resultKey{r.SubmissionID, r.TestCaseID}
	prev, ok := m.results[key]
	if ok && prev.SamePayload(r) {
		return repository.UpsertUnchanged, &prev, nil
	}
	m.results[key] = *r
	if !ok {
		return repository.UpsertInserted, nil, nil
	}
	return repository.UpsertOverwritten, &prev, nil
}

func (m *memoryStore) ListBySubmission(ctx context.Context, tx db.Transaction, id int64) ([]*repository.TestCaseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.TestCaseResult
	for k, v := range m.results {
		if k.submissionID == id {
			v := v
			out = append(out, &v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestCaseID < out[j].TestCaseID })
	return out, nil
}

func (m *memoryStore) GetJudgeSpec(ctx context.Context, problemID int64) (*problemRepo.JudgeSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.problems[problemID]
	if !ok {
		return nil, problemRepo.ErrProblemNotFound
	}
	return spec, nil
}

type memoryObjectStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
}

func newMemoryObjectStorage() *memoryObjectStorage {
	return &memoryObjectStorage{objects: make(map[string][]byte), meta: make(map[string]map[string]string)}
}

func (s *memoryObjectStorage) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string, metadata map[string]string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = data
	s.meta[bucket+"/"+key] = metadata
	return nil
}

func (s *memoryObjectStorage) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memoryObjectStorage) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectStat{}, storage.ErrObjectNotFound
	}
	return storage.ObjectStat{SizeBytes: int64(len(data)), Metadata: s.meta[bucket+"/"+key]}, nil
}

func (s *memoryObjectStorage) EnsureBucket(ctx context.Context, bucket string) error {
	return nil
}

type failingProducer struct{}

func (failingProducer) Publish(ctx context.Context, topic string, message *mq.Message) error {
	return errors.New("broker unreachable")
}

func newTestCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func floatPtr(v float64) *float64 {
	return &v
}

func strPtr(v string) *string {
	return &v
}
