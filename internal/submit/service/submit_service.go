package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"judgeline/internal/common/cache"
	"judgeline/internal/common/db"
	"judgeline/internal/common/mq"
	"judgeline/internal/common/storage"
	"judgeline/internal/judge/model"
	problemRepo "judgeline/internal/problem/repository"
	"judgeline/internal/submit/repository"
	appErr "judgeline/pkg/errors"
	"judgeline/pkg/identity"
	"judgeline/pkg/utils/logger"

	"github.com/zeromicro/go-zero/core/breaker"
	"go.uber.org/zap"
)

const (
	idempotencyKeyPrefix  = "submit:idempotency:"
	rateUserKeyPrefix     = "submit:rate:user:"
	processingMarker      = "processing"
	defaultMaxCodeBytes   = 64 << 10
	defaultIdempotencyTTL = 10 * time.Minute
	defaultBreakerName    = "submit.dispatch"

	// PageSize is the fixed number of submissions per listing page.
	PageSize = 50
)

// TopicConfig names the queues the pipeline talks to.
type TopicConfig struct {
	Jobs        string `yaml:"judgeJobs"`
	Results     string `yaml:"judgeResults"`
	ResultsDead string `yaml:"judgeResultsDead"`
}

// RateLimitConfig holds throttling configuration.
type RateLimitConfig struct {
	UserMax int           `yaml:"userMax"`
	Window  time.Duration `yaml:"window"`
}

// TimeoutConfig holds timeout settings for external calls.
type TimeoutConfig struct {
	DB      time.Duration `yaml:"db"`
	Cache   time.Duration `yaml:"cache"`
	MQ      time.Duration `yaml:"mq"`
	Storage time.Duration `yaml:"storage"`
}

// TxRunner runs fn inside one database transaction.
type TxRunner interface {
	Transaction(ctx context.Context, fn func(tx db.Transaction) error) error
}

// Config holds dependencies for SubmitService. Storage is optional; without it
// source archiving is skipped.
type Config struct {
	DB             TxRunner
	SubmissionRepo repository.SubmissionRepository
	ResultRepo     repository.TestCaseResultRepository
	ProblemRepo    problemRepo.ProblemRepository
	MQ             mq.Producer
	Cache          cache.Cache
	Storage        storage.ObjectStorage
	Breaker        breaker.Breaker
	Topics         TopicConfig
	ArchiveBucket  string
	MaxCodeBytes   int
	IdempotencyTTL time.Duration
	RateLimit      RateLimitConfig
	Timeouts       TimeoutConfig
}

// SubmitService is the dispatch gateway plus the read side of submissions.
type SubmitService struct {
	db             TxRunner
	submissionRepo repository.SubmissionRepository
	resultRepo     repository.TestCaseResultRepository
	problemRepo    problemRepo.ProblemRepository
	mq             mq.Producer
	cache          cache.Cache
	archiver       *SourceArchiver
	breaker        breaker.Breaker
	topics         TopicConfig
	maxCodeBytes   int
	idempotencyTTL time.Duration
	rateLimit      RateLimitConfig
	timeouts       TimeoutConfig
}

// SubmitInput is one submit request. The submitter comes from the caller identity.
type SubmitInput struct {
	ProblemID      int64
	Code           string
	Language       string
	IdempotencyKey string
}

// SubmissionDetails is the caller-facing view of a submission.
type SubmissionDetails struct {
	ID                   int64               `json:"id"`
	UserID               int64               `json:"userId"`
	ProblemID            int64               `json:"problemId"`
	Code                 string              `json:"code,omitempty"`
	Language             model.Language      `json:"language"`
	Status               model.Status        `json:"status"`
	SubmittedAt          time.Time           `json:"submittedAt"`
	ExecutionTimeSeconds *float64            `json:"executionTimeSeconds,omitempty"`
	MemoryUsedMB         *float64            `json:"memoryUsedMb,omitempty"`
	TestResults          []TestResultSummary `json:"testResults,omitempty"`
}

// TestResultSummary is one judged test case, numbered in problem order.
type TestResultSummary struct {
	TestCaseNumber       int          `json:"testCaseNumber"`
	Sample               bool         `json:"sample"`
	Status               model.Status `json:"status"`
	ExecutionTimeSeconds *float64     `json:"executionTimeSeconds,omitempty"`
	MemoryUsedMB         *float64     `json:"memoryUsedMb,omitempty"`
}

// ListFilter narrows ListSubmissions. Zero fields match everything.
type ListFilter struct {
	ProblemID int64
	UserID    int64
}

// SubmissionPage is one page of submissions, newest first.
type SubmissionPage struct {
	Items    []*SubmissionDetails
	Total    int64
	Page     int
	PageSize int
}

// NewSubmitService creates a new SubmitService.
func NewSubmitService(cfg Config) (*SubmitService, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("db is required")
	}
	if cfg.SubmissionRepo == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.ResultRepo == nil {
		return nil, fmt.Errorf("test case result repository is required")
	}
	if cfg.ProblemRepo == nil {
		return nil, fmt.Errorf("problem repository is required")
	}
	if cfg.MQ == nil {
		return nil, fmt.Errorf("mq is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if strings.TrimSpace(cfg.Topics.Jobs) == "" {
		return nil, fmt.Errorf("job topic is required")
	}
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = defaultMaxCodeBytes
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if cfg.Breaker == nil {
		cfg.Breaker = breaker.NewBreaker(breaker.WithName(defaultBreakerName))
	}

	var archiver *SourceArchiver
	if cfg.Storage != nil && cfg.ArchiveBucket != "" {
		var err error
		archiver, err = NewSourceArchiver(cfg.Storage, cfg.ArchiveBucket)
		if err != nil {
			return nil, err
		}
	}

	return &SubmitService{
		db:             cfg.DB,
		submissionRepo: cfg.SubmissionRepo,
		resultRepo:     cfg.ResultRepo,
		problemRepo:    cfg.ProblemRepo,
		mq:             cfg.MQ,
		cache:          cfg.Cache,
		archiver:       archiver,
		breaker:        cfg.Breaker,
		topics:         cfg.Topics,
		maxCodeBytes:   cfg.MaxCodeBytes,
		idempotencyTTL: cfg.IdempotencyTTL,
		rateLimit:      cfg.RateLimit,
		timeouts:       cfg.Timeouts,
	}, nil
}

// Submit persists a new submission and publishes exactly one execution job for it.
// Validation and problem lookup happen before any row or message is written.
func (s *SubmitService) Submit(ctx context.Context, caller identity.Identity, input SubmitInput) (*SubmissionDetails, error) {
	language, err := s.validateInput(caller, input)
	if err != nil {
		return nil, err
	}
	if err := s.checkRateLimit(ctx, caller.UserID); err != nil {
		return nil, err
	}

	acquired, existingID, err := s.acquireIdempotency(ctx, caller.UserID, input.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if !acquired && existingID > 0 {
		return s.GetSubmission(ctx, caller, existingID)
	}

	spec, err := s.loadJudgeSpec(ctx, input.ProblemID)
	if err != nil {
		s.releaseIdempotency(ctx, caller.UserID, input.IdempotencyKey, acquired)
		return nil, err
	}

	submission := &repository.Submission{
		UserID:      caller.UserID,
		ProblemID:   input.ProblemID,
		Code:        input.Code,
		Language:    language,
		Status:      model.StatusWaiting,
		SubmittedAt: time.Now().UTC(),
	}
	if err := s.createAndDispatch(ctx, submission, spec); err != nil {
		s.releaseIdempotency(ctx, caller.UserID, input.IdempotencyKey, acquired)
		return nil, err
	}

	s.finalizeIdempotency(ctx, caller.UserID, input.IdempotencyKey, submission.ID, acquired)
	s.archiveSource(ctx, submission)

	logger.Info(ctx, "submission dispatched",
		zap.Int64("submission_id", submission.ID),
		zap.Int64("problem_id", submission.ProblemID),
		zap.String("language", string(submission.Language)),
		zap.Int("test_cases", spec.ExpectedResults()),
	)
	return toDetails(submission, nil, nil), nil
}

// GetSubmission returns one submission with its per-test-case results.
func (s *SubmitService) GetSubmission(ctx context.Context, caller identity.Identity, submissionID int64) (*SubmissionDetails, error) {
	if !caller.Authenticated() {
		return nil, appErr.UnauthorizedError("authentication required")
	}
	if submissionID <= 0 {
		return nil, appErr.ValidationError("submission_id", "must be positive")
	}

	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	submission, err := s.submissionRepo.GetByID(ctxDB.ctx, nil, submissionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return nil, appErr.New(appErr.SubmissionNotFound).WithDetail("submission_id", submissionID)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get submission failed")
	}
	if !caller.CanViewSubmissionOf(submission.UserID) {
		return nil, appErr.ForbiddenError("submission belongs to another user")
	}

	results, err := s.resultRepo.ListBySubmission(ctxDB.ctx, nil, submissionID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list test case results failed")
	}
	var spec *problemRepo.JudgeSpec
	if len(results) > 0 {
		// Numbering falls back to storage order when the problem is gone.
		spec, err = s.problemRepo.GetJudgeSpec(ctxDB.ctx, submission.ProblemID)
		if err != nil && !errors.Is(err, problemRepo.ErrProblemNotFound) {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "load problem failed")
		}
	}
	return toDetails(submission, results, spec), nil
}

// ListSubmissions returns one page of submissions, newest first, without source code.
// Callers without list_all_submissions only see their own submissions.
func (s *SubmitService) ListSubmissions(ctx context.Context, caller identity.Identity, filter ListFilter, page int) (*SubmissionPage, error) {
	if !caller.Authenticated() {
		return nil, appErr.UnauthorizedError("authentication required")
	}
	if page < 1 {
		page = 1
	}
	if !caller.Can(identity.CapListAllSubmissions) {
		if filter.UserID > 0 && filter.UserID != caller.UserID {
			return nil, appErr.ForbiddenError("cannot list submissions of another user")
		}
		filter.UserID = caller.UserID
	}

	repoFilter := repository.SubmissionFilter{UserID: filter.UserID, ProblemID: filter.ProblemID}
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()

	total, err := s.submissionRepo.Count(ctxDB.ctx, repoFilter)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "count submissions failed")
	}
	items, err := s.submissionRepo.List(ctxDB.ctx, repoFilter, (page-1)*PageSize, PageSize)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list submissions failed")
	}

	out := &SubmissionPage{
		Items:    make([]*SubmissionDetails, 0, len(items)),
		Total:    total,
		Page:     page,
		PageSize: PageSize,
	}
	for _, item := range items {
		details := toDetails(item, nil, nil)
		details.Code = ""
		out.Items = append(out.Items, details)
	}
	return out, nil
}

func (s *SubmitService) validateInput(caller identity.Identity, input SubmitInput) (model.Language, error) {
	if !caller.Authenticated() {
		return "", appErr.UnauthorizedError("authentication required")
	}
	if !caller.Can(identity.CapSubmitCode) {
		return "", appErr.ForbiddenError("caller may not submit code")
	}
	if input.ProblemID <= 0 {
		return "", appErr.ValidationError("problem_id", "must be positive")
	}
	if strings.TrimSpace(input.Code) == "" {
		return "", appErr.New(appErr.CodeEmpty)
	}
	if len(input.Code) > s.maxCodeBytes {
		return "", appErr.New(appErr.CodeTooLarge).WithDetail("max_bytes", s.maxCodeBytes)
	}
	language, err := model.ParseLanguage(input.Language)
	if err != nil {
		return "", appErr.Wrap(err, appErr.LanguageNotSupported).
			WithDetail("language", input.Language).
			WithDetail("supported", model.SupportedLanguages())
	}
	return language, nil
}

func (s *SubmitService) loadJudgeSpec(ctx context.Context, problemID int64) (*problemRepo.JudgeSpec, error) {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	spec, err := s.problemRepo.GetJudgeSpec(ctxDB.ctx, problemID)
	if err != nil {
		if errors.Is(err, problemRepo.ErrProblemNotFound) {
			return nil, appErr.New(appErr.ProblemNotFound).WithDetail("problem_id", problemID)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load problem failed")
	}
	return spec, nil
}

// createAndDispatch inserts the row and publishes the job in one transaction.
// A failed publish rolls the insert back.
func (s *SubmitService) createAndDispatch(ctx context.Context, submission *repository.Submission, spec *problemRepo.JudgeSpec) error {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()

	err := s.db.Transaction(ctxDB.ctx, func(tx db.Transaction) error {
		if _, err := s.submissionRepo.Create(ctxDB.ctx, tx, submission); err != nil {
			return appErr.Wrapf(err, appErr.SubmissionCreateFailed, "create submission failed")
		}
		return s.publishJob(ctxDB.ctx, submission, spec)
	})
	if err == nil {
		return nil
	}
	submission.ID = 0
	var coded *appErr.Error
	if errors.As(err, &coded) {
		return err
	}
	return appErr.Wrapf(err, appErr.TransactionFailed, "commit submission failed")
}

func (s *SubmitService) publishJob(ctx context.Context, submission *repository.Submission, spec *problemRepo.JudgeSpec) error {
	job := model.ExecutionJob{
		SubmissionID:     submission.ID,
		Code:             submission.Code,
		Language:         submission.Language,
		TimeLimitSeconds: spec.TimeLimitSeconds,
		MemoryLimitMB:    spec.MemoryLimitMB,
		TestCases:        make([]model.JobTestCase, 0, len(spec.TestCases)),
	}
	for _, tc := range spec.TestCases {
		job.TestCases = append(job.TestCases, model.JobTestCase{
			ID:             tc.ID,
			Input:          tc.Input,
			ExpectedOutput: tc.Output,
			Sample:         tc.Sample,
		})
	}
	body, err := json.Marshal(job)
	if err != nil {
		return appErr.Wrapf(err, appErr.DispatchFailed, "encode execution job failed")
	}
	message := mq.NewMessage(body)
	message.ID = strconv.FormatInt(submission.ID, 10)
	message.Key = message.ID

	ctxMQ := withTimeout(ctx, s.timeouts.MQ)
	defer ctxMQ.cancel()
	err = s.breaker.Do(func() error {
		return s.mq.Publish(ctxMQ.ctx, s.topics.Jobs, message)
	})
	if err != nil {
		if errors.Is(err, breaker.ErrServiceUnavailable) {
			return appErr.Wrapf(err, appErr.ServiceUnavailable, "judge queue is unavailable")
		}
		return appErr.Wrapf(err, appErr.DispatchFailed, "publish execution job failed")
	}
	return nil
}

func (s *SubmitService) archiveSource(ctx context.Context, submission *repository.Submission) {
	if s.archiver == nil {
		return
	}
	ctxStorage := withTimeout(ctx, s.timeouts.Storage)
	defer ctxStorage.cancel()
	if err := s.archiver.Archive(ctxStorage.ctx, submission); err != nil {
		logger.Warn(ctx, "archive submission source failed",
			zap.Int64("submission_id", submission.ID),
			zap.Error(err),
		)
	}
}

func idempotencyCacheKey(userID int64, key string) string {
	return fmt.Sprintf("%s%d:%s", idempotencyKeyPrefix, userID, key)
}

// acquireIdempotency reserves key for userID. It returns the submission id when the
// key already completed.
func (s *SubmitService) acquireIdempotency(ctx context.Context, userID int64, key string) (bool, int64, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return true, 0, nil
	}
	cacheKey := idempotencyCacheKey(userID, key)
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()

	ok, err := s.cache.SetNX(ctxCache.ctx, cacheKey, processingMarker, s.idempotencyTTL)
	if err != nil {
		return false, 0, appErr.Wrapf(err, appErr.CacheError, "reserve idempotency key failed")
	}
	if ok {
		return true, 0, nil
	}
	existing, err := s.cache.Get(ctxCache.ctx, cacheKey)
	if err != nil {
		return false, 0, appErr.Wrapf(err, appErr.CacheError, "read idempotency key failed")
	}
	if id, parseErr := strconv.ParseInt(existing, 10, 64); parseErr == nil && id > 0 {
		return false, id, nil
	}
	return false, 0, appErr.New(appErr.DuplicateSubmission).WithMessage("request is processing")
}

func (s *SubmitService) finalizeIdempotency(ctx context.Context, userID int64, key string, submissionID int64, acquired bool) {
	key = strings.TrimSpace(key)
	if !acquired || key == "" {
		return
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.cache.Set(ctxCache.ctx, idempotencyCacheKey(userID, key), strconv.FormatInt(submissionID, 10), s.idempotencyTTL); err != nil {
		logger.Warn(ctx, "update idempotency key failed", zap.Error(err))
	}
}

func (s *SubmitService) releaseIdempotency(ctx context.Context, userID int64, key string, acquired bool) {
	key = strings.TrimSpace(key)
	if !acquired || key == "" {
		return
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.cache.Del(ctxCache.ctx, idempotencyCacheKey(userID, key)); err != nil {
		logger.Warn(ctx, "release idempotency key failed", zap.Error(err))
	}
}

func (s *SubmitService) checkRateLimit(ctx context.Context, userID int64) error {
	if s.rateLimit.Window <= 0 || s.rateLimit.UserMax <= 0 {
		return nil
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()

	key := rateUserKeyPrefix + strconv.FormatInt(userID, 10)
	count, err := s.cache.IncrWithin(ctxCache.ctx, key, s.rateLimit.Window)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
	}
	if int(count) > s.rateLimit.UserMax {
		return appErr.New(appErr.SubmitTooFrequently)
	}
	return nil
}

func toDetails(submission *repository.Submission, results []*repository.TestCaseResult, spec *problemRepo.JudgeSpec) *SubmissionDetails {
	details := &SubmissionDetails{
		ID:                   submission.ID,
		UserID:               submission.UserID,
		ProblemID:            submission.ProblemID,
		Code:                 submission.Code,
		Language:             submission.Language,
		Status:               submission.Status,
		SubmittedAt:          submission.SubmittedAt,
		ExecutionTimeSeconds: submission.ExecutionTimeSeconds,
		MemoryUsedMB:         submission.MemoryUsedMB,
	}
	if len(results) == 0 {
		return details
	}

	order := make(map[string]int)
	sample := make(map[string]bool)
	if spec != nil {
		for i, tc := range spec.TestCases {
			id := strings.ToLower(tc.ID)
			order[id] = i + 1
			sample[id] = tc.Sample
		}
	}
	details.TestResults = make([]TestResultSummary, 0, len(results))
	for i, r := range results {
		id := strings.ToLower(r.TestCaseID)
		number, ok := order[id]
		if !ok {
			number = len(order) + i + 1
		}
		details.TestResults = append(details.TestResults, TestResultSummary{
			TestCaseNumber:       number,
			Sample:               sample[id],
			Status:               r.Status,
			ExecutionTimeSeconds: r.ExecutionTimeSeconds,
			MemoryUsedMB:         r.MemoryUsedMB,
		})
	}
	sort.Slice(details.TestResults, func(i, j int) bool {
		return details.TestResults[i].TestCaseNumber < details.TestResults[j].TestCaseNumber
	})
	return details
}

type timeoutCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func withTimeout(ctx context.Context, timeout time.Duration) timeoutCtx {
	if timeout <= 0 {
		return timeoutCtx{ctx: ctx, cancel: func() {}}
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	return timeoutCtx{ctx: ctxTimeout, cancel: cancel}
}
