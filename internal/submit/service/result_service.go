package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"judgeline/internal/common/db"
	"judgeline/internal/common/mq"
	"judgeline/internal/judge/model"
	problemRepo "judgeline/internal/problem/repository"
	"judgeline/internal/submit/repository"
	appErr "judgeline/pkg/errors"
	"judgeline/pkg/utils/contextkey"
	"judgeline/pkg/utils/logger"

	"go.uber.org/zap"
)

// Outcome reports what processing one result message did.
type Outcome int

const (
	// OutcomeApplied means the submission status changed.
	OutcomeApplied Outcome = iota
	// OutcomeRecorded means a test case result was stored and the submission is still pending.
	OutcomeRecorded
	// OutcomeDuplicate means the message repeated state already stored.
	OutcomeDuplicate
	// OutcomeConflict means a different verdict arrived for a judged submission and was dropped.
	OutcomeConflict
	// OutcomeIgnored means the message was valid but had nothing left to change.
	OutcomeIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeRecorded:
		return "recorded"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeConflict:
		return "conflict"
	case OutcomeIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// ResultConfig holds dependencies for ResultService.
type ResultConfig struct {
	DB             TxRunner
	SubmissionRepo repository.SubmissionRepository
	ResultRepo     repository.TestCaseResultRepository
	ProblemRepo    problemRepo.ProblemRepository
	Topics         TopicConfig
	Timeouts       TimeoutConfig
}

// ResultService ingests judge results from the result queue.
// Every message is applied in one transaction that holds the submission row lock,
// so concurrent consumers serialize per submission in the database.
type ResultService struct {
	db             TxRunner
	submissionRepo repository.SubmissionRepository
	resultRepo     repository.TestCaseResultRepository
	problemRepo    problemRepo.ProblemRepository
	topics         TopicConfig
	timeouts       TimeoutConfig
}

// NewResultService creates a new ResultService.
func NewResultService(cfg ResultConfig) (*ResultService, error) {
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
	return &ResultService{
		db:             cfg.DB,
		submissionRepo: cfg.SubmissionRepo,
		resultRepo:     cfg.ResultRepo,
		problemRepo:    cfg.ProblemRepo,
		topics:         cfg.Topics,
		timeouts:       cfg.Timeouts,
	}, nil
}

// Subscribe registers HandleDelivery on the result topic. Rejected messages go to the
// dead-letter topic unless opts names another one.
func (s *ResultService) Subscribe(ctx context.Context, consumer mq.Consumer, opts *mq.SubscribeOptions) error {
	if strings.TrimSpace(s.topics.Results) == "" {
		return fmt.Errorf("result topic is required")
	}
	var options mq.SubscribeOptions
	if opts != nil {
		options = *opts
	}
	if options.DeadLetterTopic == "" {
		options.DeadLetterTopic = s.topics.ResultsDead
	}
	return consumer.Subscribe(ctx, s.topics.Results, s.HandleDelivery, &options)
}

// HandleDelivery processes one delivery and settles it: ack on success, nack without
// requeue on any failure. Failed messages are left for offline reconciliation.
func (s *ResultService) HandleDelivery(ctx context.Context, d *mq.Delivery) {
	defer func() {
		if p := recover(); p != nil {
			s.reject(ctx, d, appErr.Newf(appErr.ResultApplyFailed, "panic while processing result: %v", p))
		}
	}()

	notification, err := DecodeResult(d.Message.Body)
	if err != nil {
		s.reject(ctx, d, err)
		return
	}
	ctx = context.WithValue(ctx, contextkey.SubmissionID, notification.SubmissionID)

	outcome, err := s.ProcessResult(ctx, notification)
	if err != nil {
		s.reject(ctx, d, err)
		return
	}
	if err := d.Ack(ctx); err != nil {
		logger.Error(ctx, "ack result message failed", zap.Error(err))
		return
	}
	logger.Debug(ctx, "result message processed",
		zap.String("status", string(notification.Status)),
		zap.Bool("per_test_case", notification.IsPerTestCase()),
		zap.String("outcome", outcome.String()),
	)
}

// Failure classes carried in the nack reason so dead-lettered messages can be triaged.
const (
	FailureRejected  = "rejected"
	FailureTransient = "transient"
	FailureInternal  = "failed"
)

// ClassifyFailure labels why a result message could not be applied. Rejected messages
// are wrong on their own; transient ones hit lock contention or timeouts and can be
// replayed once the store recovers.
func ClassifyFailure(err error) string {
	switch appErr.GetCode(err) {
	case appErr.ResultMessageInvalid, appErr.SubmissionNotFound, appErr.ProblemNotFound, appErr.TestCaseNotFound:
		return FailureRejected
	}
	if db.IsTransient(err) {
		return FailureTransient
	}
	return FailureInternal
}

func (s *ResultService) reject(ctx context.Context, d *mq.Delivery, cause error) {
	class := ClassifyFailure(cause)
	fields := []zap.Field{
		zap.String("topic", d.Topic),
		zap.String("message_id", d.Message.ID),
		zap.Int("code", int(appErr.GetCode(cause))),
		zap.String("failure", class),
		zap.Int("payload_bytes", len(d.Message.Body)),
		zap.Error(cause),
	}
	switch class {
	case FailureRejected:
		logger.Warn(ctx, "result message rejected", fields...)
	case FailureTransient:
		logger.Error(ctx, "result message failed on transient store error, replay after recovery", fields...)
	default:
		logger.Error(ctx, "result message failed", fields...)
	}
	if err := d.Nack(ctx, false, class+": "+cause.Error()); err != nil && !errors.Is(err, mq.ErrAlreadySettled) {
		logger.Error(ctx, "nack result message failed", zap.Error(err))
	}
}

// DecodeResult parses and validates a result message body.
func DecodeResult(body []byte) (*model.ResultNotification, error) {
	var notification model.ResultNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		return nil, appErr.Wrapf(err, appErr.ResultMessageInvalid, "decode result message failed")
	}
	if status, err := model.ParseStatus(string(notification.Status)); err == nil {
		notification.Status = status
	}
	if err := notification.Validate(); err != nil {
		return nil, appErr.Wrap(err, appErr.ResultMessageInvalid)
	}
	return &notification, nil
}

// ProcessResult applies one result notification atomically.
func (s *ResultService) ProcessResult(ctx context.Context, notification *model.ResultNotification) (Outcome, error) {
	if notification == nil {
		return 0, appErr.New(appErr.ResultMessageInvalid).WithMessage("notification is nil")
	}
	if err := notification.Validate(); err != nil {
		return 0, appErr.Wrap(err, appErr.ResultMessageInvalid)
	}

	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()

	var (
		outcome Outcome
		changed bool
	)
	err := s.db.Transaction(ctxDB.ctx, func(tx db.Transaction) error {
		submission, err := s.submissionRepo.GetForUpdate(ctxDB.ctx, tx, notification.SubmissionID)
		if err != nil {
			if errors.Is(err, repository.ErrSubmissionNotFound) {
				return appErr.New(appErr.SubmissionNotFound).WithDetail("submission_id", notification.SubmissionID)
			}
			return appErr.Wrapf(err, appErr.DatabaseError, "lock submission failed")
		}
		if notification.IsPerTestCase() {
			outcome, changed, err = s.applyTestCaseResult(ctxDB.ctx, tx, submission, notification)
		} else {
			outcome, changed, err = s.applyFinalResult(ctxDB.ctx, tx, submission, notification)
		}
		return err
	})
	if err != nil {
		var coded *appErr.Error
		if errors.As(err, &coded) {
			return 0, err
		}
		return 0, appErr.Wrapf(err, appErr.TransactionFailed, "commit result failed")
	}
	if changed {
		s.submissionRepo.InvalidateCache(ctx, notification.SubmissionID)
	}
	return outcome, nil
}

func (s *ResultService) applyTestCaseResult(ctx context.Context, tx db.Transaction, submission *repository.Submission, n *model.ResultNotification) (Outcome, bool, error) {
	spec, err := s.problemRepo.GetJudgeSpec(ctx, submission.ProblemID)
	if err != nil {
		if errors.Is(err, problemRepo.ErrProblemNotFound) {
			return 0, false, appErr.New(appErr.ProblemNotFound).WithDetail("problem_id", submission.ProblemID)
		}
		return 0, false, appErr.Wrapf(err, appErr.DatabaseError, "load problem failed")
	}
	testCaseID := n.NormalizedTestCaseID()
	if !spec.HasTestCase(testCaseID) {
		return 0, false, appErr.New(appErr.TestCaseNotFound).
			WithDetail("problem_id", submission.ProblemID).
			WithDetail("test_case_id", testCaseID)
	}

	upsert, previous, err := s.resultRepo.Upsert(ctx, tx, &repository.TestCaseResult{
		SubmissionID:         submission.ID,
		TestCaseID:           testCaseID,
		Status:               n.Status,
		ExecutionTimeSeconds: n.ExecutionTimeSeconds,
		MemoryUsedMB:         n.MemoryUsedMB,
	})
	if err != nil {
		return 0, false, appErr.Wrapf(err, appErr.ResultApplyFailed, "store test case result failed")
	}
	if upsert == repository.UpsertOverwritten {
		logger.Warn(ctx, "test case result overwritten",
			zap.String("test_case_id", testCaseID),
			zap.String("previous_status", string(previous.Status)),
			zap.String("status", string(n.Status)),
		)
	}

	if submission.Status.IsTerminal() {
		if upsert == repository.UpsertUnchanged {
			return OutcomeDuplicate, false, nil
		}
		return OutcomeIgnored, false, nil
	}

	stored, err := s.resultRepo.ListBySubmission(ctx, tx, submission.ID)
	if err != nil {
		return 0, false, appErr.Wrapf(err, appErr.DatabaseError, "list test case results failed")
	}
	current := make([]*repository.TestCaseResult, 0, len(stored))
	for _, r := range stored {
		if spec.HasTestCase(r.TestCaseID) {
			current = append(current, r)
		}
	}

	agg := Aggregate(current, spec.ExpectedResults())
	if !agg.Complete {
		if upsert == repository.UpsertUnchanged {
			return OutcomeDuplicate, false, nil
		}
		return OutcomeRecorded, false, nil
	}

	ok, err := s.submissionRepo.UpdateVerdict(ctx, tx, submission.ID, agg.Status, measuredOrZero(agg.ExecutionTimeSeconds), measuredOrZero(agg.MemoryUsedMB))
	if err != nil {
		return 0, false, appErr.Wrapf(err, appErr.ResultApplyFailed, "update submission verdict failed")
	}
	if !ok {
		return OutcomeIgnored, false, nil
	}
	logger.Info(ctx, "submission judged",
		zap.String("status", string(agg.Status)),
		zap.Int("test_cases", len(current)),
	)
	return OutcomeApplied, true, nil
}

func (s *ResultService) applyFinalResult(ctx context.Context, tx db.Transaction, submission *repository.Submission, n *model.ResultNotification) (Outcome, bool, error) {
	switch model.Transition(submission.Status, n.Status) {
	case model.TransitionDuplicate:
		return OutcomeDuplicate, false, nil
	case model.TransitionIgnored:
		return OutcomeIgnored, false, nil
	case model.TransitionConflict:
		logger.Warn(ctx, "conflicting verdict suppressed",
			zap.String("current_status", string(submission.Status)),
			zap.String("status", string(n.Status)),
		)
		return OutcomeConflict, false, nil
	case model.TransitionInvalid:
		return 0, false, appErr.Newf(appErr.ResultMessageInvalid, "cannot move %s to %s", submission.Status, n.Status)
	}

	if n.Status == model.StatusRunning {
		ok, err := s.submissionRepo.MarkRunning(ctx, tx, submission.ID)
		if err != nil {
			return 0, false, appErr.Wrapf(err, appErr.ResultApplyFailed, "mark submission running failed")
		}
		if !ok {
			return OutcomeIgnored, false, nil
		}
		return OutcomeApplied, true, nil
	}

	execTime, memory := n.ExecutionTimeSeconds, n.MemoryUsedMB
	if execTime == nil || memory == nil {
		stored, err := s.resultRepo.ListBySubmission(ctx, tx, submission.ID)
		if err != nil {
			return 0, false, appErr.Wrapf(err, appErr.DatabaseError, "list test case results failed")
		}
		for _, r := range stored {
			if n.ExecutionTimeSeconds == nil {
				execTime = maxFloat(execTime, r.ExecutionTimeSeconds)
			}
			if n.MemoryUsedMB == nil {
				memory = maxFloat(memory, r.MemoryUsedMB)
			}
		}
	}

	ok, err := s.submissionRepo.UpdateVerdict(ctx, tx, submission.ID, n.Status, measuredOrZero(execTime), measuredOrZero(memory))
	if err != nil {
		return 0, false, appErr.Wrapf(err, appErr.ResultApplyFailed, "update submission verdict failed")
	}
	if !ok {
		return OutcomeIgnored, false, nil
	}
	logger.Info(ctx, "submission judged", zap.String("status", string(n.Status)))
	return OutcomeApplied, true, nil
}

// measuredOrZero stores 0 for a metric nobody reported, e.g. a compilation error.
// Metrics are NULL only while a submission is still pending.
func measuredOrZero(v *float64) *float64 {
	if v != nil {
		return v
	}
	zero := 0.0
	return &zero
}
