package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"judgeline/internal/common/mq"
	"judgeline/internal/judge/model"
	"judgeline/internal/submit/service"
	appErr "judgeline/pkg/errors"

	"github.com/go-sql-driver/mysql"
)

func newResultService(t *testing.T, store *memoryStore) *service.ResultService {
	t.Helper()
	svc, err := service.NewResultService(service.ResultConfig{
		DB:             store,
		SubmissionRepo: store,
		ResultRepo:     store,
		ProblemRepo:    store,
		Topics:         service.TopicConfig{Results: "judge.results", ResultsDead: "judge.results.dead"},
	})
	if err != nil {
		t.Fatalf("new result service: %v", err)
	}
	return svc
}

func perTest(submissionID int64, testCaseID string, status model.Status) *model.ResultNotification {
	return &model.ResultNotification{
		SubmissionID:         submissionID,
		Status:               status,
		TestCaseID:           strPtr(testCaseID),
		ExecutionTimeSeconds: floatPtr(0.5),
		MemoryUsedMB:         floatPtr(32),
	}
}

func final(submissionID int64, status model.Status) *model.ResultNotification {
	return &model.ResultNotification{SubmissionID: submissionID, Status: status}
}

func mustProcess(t *testing.T, svc *service.ResultService, n *model.ResultNotification) service.Outcome {
	t.Helper()
	outcome, err := svc.ProcessResult(context.Background(), n)
	if err != nil {
		t.Fatalf("process %+v: %v", n, err)
	}
	return outcome
}

func TestPerTestCaseResultsCompleteInAnyOrder(t *testing.T) {
	t.Parallel()
	orders := [][]string{
		{tcOne, tcTwo, tcThree},
		{tcThree, tcOne, tcTwo},
		{tcTwo, tcThree, tcOne},
	}
	statuses := map[string]model.Status{
		tcOne:   model.StatusPassed,
		tcTwo:   model.StatusTimeLimitExceeded,
		tcThree: model.StatusPassed,
	}
	for _, order := range orders {
		store := newMemoryStore()
		store.addProblem(3, tcOne, tcTwo, tcThree)
		id := store.addSubmission(7, 3, model.StatusWaiting)
		svc := newResultService(t, store)

		for i, tc := range order {
			outcome := mustProcess(t, svc, perTest(id, tc, statuses[tc]))
			sub, _ := store.submission(id)
			if i < len(order)-1 {
				if outcome != service.OutcomeRecorded || sub.Status != model.StatusWaiting {
					t.Fatalf("order %v step %d: outcome %s status %s", order, i, outcome, sub.Status)
				}
				continue
			}
			if outcome != service.OutcomeApplied || sub.Status != model.StatusTimeLimitExceeded {
				t.Fatalf("order %v final: outcome %s status %s", order, outcome, sub.Status)
			}
			if sub.ExecutionTimeSeconds == nil || *sub.ExecutionTimeSeconds != 0.5 {
				t.Fatalf("expected aggregated execution time, got %v", sub.ExecutionTimeSeconds)
			}
		}
	}
}

func TestPerTestCaseReplayIsIdempotent(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	store.addProblem(3, tcOne, tcTwo)
	id := store.addSubmission(7, 3, model.StatusWaiting)
	svc := newResultService(t, store)

	if got := mustProcess(t, svc, perTest(id, tcOne, model.StatusPassed)); got != service.OutcomeRecorded {
		t.Fatalf("first delivery: %s", got)
	}
	if got := mustProcess(t, svc, perTest(id, tcOne, model.StatusPassed)); got != service.OutcomeDuplicate {
		t.Fatalf("replay: %s", got)
	}
	if n := store.resultCount(id); n != 1 {
		t.Fatalf("expected one row, got %d", n)
	}
	// Upper-case ids land on the same row.
	if got := mustProcess(t, svc, perTest(id, strings.ToUpper(tcOne), model.StatusPassed)); got != service.OutcomeDuplicate {
		t.Fatalf("upper-case replay: %s", got)
	}
}

func TestPerTestCaseOverwriteIsLastWriteWins(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	store.addProblem(3, tcOne, tcTwo)
	id := store.addSubmission(7, 3, model.StatusWaiting)
	svc := newResultService(t, store)

	mustProcess(t, svc, perTest(id, tcOne, model.StatusRuntimeError))
	if got := mustProcess(t, svc, perTest(id, tcOne, model.StatusPassed)); got != service.OutcomeRecorded {
		t.Fatalf("overwrite: %s", got)
	}
	mustProcess(t, svc, perTest(id, tcTwo, model.StatusPassed))
	sub, _ := store.submission(id)
	if sub.Status != model.StatusPassed {
		t.Fatalf("expected PASSED after overwrite, got %s", sub.Status)
	}
}

func TestTerminalSubmissionNeverChanges(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		msg     func(id int64) *model.ResultNotification
		outcome service.Outcome
	}{
		{"same verdict", func(id int64) *model.ResultNotification { return final(id, model.StatusPassed) }, service.OutcomeDuplicate},
		{"conflicting verdict", func(id int64) *model.ResultNotification { return final(id, model.StatusCompilationError) }, service.OutcomeConflict},
		{"late started signal", func(id int64) *model.ResultNotification { return final(id, model.StatusRunning) }, service.OutcomeIgnored},
		{"late failing test case", func(id int64) *model.ResultNotification { return perTest(id, tcOne, model.StatusRuntimeError) }, service.OutcomeIgnored},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := newMemoryStore()
			store.addProblem(3, tcOne)
			id := store.addSubmission(7, 3, model.StatusPassed)
			svc := newResultService(t, store)

			if got := mustProcess(t, svc, tt.msg(id)); got != tt.outcome {
				t.Fatalf("outcome = %s, want %s", got, tt.outcome)
			}
			if sub, _ := store.submission(id); sub.Status != model.StatusPassed {
				t.Fatalf("terminal status changed to %s", sub.Status)
			}
		})
	}
}

func TestFinalVerdictTransitions(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	store.addProblem(3, tcOne)
	id := store.addSubmission(7, 3, model.StatusWaiting)
	svc := newResultService(t, store)

	if got := mustProcess(t, svc, final(id, model.StatusRunning)); got != service.OutcomeApplied {
		t.Fatalf("started: %s", got)
	}
	if got := mustProcess(t, svc, final(id, model.StatusRunning)); got != service.OutcomeDuplicate {
		t.Fatalf("started replay: %s", got)
	}
	verdict := final(id, model.StatusMemoryLimitExceeded)
	verdict.MemoryUsedMB = floatPtr(300)
	if got := mustProcess(t, svc, verdict); got != service.OutcomeApplied {
		t.Fatalf("verdict: %s", got)
	}
	sub, _ := store.submission(id)
	if sub.Status != model.StatusMemoryLimitExceeded || sub.MemoryUsedMB == nil || *sub.MemoryUsedMB != 300 {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	if sub.ExecutionTimeSeconds == nil || *sub.ExecutionTimeSeconds != 0 {
		t.Fatalf("unreported time should be stored as 0, got %v", sub.ExecutionTimeSeconds)
	}
	if len(store.invalidated) != 2 {
		t.Fatalf("expected cache invalidation per change, got %v", store.invalidated)
	}
}

func TestFinalVerdictFillsMetricsFromStoredResults(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	store.addProblem(3, tcOne, tcTwo)
	id := store.addSubmission(7, 3, model.StatusWaiting)
	svc := newResultService(t, store)

	first := perTest(id, tcOne, model.StatusPassed)
	first.ExecutionTimeSeconds = floatPtr(1.25)
	mustProcess(t, svc, first)
	mustProcess(t, svc, final(id, model.StatusCompilationError))

	sub, _ := store.submission(id)
	if sub.Status != model.StatusCompilationError {
		t.Fatalf("status = %s", sub.Status)
	}
	if sub.ExecutionTimeSeconds == nil || *sub.ExecutionTimeSeconds != 1.25 {
		t.Fatalf("expected execution time from stored rows, got %v", sub.ExecutionTimeSeconds)
	}
}

func TestJudgedSubmissionsNeverKeepNullMetrics(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	store.addProblem(3, tcOne, tcTwo)
	finalID := store.addSubmission(7, 3, model.StatusWaiting)
	aggregatedID := store.addSubmission(7, 3, model.StatusRunning)
	svc := newResultService(t, store)

	mustProcess(t, svc, final(finalID, model.StatusCompilationError))
	for _, tc := range []string{tcOne, tcTwo} {
		mustProcess(t, svc, &model.ResultNotification{SubmissionID: aggregatedID, Status: model.StatusPassed, TestCaseID: strPtr(tc)})
	}

	for _, id := range []int64{finalID, aggregatedID} {
		sub, _ := store.submission(id)
		if !sub.Status.IsTerminal() {
			t.Fatalf("submission %d still %s", id, sub.Status)
		}
		if sub.ExecutionTimeSeconds == nil || sub.MemoryUsedMB == nil ||
			*sub.ExecutionTimeSeconds != 0 || *sub.MemoryUsedMB != 0 {
			t.Fatalf("submission %d metrics = %v / %v", id, sub.ExecutionTimeSeconds, sub.MemoryUsedMB)
		}
	}
	pending := store.addSubmission(7, 3, model.StatusWaiting)
	mustProcess(t, svc, perTest(pending, tcOne, model.StatusPassed))
	if sub, _ := store.submission(pending); sub.ExecutionTimeSeconds != nil || sub.MemoryUsedMB != nil {
		t.Fatalf("pending submission must not carry metrics: %+v", sub)
	}
}

func TestProcessResultErrors(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	store.addProblem(3, tcOne)
	id := store.addSubmission(7, 3, model.StatusWaiting)
	svc := newResultService(t, store)

	tests := []struct {
		name string
		msg  *model.ResultNotification
		code appErr.ErrorCode
	}{
		{"unknown submission", final(999, model.StatusPassed), appErr.SubmissionNotFound},
		{"test case of another problem", perTest(id, tcTwo, model.StatusPassed), appErr.TestCaseNotFound},
		{"non-uuid test case", perTest(id, "case-1", model.StatusPassed), appErr.ResultMessageInvalid},
		{"per-test running", perTest(id, tcOne, model.StatusRunning), appErr.ResultMessageInvalid},
		{"waiting reported", final(id, model.StatusWaiting), appErr.ResultMessageInvalid},
	}
	for _, tt := range tests {
		_, err := svc.ProcessResult(context.Background(), tt.msg)
		if got := appErr.GetCode(err); got != tt.code {
			t.Fatalf("%s: code %d, want %d (%v)", tt.name, got, tt.code, err)
		}
	}
	if store.resultCount(id) != 0 {
		t.Fatalf("rejected messages must not store rows")
	}
}

func TestProcessResultIsAtomic(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	store.addProblem(3, tcOne)
	id := store.addSubmission(7, 3, model.StatusWaiting)
	store.failUpdateVerdict = errors.New("deadlock found")
	svc := newResultService(t, store)

	_, err := svc.ProcessResult(context.Background(), perTest(id, tcOne, model.StatusPassed))
	if appErr.GetCode(err) != appErr.ResultApplyFailed {
		t.Fatalf("expected apply failure, got %v", err)
	}
	if store.resultCount(id) != 0 {
		t.Fatalf("test case row must roll back with the failed verdict update")
	}
}

func TestDecodeResultAcceptsBothShapes(t *testing.T) {
	t.Parallel()
	n, err := service.DecodeResult([]byte(`{"submissionId":5,"status":"passed","testCaseId":"` + tcOne + `","executionTimeSeconds":0.1,"memoryUsedMb":12.5}`))
	if err != nil {
		t.Fatalf("decode per-test: %v", err)
	}
	if !n.IsPerTestCase() || n.Status != model.StatusPassed || *n.MemoryUsedMB != 12.5 {
		t.Fatalf("unexpected notification: %+v", n)
	}
	n, err = service.DecodeResult([]byte(`{"submissionId":5,"status":"RUNNING"}`))
	if err != nil || n.IsPerTestCase() {
		t.Fatalf("decode final: %+v %v", n, err)
	}
	if _, err := service.DecodeResult([]byte(`{"submissionId":`)); appErr.GetCode(err) != appErr.ResultMessageInvalid {
		t.Fatalf("expected invalid message, got %v", err)
	}
}

func TestHandleDeliveryAcksAndNacks(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	store.addProblem(3, tcOne)
	id := store.addSubmission(7, 3, model.StatusWaiting)
	svc := newResultService(t, store)

	queue := mq.NewMemoryQueue(16)
	defer queue.Close()
	if err := svc.Subscribe(context.Background(), queue, &mq.SubscribeOptions{Concurrency: 2}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := queue.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	publish := func(n *model.ResultNotification) {
		body, _ := json.Marshal(n)
		if err := queue.Publish(context.Background(), "judge.results", mq.NewMessage(body)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	publish(final(999, model.StatusPassed))
	publish(final(id, model.StatusPassed))
	if err := queue.Publish(context.Background(), "judge.results", mq.NewMessage([]byte("not json"))); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitUntil(t, func() bool { return queue.Acked() == 1 && len(queue.DeadLetters()) == 2 })
	time.Sleep(50 * time.Millisecond)
	if queue.Acked() != 1 || len(queue.DeadLetters()) != 2 {
		t.Fatalf("rejected messages must not be redelivered: acked=%d dead=%d", queue.Acked(), len(queue.DeadLetters()))
	}
	if queue.Pending("judge.results.dead") != 2 {
		t.Fatalf("expected rejected messages on the dead-letter topic")
	}
	for _, dl := range queue.DeadLetters() {
		if !strings.HasPrefix(dl.Reason, service.FailureRejected+": ") {
			t.Fatalf("dead letter reason = %q", dl.Reason)
		}
	}
	if sub, _ := store.submission(id); sub.Status != model.StatusPassed {
		t.Fatalf("status = %s", sub.Status)
	}
}

func TestClassifyFailure(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "unknown submission", err: appErr.New(appErr.SubmissionNotFound), want: service.FailureRejected},
		{name: "bad payload", err: appErr.New(appErr.ResultMessageInvalid), want: service.FailureRejected},
		{name: "deadlock", err: appErr.Wrap(&mysql.MySQLError{Number: 1213}, appErr.ResultApplyFailed), want: service.FailureTransient},
		{name: "lock wait", err: appErr.Wrap(&mysql.MySQLError{Number: 1205}, appErr.DatabaseError), want: service.FailureTransient},
		{name: "timeout", err: appErr.Wrap(context.DeadlineExceeded, appErr.TransactionFailed), want: service.FailureTransient},
		{name: "other", err: errors.New("disk full"), want: service.FailureInternal},
	}
	for _, tc := range cases {
		if got := service.ClassifyFailure(tc.err); got != tc.want {
			t.Fatalf("%s: class = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestHandleDeliveryTagsTransientFailures(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	store.addProblem(3, tcOne)
	id := store.addSubmission(7, 3, model.StatusRunning)
	store.failUpdateVerdict = &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}
	svc := newResultService(t, store)

	queue := mq.NewMemoryQueue(4)
	defer queue.Close()
	if err := svc.Subscribe(context.Background(), queue, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := queue.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	body, _ := json.Marshal(final(id, model.StatusPassed))
	if err := queue.Publish(context.Background(), "judge.results", mq.NewMessage(body)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitUntil(t, func() bool { return len(queue.DeadLetters()) == 1 })
	if reason := queue.DeadLetters()[0].Reason; !strings.HasPrefix(reason, service.FailureTransient+": ") {
		t.Fatalf("reason = %q", reason)
	}
	if queue.Acked() != 0 {
		t.Fatalf("failed message must not be acked")
	}
	if sub, _ := store.submission(id); sub.Status != model.StatusRunning {
		t.Fatalf("status changed despite failure: %s", sub.Status)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
