package service_test

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"testing"

	"judgeline/internal/common/mq"
	"judgeline/internal/judge/model"
	"judgeline/internal/submit/service"
)

// A fake worker drains the job topic and reports one result per test case.
func TestSubmitThenJudgeEndToEnd(t *testing.T) {
	t.Parallel()
	f := newSubmitFixture(t, nil)
	ctx := context.Background()
	results := newResultService(t, f.store)

	if err := results.Subscribe(ctx, f.queue, nil); err != nil {
		t.Fatalf("subscribe results: %v", err)
	}
	if err := f.queue.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	details, err := f.svc.Submit(ctx, alice, service.SubmitInput{ProblemID: 3, Code: "print(3)", Language: "PYTHON"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if details.Status != model.StatusWaiting {
		t.Fatalf("initial status = %s", details.Status)
	}

	msg, ok := f.queue.Receive(jobsTopic)
	if !ok {
		t.Fatalf("no job published")
	}
	var job model.ExecutionJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}

	report := func(testCaseID string) {
		body, _ := json.Marshal(model.ResultNotification{
			SubmissionID:         job.SubmissionID,
			Status:               model.StatusPassed,
			TestCaseID:           strPtr(testCaseID),
			ExecutionTimeSeconds: floatPtr(0.02),
			MemoryUsedMB:         floatPtr(8),
		})
		if err := f.queue.Publish(ctx, "judge.results", mq.NewMessage(body)); err != nil {
			t.Fatalf("publish result: %v", err)
		}
	}

	report(job.TestCases[0].ID)
	waitUntil(t, func() bool { return f.queue.Acked() == 1 })
	got, err := f.svc.GetSubmission(ctx, alice, details.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusWaiting || len(got.TestResults) != 1 {
		t.Fatalf("after first result: %+v", got)
	}

	report(job.TestCases[1].ID)
	waitUntil(t, func() bool { return f.queue.Acked() == 2 })
	got, err = f.svc.GetSubmission(ctx, alice, details.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusPassed || len(got.TestResults) != 2 {
		t.Fatalf("after second result: %+v", got)
	}
	if got.MemoryUsedMB == nil || *got.MemoryUsedMB != 8 {
		t.Fatalf("expected aggregated memory, got %v", got.MemoryUsedMB)
	}
	if len(f.queue.DeadLetters()) != 0 {
		t.Fatalf("unexpected dead letters: %+v", f.queue.DeadLetters())
	}
}

// Several workers race on the same submissions with every result duplicated and
// shuffled. Each submission must end with one verdict write and one row per test case.
func TestConcurrentDuplicateResultsPerSubmission(t *testing.T) {
	t.Parallel()
	const (
		submissions = 8
		copies      = 3
	)
	store := newMemoryStore()
	store.addProblem(5, tcOne, tcTwo, tcThree)
	verdicts := map[string]model.Status{
		tcOne:   model.StatusPassed,
		tcTwo:   model.StatusMemoryLimitExceeded,
		tcThree: model.StatusPassed,
	}
	svc := newResultService(t, store)

	queue := mq.NewMemoryQueue(256)
	defer queue.Close()
	if err := svc.Subscribe(context.Background(), queue, &mq.SubscribeOptions{Concurrency: 6}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := queue.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	var (
		ids    []int64
		bodies [][]byte
	)
	for i := 0; i < submissions; i++ {
		id := store.addSubmission(int64(i+1), 5, model.StatusWaiting)
		ids = append(ids, id)
		for c := 0; c < copies; c++ {
			for tc, status := range verdicts {
				body, _ := json.Marshal(model.ResultNotification{
					SubmissionID:         id,
					Status:               status,
					TestCaseID:           strPtr(tc),
					ExecutionTimeSeconds: floatPtr(0.1),
					MemoryUsedMB:         floatPtr(64),
				})
				bodies = append(bodies, body)
			}
			running, _ := json.Marshal(final(id, model.StatusRunning))
			bodies = append(bodies, running)
		}
	}
	rand.Shuffle(len(bodies), func(i, j int) { bodies[i], bodies[j] = bodies[j], bodies[i] })

	var wg sync.WaitGroup
	for _, body := range bodies {
		wg.Add(1)
		go func(body []byte) {
			defer wg.Done()
			if err := queue.Publish(context.Background(), "judge.results", mq.NewMessage(body)); err != nil {
				t.Errorf("publish: %v", err)
			}
		}(body)
	}
	wg.Wait()

	waitUntil(t, func() bool { return queue.Acked() == len(bodies) })
	if dead := queue.DeadLetters(); len(dead) != 0 {
		t.Fatalf("unexpected dead letters: %+v", dead)
	}
	for _, id := range ids {
		sub, _ := store.submission(id)
		if sub.Status != model.StatusMemoryLimitExceeded {
			t.Fatalf("submission %d status = %s", id, sub.Status)
		}
		if n := store.verdictWrites(id); n != 1 {
			t.Fatalf("submission %d verdict written %d times", id, n)
		}
		if n := store.resultCount(id); n != len(verdicts) {
			t.Fatalf("submission %d has %d result rows", id, n)
		}
	}
}
