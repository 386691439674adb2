package service_test

import (
	"testing"

	"judgeline/internal/judge/model"
	"judgeline/internal/submit/repository"
	"judgeline/internal/submit/service"
)

func results(statuses ...model.Status) []*repository.TestCaseResult {
	ids := []string{tcOne, tcTwo, tcThree}
	out := make([]*repository.TestCaseResult, 0, len(statuses))
	for i, st := range statuses {
		out = append(out, &repository.TestCaseResult{
			SubmissionID:         1,
			TestCaseID:           ids[i],
			Status:               st,
			ExecutionTimeSeconds: floatPtr(float64(i+1) / 10),
			MemoryUsedMB:         floatPtr(float64(64 - i)),
		})
	}
	return out
}

func TestAggregatePrecedence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		results  []*repository.TestCaseResult
		expected int
		status   model.Status
		complete bool
	}{
		{
			name:     "time limit beats partial pass",
			results:  results(model.StatusPassed, model.StatusTimeLimitExceeded, model.StatusPassed),
			expected: 3,
			status:   model.StatusTimeLimitExceeded,
			complete: true,
		},
		{
			name:     "compilation error wins over everything",
			results:  results(model.StatusRuntimeError, model.StatusCompilationError, model.StatusTimeLimitExceeded),
			expected: 3,
			status:   model.StatusCompilationError,
			complete: true,
		},
		{
			name:     "runtime error beats time limit",
			results:  results(model.StatusTimeLimitExceeded, model.StatusRuntimeError, model.StatusMemoryLimitExceeded),
			expected: 3,
			status:   model.StatusRuntimeError,
			complete: true,
		},
		{
			name:     "time limit beats memory limit",
			results:  results(model.StatusMemoryLimitExceeded, model.StatusTimeLimitExceeded),
			expected: 2,
			status:   model.StatusTimeLimitExceeded,
			complete: true,
		},
		{
			name:     "memory limit alone",
			results:  results(model.StatusPassed, model.StatusMemoryLimitExceeded),
			expected: 2,
			status:   model.StatusMemoryLimitExceeded,
			complete: true,
		},
		{
			name:     "all passed",
			results:  results(model.StatusPassed, model.StatusPassed, model.StatusPassed),
			expected: 3,
			status:   model.StatusPassed,
			complete: true,
		},
		{
			name:     "two of three passed stays pending",
			results:  results(model.StatusPassed, model.StatusPassed),
			expected: 3,
			status:   model.StatusWaiting,
		},
		{
			name:     "early failure still waits for the full set",
			results:  results(model.StatusCompilationError),
			expected: 3,
			status:   model.StatusWaiting,
		},
		{
			name:     "no expected test cases never completes",
			results:  nil,
			expected: 0,
			status:   model.StatusWaiting,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			agg := service.Aggregate(tt.results, tt.expected)
			if agg.Status != tt.status || agg.Complete != tt.complete {
				t.Fatalf("got %s complete=%v, want %s complete=%v", agg.Status, agg.Complete, tt.status, tt.complete)
			}
		})
	}
}

func TestAggregateMetricsAreMaxima(t *testing.T) {
	t.Parallel()
	agg := service.Aggregate(results(model.StatusPassed, model.StatusPassed, model.StatusPassed), 3)
	if agg.ExecutionTimeSeconds == nil || *agg.ExecutionTimeSeconds != 0.3 {
		t.Fatalf("unexpected execution time: %v", agg.ExecutionTimeSeconds)
	}
	if agg.MemoryUsedMB == nil || *agg.MemoryUsedMB != 64 {
		t.Fatalf("unexpected memory: %v", agg.MemoryUsedMB)
	}
}

func TestAggregateCountsDistinctTestCases(t *testing.T) {
	t.Parallel()
	rs := results(model.StatusPassed, model.StatusPassed)
	rs = append(rs, &repository.TestCaseResult{TestCaseID: tcOne, Status: model.StatusPassed})
	agg := service.Aggregate(rs, 3)
	if agg.Complete {
		t.Fatalf("duplicate rows must not complete the set")
	}
}

func TestAggregateIgnoresArrivalOrder(t *testing.T) {
	t.Parallel()
	base := results(model.StatusPassed, model.StatusTimeLimitExceeded, model.StatusRuntimeError)
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}, {2, 0, 1}}
	for _, order := range orders {
		shuffled := make([]*repository.TestCaseResult, 0, len(order))
		for _, i := range order {
			shuffled = append(shuffled, base[i])
		}
		if got := service.Aggregate(shuffled, 3).Status; got != model.StatusRuntimeError {
			t.Fatalf("order %v: got %s", order, got)
		}
	}
}
