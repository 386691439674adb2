package service

import (
	"judgeline/internal/judge/model"
	"judgeline/internal/submit/repository"
)

// verdictPrecedence lists failing verdicts from strongest to weakest.
var verdictPrecedence = []model.Status{
	model.StatusCompilationError,
	model.StatusRuntimeError,
	model.StatusTimeLimitExceeded,
	model.StatusMemoryLimitExceeded,
}

// Aggregation is the overall outcome derived from per-test-case results.
type Aggregation struct {
	Status               model.Status
	Complete             bool
	ExecutionTimeSeconds *float64
	MemoryUsedMB         *float64
}

// Aggregate derives the submission verdict from its test case results.
// Nothing is decided until results cover expected distinct test cases, so the
// outcome does not depend on the order results arrived in. Metrics are the maxima
// across all reported cases.
func Aggregate(results []*repository.TestCaseResult, expected int) Aggregation {
	byCase := make(map[string]*repository.TestCaseResult, len(results))
	for _, r := range results {
		if r == nil || r.TestCaseID == "" {
			continue
		}
		byCase[r.TestCaseID] = r
	}

	agg := Aggregation{Status: model.StatusWaiting}
	if expected <= 0 || len(byCase) < expected {
		return agg
	}

	seen := make(map[model.Status]bool, len(verdictPrecedence))
	allPassed := true
	for _, r := range byCase {
		seen[r.Status] = true
		if r.Status != model.StatusPassed {
			allPassed = false
		}
		agg.ExecutionTimeSeconds = maxFloat(agg.ExecutionTimeSeconds, r.ExecutionTimeSeconds)
		agg.MemoryUsedMB = maxFloat(agg.MemoryUsedMB, r.MemoryUsedMB)
	}

	for _, status := range verdictPrecedence {
		if seen[status] {
			agg.Status = status
			agg.Complete = true
			return agg
		}
	}
	if allPassed {
		agg.Status = model.StatusPassed
		agg.Complete = true
		return agg
	}
	// A non-verdict row slipped in; stay pending.
	agg.ExecutionTimeSeconds = nil
	agg.MemoryUsedMB = nil
	return agg
}

func maxFloat(current, candidate *float64) *float64 {
	if candidate == nil {
		return current
	}
	if current == nil || *candidate > *current {
		v := *candidate
		return &v
	}
	return current
}
