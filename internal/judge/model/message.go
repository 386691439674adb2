package model

import (
	"fmt"

	"github.com/google/uuid"
)

// ExecutionJob is published once per submission for the judge workers.
type ExecutionJob struct {
	SubmissionID     int64         `json:"submissionId"`
	Code             string        `json:"code"`
	Language         Language      `json:"language"`
	TimeLimitSeconds float64       `json:"timeLimitSeconds"`
	MemoryLimitMB    int           `json:"memoryLimitMb"`
	TestCases        []JobTestCase `json:"testCases"`
}

// JobTestCase is one input/expected-output pair carried in an ExecutionJob.
type JobTestCase struct {
	ID             string `json:"id"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
	Sample         bool   `json:"sample"`
}

// ResultNotification is what judge workers publish back.
// TestCaseID set means a per-test-case result; absent means a whole-submission verdict
// or, with status RUNNING, a started signal.
type ResultNotification struct {
	SubmissionID         int64    `json:"submissionId"`
	Status               Status   `json:"status"`
	TestCaseID           *string  `json:"testCaseId,omitempty"`
	ExecutionTimeSeconds *float64 `json:"executionTimeSeconds,omitempty"`
	MemoryUsedMB         *float64 `json:"memoryUsedMb,omitempty"`
}

// IsPerTestCase reports whether the notification targets a single test case.
func (n *ResultNotification) IsPerTestCase() bool {
	return n.TestCaseID != nil
}

// Validate checks field shapes only; it does not look at stored state.
func (n *ResultNotification) Validate() error {
	if n.SubmissionID <= 0 {
		return fmt.Errorf("submissionId must be positive")
	}
	if !n.Status.Valid() {
		return fmt.Errorf("unknown status %q", n.Status)
	}
	if n.Status == StatusWaiting {
		return fmt.Errorf("status %s cannot be reported by a worker", n.Status)
	}
	if n.TestCaseID != nil {
		if _, err := uuid.Parse(*n.TestCaseID); err != nil {
			return fmt.Errorf("testCaseId must be a uuid: %w", err)
		}
		if !n.Status.IsTerminal() {
			return fmt.Errorf("test case status must be a verdict, got %s", n.Status)
		}
	}
	if n.ExecutionTimeSeconds != nil && *n.ExecutionTimeSeconds < 0 {
		return fmt.Errorf("executionTimeSeconds must not be negative")
	}
	if n.MemoryUsedMB != nil && *n.MemoryUsedMB < 0 {
		return fmt.Errorf("memoryUsedMb must not be negative")
	}
	return nil
}

// NormalizedTestCaseID returns the canonical lower-case form of TestCaseID.
func (n *ResultNotification) NormalizedTestCaseID() string {
	if n.TestCaseID == nil {
		return ""
	}
	id, err := uuid.Parse(*n.TestCaseID)
	if err != nil {
		return *n.TestCaseID
	}
	return id.String()
}
