package errors

import "net/http"

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Authentication & Permission errors
// 12000-12999: Problem catalog errors
// 13000-13999: Submission errors
// 14000-14999: Judging pipeline errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Infrastructure errors (10100-10199)
	DatabaseError     ErrorCode = 10100
	TransactionFailed ErrorCode = 10101
	CacheError        ErrorCode = 10102
	MQError           ErrorCode = 10103
	StorageError      ErrorCode = 10104

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	RequiredFieldEmpty ErrorCode = 10302

	// ========== Auth Errors (11000-11999) ==========

	TokenExpired     ErrorCode = 11000
	TokenInvalid     ErrorCode = 11001
	PermissionDenied ErrorCode = 11100

	// ========== Problem Errors (12000-12999) ==========

	ProblemNotFound  ErrorCode = 12000
	TestCaseNotFound ErrorCode = 12100

	// ========== Submission Errors (13000-13999) ==========

	SubmissionNotFound     ErrorCode = 13000
	SubmissionCreateFailed ErrorCode = 13001
	CodeTooLarge           ErrorCode = 13002
	LanguageNotSupported   ErrorCode = 13003
	SubmitTooFrequently    ErrorCode = 13004
	CodeEmpty              ErrorCode = 13005
	DuplicateSubmission    ErrorCode = 13006

	// ========== Judging Pipeline Errors (14000-14999) ==========

	DispatchFailed       ErrorCode = 14000
	ResultMessageInvalid ErrorCode = 14100
	ResultApplyFailed    ErrorCode = 14101
	VerdictConflict      ErrorCode = 14102
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	DatabaseError:     "Database operation failed",
	TransactionFailed: "Database transaction failed",
	CacheError:        "Cache operation failed",
	MQError:           "Message queue operation failed",
	StorageError:      "Object storage operation failed",

	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	RequiredFieldEmpty: "Required field is empty",

	TokenExpired:     "Token has expired",
	TokenInvalid:     "Invalid token",
	PermissionDenied: "Permission denied",

	ProblemNotFound:  "Problem not found",
	TestCaseNotFound: "Test case not found",

	SubmissionNotFound:     "Submission not found",
	SubmissionCreateFailed: "Failed to create submission",
	CodeTooLarge:           "Code is too large",
	LanguageNotSupported:   "Programming language not supported",
	SubmitTooFrequently:    "Submitting too frequently, please wait",
	CodeEmpty:              "Code must not be blank",
	DuplicateSubmission:    "Submission is already being processed",

	DispatchFailed:       "Failed to dispatch submission for judging",
	ResultMessageInvalid: "Invalid judge result message",
	ResultApplyFailed:    "Failed to apply judge result",
	VerdictConflict:      "Conflicting verdict for judged submission",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return http.StatusOK
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return http.StatusUnauthorized
	case c == Forbidden, c == PermissionDenied:
		return http.StatusForbidden
	case c == NotFound, c == ProblemNotFound, c == SubmissionNotFound, c == TestCaseNotFound:
		return http.StatusNotFound
	case c == DuplicateSubmission, c == VerdictConflict:
		return http.StatusConflict
	case c == TooManyRequests, c == SubmitTooFrequently:
		return http.StatusTooManyRequests
	case c == ServiceUnavailable, c == DispatchFailed:
		return http.StatusServiceUnavailable
	case c == Timeout:
		return http.StatusGatewayTimeout
	case c >= 10300 && c < 10400:
		return http.StatusBadRequest
	case c == InvalidParams, c == CodeTooLarge, c == LanguageNotSupported, c == CodeEmpty, c == ResultMessageInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
