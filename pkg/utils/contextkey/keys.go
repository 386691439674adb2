package contextkey

// key is a private type to avoid context key collisions across packages.
type key string

const (
	TraceID      key = "trace_id"
	RequestID    key = "request_id"
	UserID       key = "user_id"
	SubmissionID key = "submission_id"
	DeliveryTag  key = "delivery_tag"
)

// LogFields lists the keys copied into every log entry, in output order.
var LogFields = []key{TraceID, RequestID, UserID, SubmissionID, DeliveryTag}

// String returns the field name used in logs and headers.
func (k key) String() string {
	return string(k)
}
