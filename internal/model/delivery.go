package model

import "time"

// JobStatus is the state of a DeliveryJob.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobInFlight  JobStatus = "in_flight"
	JobRetrying  JobStatus = "retrying"
	JobSuccess   JobStatus = "success"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is expected without an
// explicit requeue.
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobFailed || s == JobCancelled
}

// Queued reports whether the job is waiting for a worker.
func (s JobStatus) Queued() bool {
	return s == JobPending || s == JobRetrying
}

// DeliveryJob is one outbound notification for one (event, webhook) pair. The
// webhook's delivery settings are copied in at enqueue time.
type DeliveryJob struct {
	ID            string            `json:"id"`
	WebhookID     string            `json:"webhook_id"`
	EventID       string            `json:"event_id"`
	RequestID     string            `json:"request_id"`
	ObjectType    string            `json:"object_type"`
	Action        Action            `json:"action"`
	URL           string            `json:"url"`
	HTTPMethod    string            `json:"http_method"`
	ContentType   string            `json:"content_type"`
	Headers       map[string]string `json:"headers,omitempty"`
	Secret        string            `json:"-"`
	Payload       []byte            `json:"-"`
	AttemptCount  int               `json:"attempt_count"`
	Status        JobStatus         `json:"status"`
	LastError     string            `json:"last_error,omitempty"`
	ResponseCode  int               `json:"response_code,omitempty"`
	LatencyMs     int               `json:"latency_ms,omitempty"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`
	Created       time.Time         `json:"created"`
	Updated       time.Time         `json:"updated"`
	Completed     *time.Time        `json:"completed,omitempty"`
}

// JobFilter selects DeliveryJobs for the admin listing.
type JobFilter struct {
	Status    JobStatus
	WebhookID string
	RequestID string
	Cursor    string
	Limit     int
}
