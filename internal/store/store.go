package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"changehook/internal/model"
)

// Store is the persistence interface for audit records, webhooks and delivery jobs.
type Store interface {
	// Audit records are only written through a transaction.
	Begin(ctx context.Context) (Tx, error)
	GetChange(ctx context.Context, id string) (model.ObjectChange, error)
	ListChanges(ctx context.Context, f model.ChangeFilter) ([]model.ObjectChange, string, error)

	// Webhooks
	CreateWebhook(ctx context.Context, w model.Webhook) (model.Webhook, error)
	GetWebhook(ctx context.Context, id string) (model.Webhook, error)
	ListWebhooks(ctx context.Context, cursor string, limit int) ([]model.Webhook, string, error)
	UpdateWebhook(ctx context.Context, w model.Webhook) (model.Webhook, error)
	DeleteWebhook(ctx context.Context, id string) error
	EnabledWebhooks(ctx context.Context, objectType string, action model.Action) ([]model.Webhook, error)

	// Delivery jobs
	CreateDeliveryJob(ctx context.Context, j model.DeliveryJob) (job model.DeliveryJob, created bool, err error)
	GetDeliveryJob(ctx context.Context, id string) (model.DeliveryJob, error)
	TransitionDeliveryJob(ctx context.Context, id string, from []model.JobStatus, mutate func(*model.DeliveryJob)) (model.DeliveryJob, error)
	ListDeliveryJobs(ctx context.Context, f model.JobFilter) ([]model.DeliveryJob, string, error)
	FetchDueDeliveryJobs(ctx context.Context, before time.Time, limit int) ([]model.DeliveryJob, error)
	// CancelDeliveryJobsForWebhook cancels the webhook's pending and retrying
	// jobs and returns their ids.
	CancelDeliveryJobsForWebhook(ctx context.Context, webhookID string) ([]string, error)
	DeliveryStats(ctx context.Context, since time.Time, buckets []int) ([]DeliveryStat, error)

	Ping(ctx context.Context) error
	Close() error
}

// Tx buffers audit records of one unit of work. Nothing is visible to readers
// before Commit.
type Tx interface {
	AppendChange(ctx context.Context, c model.ObjectChange) error
	Commit() error
	Rollback() error
}

// DeliveryStat aggregates delivery jobs per action and status. LatencyBuckets
// has one more entry than the bucket edges; the last counts latencies at or
// above the highest edge.
type DeliveryStat struct {
	Action         model.Action    `json:"action"`
	Status         model.JobStatus `json:"status"`
	Count          int             `json:"count"`
	AvgLatencyMs   int             `json:"avg_latency_ms"`
	LatencyEdges   []int           `json:"latency_bucket_edges"`
	LatencyBuckets []int           `json:"latency_bucket_counts"`
	CodeClasses    map[string]int  `json:"code_classes"`
}

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on unique constraint violations (webhook name).
	ErrConflict = errors.New("conflict")

	// ErrInvalidState is returned when a job is not in a state the transition allows.
	ErrInvalidState = errors.New("invalid state")

	ErrTxDone = errors.New("transaction already committed or rolled back")
)

var DefaultLatencyBuckets = []int{100, 500, 1000}

const (
	defaultLimit = 100
	maxLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxLimit {
		return defaultLimit
	}
	return limit
}

// Cursors are opaque offsets into the filtered, ordered result.
func parseCursor(cursor string) int {
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func nextCursor(offset, got, limit int) string {
	if got < limit {
		return ""
	}
	return strconv.Itoa(offset + got)
}

func statusIn(s model.JobStatus, from []model.JobStatus) bool {
	for _, f := range from {
		if s == f {
			return true
		}
	}
	return false
}

func codeClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "c2xx"
	case code >= 300 && code < 400:
		return "c3xx"
	case code >= 400 && code < 500:
		return "c4xx"
	case code >= 500 && code < 600:
		return "c5xx"
	}
	return "none"
}
