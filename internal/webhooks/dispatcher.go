package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"changehook/internal/conditions"
	"changehook/internal/metrics"
	"changehook/internal/model"
	"changehook/internal/queue"
)

// Registry returns the enabled webhooks subscribed to an object type and action.
type Registry interface {
	EnabledWebhooks(ctx context.Context, objectType string, action model.Action) ([]model.Webhook, error)
}

// JobStore is the delivery job persistence used by the dispatcher and worker.
type JobStore interface {
	CreateDeliveryJob(ctx context.Context, j model.DeliveryJob) (model.DeliveryJob, bool, error)
	GetDeliveryJob(ctx context.Context, id string) (model.DeliveryJob, error)
	TransitionDeliveryJob(ctx context.Context, id string, from []model.JobStatus, mutate func(*model.DeliveryJob)) (model.DeliveryJob, error)
	ListDeliveryJobs(ctx context.Context, f model.JobFilter) ([]model.DeliveryJob, string, error)
	FetchDueDeliveryJobs(ctx context.Context, before time.Time, limit int) ([]model.DeliveryJob, error)
	CancelDeliveryJobsForWebhook(ctx context.Context, webhookID string) ([]string, error)
}

// Dispatcher turns committed events into delivery jobs.
type Dispatcher struct {
	registry Registry
	jobs     JobStore
	queue    queue.Queue
	log      *zap.SugaredLogger
	now      func() time.Time
}

type DispatcherOption func(*Dispatcher)

func WithDispatcherLogger(l *zap.SugaredLogger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(reg Registry, jobs JobStore, q queue.Queue, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{registry: reg, jobs: jobs, queue: q, log: zap.NewNop().Sugar(), now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch creates one job per matching (event, webhook) pair and pushes it
// onto the queue. Jobs that already existed are neither duplicated nor
// returned. Failures of one event or job do not stop the others; they are
// joined into the returned error next to every job that was created.
func (d *Dispatcher) Dispatch(ctx context.Context, events []model.Event) ([]model.DeliveryJob, error) {
	var (
		created []model.DeliveryJob
		errs    []error
	)
	for _, ev := range events {
		jobs, err := d.dispatchEvent(ctx, ev)
		created = append(created, jobs...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return created, errors.Join(errs...)
}

func (d *Dispatcher) dispatchEvent(ctx context.Context, ev model.Event) ([]model.DeliveryJob, error) {
	hooks, err := d.registry.EnabledWebhooks(ctx, ev.ObjectType, ev.Action)
	if err != nil {
		return nil, fmt.Errorf("event %s: load webhooks: %w", ev.ID, err)
	}
	var (
		payload []byte
		created []model.DeliveryJob
		errs    []error
	)
	for _, h := range hooks {
		ok, err := conditions.Evaluate(h.Conditions, ev.Snapshot)
		if err != nil {
			metrics.ConditionErrors.Inc()
			d.log.Warnw("webhook condition not evaluated", "webhook_id", h.ID, "event_id", ev.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if payload == nil {
			if payload, err = RenderPayload(ev); err != nil {
				return created, fmt.Errorf("event %s: render payload: %w", ev.ID, err)
			}
		}
		job, isNew, err := d.jobs.CreateDeliveryJob(ctx, newJob(ev, h, payload, d.now()))
		if err != nil {
			errs = append(errs, fmt.Errorf("event %s webhook %s: create job: %w", ev.ID, h.ID, err))
			continue
		}
		if !isNew {
			continue
		}
		metrics.DeliveryJobsCreated.WithLabelValues(ev.Action.EventName()).Inc()
		created = append(created, job)
		if err := d.enqueue(ctx, job); err != nil {
			errs = append(errs, err)
		}
	}
	return created, errors.Join(errs...)
}

func newJob(ev model.Event, h model.Webhook, payload []byte, now time.Time) model.DeliveryJob {
	headers := make(map[string]string, len(h.AdditionalHeaders))
	for k, v := range h.AdditionalHeaders {
		headers[k] = v
	}
	return model.DeliveryJob{
		WebhookID:     h.ID,
		EventID:       ev.ID,
		RequestID:     ev.RequestID,
		ObjectType:    ev.ObjectType,
		Action:        ev.Action,
		URL:           h.PayloadURL,
		HTTPMethod:    h.Method(),
		ContentType:   h.ContentType(),
		Headers:       headers,
		Secret:        h.Secret,
		Payload:       payload,
		Status:        model.JobPending,
		NextAttemptAt: now.UTC(),
	}
}

// enqueue pushes a persisted job; on overflow the job stays pending for the
// worker's sweeper.
func (d *Dispatcher) enqueue(ctx context.Context, job model.DeliveryJob) error {
	err := d.queue.Enqueue(ctx, job.ID, job.NextAttemptAt)
	if err == nil {
		return nil
	}
	if errors.Is(err, queue.ErrQueueFull) {
		metrics.QueueOverflows.Inc()
	}
	d.log.Errorw("delivery job not queued", "job_id", job.ID, "webhook_id", job.WebhookID, "error", err)
	return fmt.Errorf("enqueue job %s: %w", job.ID, err)
}

// Requeue moves a failed or cancelled job back to pending with a fresh attempt
// budget and queues it.
func (d *Dispatcher) Requeue(ctx context.Context, id string) (model.DeliveryJob, error) {
	now := d.now().UTC()
	job, err := d.jobs.TransitionDeliveryJob(ctx, id, []model.JobStatus{model.JobFailed, model.JobCancelled}, func(j *model.DeliveryJob) {
		j.Status = model.JobPending
		j.AttemptCount = 0
		j.LastError = ""
		j.ResponseCode = 0
		j.LatencyMs = 0
		j.NextAttemptAt = now
		j.Completed = nil
	})
	if err != nil {
		return job, err
	}
	return job, d.enqueue(ctx, job)
}

// Cancel stops a job that no worker holds: pending jobs and retrying jobs
// waiting for their next attempt. A retrying job has left the queue once but
// is parked until NextAttempt, and the worker drops cancelled jobs when it
// picks them up. In-flight and finished jobs return store.ErrInvalidState.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (model.DeliveryJob, error) {
	now := d.now().UTC()
	return d.jobs.TransitionDeliveryJob(ctx, id, []model.JobStatus{model.JobPending, model.JobRetrying}, func(j *model.DeliveryJob) {
		j.Status = model.JobCancelled
		j.LastError = "cancelled"
		j.Completed = &now
	})
}

// CancelForWebhook cancels the pending and retrying jobs of a deleted webhook.
func (d *Dispatcher) CancelForWebhook(ctx context.Context, webhookID string) ([]string, error) {
	ids, err := d.jobs.CancelDeliveryJobsForWebhook(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		d.log.Infow("cancelled queued jobs of deleted webhook", "webhook_id", webhookID, "count", len(ids))
	}
	return ids, nil
}
