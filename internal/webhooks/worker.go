package webhooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"changehook/internal/metrics"
	"changehook/internal/model"
	"changehook/internal/queue"
	"changehook/internal/store"
)

// DeliveryError describes a failed outbound call: a transport error, or a
// response outside 2xx.
type DeliveryError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return "transport: " + e.Err.Error()
	}
	if e.Body != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

type WorkerConfig struct {
	Workers     int
	MaxAttempts int
	Timeout     time.Duration
	Backoff     Backoff
	// RateLimit is the outbound requests per second across all workers; 0 disables it.
	RateLimit     float64
	RateBurst     int
	SweepInterval time.Duration
	// SweepGrace is how long a due job may wait in the queue before the sweeper re-enqueues it.
	SweepGrace time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Workers:       4,
		MaxAttempts:   10,
		Timeout:       10 * time.Second,
		Backoff:       DefaultBackoff,
		RateLimit:     50,
		RateBurst:     10,
		SweepInterval: 30 * time.Second,
		SweepGrace:    time.Minute,
	}
}

const maxErrorBody = 512

// Worker delivers queued jobs. Jobs of one webhook are not delivered in event
// order: parallel workers and retries reorder them, so receivers order by the
// payload timestamp.
type Worker struct {
	jobs    JobStore
	queue   queue.Queue
	http    *http.Client
	limiter *rate.Limiter
	cfg     WorkerConfig
	log     *zap.SugaredLogger
	now     func() time.Time
}

type WorkerOption func(*Worker)

func WithHTTPClient(c *http.Client) WorkerOption { return func(w *Worker) { w.http = c } }

func WithWorkerLogger(l *zap.SugaredLogger) WorkerOption { return func(w *Worker) { w.log = l } }

func WithWorkerClock(now func() time.Time) WorkerOption { return func(w *Worker) { w.now = now } }

func NewWorker(jobs JobStore, q queue.Queue, cfg WorkerConfig, opts ...WorkerOption) *Worker {
	def := DefaultWorkerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SweepGrace < 0 {
		cfg.SweepGrace = 0
	}
	w := &Worker{
		jobs:  jobs,
		queue: q,
		http:  &http.Client{Timeout: cfg.Timeout},
		cfg:   cfg,
		log:   zap.NewNop().Sugar(),
		now:   time.Now,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run consumes the queue with cfg.Workers goroutines and sweeps for stranded
// jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		g.Go(func() error { return w.consume(gctx) })
	}
	g.Go(func() error { return w.sweepLoop(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) consume(ctx context.Context) error {
	for {
		id, err := w.queue.Dequeue(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, queue.ErrClosed):
			return nil
		default:
			w.log.Errorw("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if err := w.Process(ctx, id); err != nil {
			w.log.Errorw("delivery job processing failed", "job_id", id, "error", err)
		}
	}
}

func (w *Worker) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.log.Warnw("sweep failed", "error", err)
			}
		}
	}
}

// Sweep re-enqueues queued jobs that have been due for longer than the grace
// period, and returns jobs stuck in flight after a crash to retrying.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	now := w.now()
	n := 0
	due, err := w.jobs.FetchDueDeliveryJobs(ctx, now.Add(-w.cfg.SweepGrace), 100)
	if err != nil {
		return 0, err
	}
	for _, j := range due {
		if err := w.queue.Enqueue(ctx, j.ID, j.NextAttemptAt); err != nil {
			if errors.Is(err, queue.ErrQueueFull) {
				metrics.QueueOverflows.Inc()
			}
			return n, fmt.Errorf("re-enqueue job %s: %w", j.ID, err)
		}
		n++
	}

	stale := now.Add(-(w.cfg.Timeout + w.cfg.SweepGrace))
	inFlight, _, err := w.jobs.ListDeliveryJobs(ctx, model.JobFilter{Status: model.JobInFlight, Limit: 100})
	if err != nil {
		return n, err
	}
	for _, j := range inFlight {
		if j.Updated.After(stale) {
			continue
		}
		job, err := w.jobs.TransitionDeliveryJob(ctx, j.ID, []model.JobStatus{model.JobInFlight}, func(d *model.DeliveryJob) {
			d.Status = model.JobRetrying
			d.LastError = "delivery interrupted"
			d.NextAttemptAt = now
		})
		if err != nil {
			continue
		}
		w.log.Warnw("recovered stale in-flight job", "job_id", job.ID, "attempt", job.AttemptCount)
		if err := w.queue.Enqueue(ctx, job.ID, job.NextAttemptAt); err == nil {
			n++
		}
	}
	return n, nil
}

// Process performs one delivery attempt for a queued job. Jobs that are not
// queued or not yet due are skipped.
func (w *Worker) Process(ctx context.Context, id string) error {
	job, err := w.jobs.GetDeliveryJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		w.log.Warnw("queued job no longer exists", "job_id", id)
		return nil
	}
	if err != nil {
		return err
	}
	if !job.Status.Queued() {
		return nil
	}
	if job.NextAttemptAt.After(w.now()) {
		return w.queue.Enqueue(ctx, job.ID, job.NextAttemptAt)
	}

	job, err = w.jobs.TransitionDeliveryJob(ctx, id, []model.JobStatus{model.JobPending, model.JobRetrying}, func(j *model.DeliveryJob) {
		j.Status = model.JobInFlight
		j.AttemptCount++
	})
	if errors.Is(err, store.ErrInvalidState) {
		return nil
	}
	if err != nil {
		return err
	}

	code, latency, derr := w.deliver(ctx, job)
	// record the outcome even when shutdown cancelled the call
	return w.finish(context.WithoutCancel(ctx), job, code, latency, derr)
}

func (w *Worker) deliver(ctx context.Context, job model.DeliveryJob) (int, int, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return 0, 0, &DeliveryError{Err: err}
		}
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, job.HTTPMethod, job.URL, bytes.NewReader(job.Payload))
	if err != nil {
		return 0, 0, &DeliveryError{Err: err}
	}
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", job.ContentType)
	req.Header.Set(RequestIDHeader, job.RequestID)
	req.Header.Set(EventHeader, job.Action.EventName())
	if job.Secret != "" {
		req.Header.Set(SignatureHeader, SignHMAC(job.Secret, job.Payload))
	}

	start := time.Now()
	resp, err := w.http.Do(req)
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		return 0, latency, &DeliveryError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return resp.StatusCode, latency, nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return resp.StatusCode, latency, &DeliveryError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
}

func (w *Worker) finish(ctx context.Context, job model.DeliveryJob, code, latency int, derr error) error {
	now := w.now().UTC()
	event := job.Action.EventName()
	var outcome model.JobStatus
	updated, err := w.jobs.TransitionDeliveryJob(ctx, job.ID, []model.JobStatus{model.JobInFlight}, func(j *model.DeliveryJob) {
		j.ResponseCode = code
		j.LatencyMs = latency
		switch {
		case derr == nil:
			j.Status = model.JobSuccess
			j.LastError = ""
			j.Completed = &now
		case j.AttemptCount >= w.cfg.MaxAttempts:
			j.Status = model.JobFailed
			j.LastError = derr.Error()
			j.Completed = &now
		default:
			j.Status = model.JobRetrying
			j.LastError = derr.Error()
			j.NextAttemptAt = now.Add(w.cfg.Backoff.Next(j.AttemptCount))
		}
		outcome = j.Status
	})
	if err != nil {
		return fmt.Errorf("record outcome of job %s: %w", job.ID, err)
	}

	label := string(outcome)
	if outcome == model.JobRetrying {
		label = "retry"
	}
	metrics.WebhookDeliveries.WithLabelValues(event, label).Inc()
	metrics.WebhookLatency.WithLabelValues(event, label).Observe(float64(latency))

	switch outcome {
	case model.JobSuccess:
		w.log.Debugw("delivered", "job_id", job.ID, "webhook_id", job.WebhookID, "code", code, "latency_ms", latency, "attempt", updated.AttemptCount)
	case model.JobFailed:
		w.log.Errorw("delivery failed permanently", "job_id", job.ID, "webhook_id", job.WebhookID, "attempts", updated.AttemptCount, "error", derr)
	default:
		w.log.Infow("delivery failed, retrying", "job_id", job.ID, "webhook_id", job.WebhookID, "attempt", updated.AttemptCount,
			"next_attempt_at", updated.NextAttemptAt.Format(time.RFC3339), "code", strconv.Itoa(code), "error", derr)
		if err := w.queue.Enqueue(ctx, updated.ID, updated.NextAttemptAt); err != nil {
			if errors.Is(err, queue.ErrQueueFull) {
				metrics.QueueOverflows.Inc()
			}
			w.log.Errorw("retry not queued; left for sweeper", "job_id", job.ID, "error", err)
		}
	}
	return nil
}
