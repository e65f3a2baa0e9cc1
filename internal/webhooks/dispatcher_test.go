package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changehook/internal/model"
	"changehook/internal/queue"
	"changehook/internal/store"
)

func siteEvent(id string, action model.Action, status string) model.Event {
	snap := model.Snapshot{"name": model.String("ams1"), "status": model.String(status)}
	ev := model.Event{
		ID:         id,
		ObjectType: "dcim.site",
		ObjectID:   "7",
		Action:     action,
		Snapshot:   snap,
		User:       "alice",
		RequestID:  "req-1",
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if action != model.ActionCreate {
		ev.PreChange = snap.Clone()
	}
	return ev
}

func mustWebhook(t *testing.T, s *store.Memory, w model.Webhook) model.Webhook {
	t.Helper()
	if w.ContentTypes == nil {
		w.ContentTypes = []string{"dcim.site"}
	}
	w.Enabled = true
	created, err := s.CreateWebhook(context.Background(), w)
	require.NoError(t, err)
	return created
}

func TestDispatch_CreatesOneJobPerMatchingWebhook(t *testing.T) {
	s := store.NewMemory()
	q := queue.NewMemory(0)
	hook := mustWebhook(t, s, model.Webhook{
		Name:              "sites",
		TypeCreate:        true,
		PayloadURL:        "http://receiver/hook",
		AdditionalHeaders: map[string]string{"X-Tenant": "acme"},
		Secret:            "s3cret",
	})
	mustWebhook(t, s, model.Webhook{Name: "deletes only", TypeDelete: true, PayloadURL: "http://receiver/del"})
	mustWebhook(t, s, model.Webhook{Name: "racks", ContentTypes: []string{"dcim.rack"}, TypeCreate: true, PayloadURL: "http://receiver/racks"})

	d := NewDispatcher(s, s, q)
	jobs, err := d.Dispatch(context.Background(), []model.Event{siteEvent("ev-1", model.ActionCreate, "active")})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	j := jobs[0]
	assert.Equal(t, hook.ID, j.WebhookID)
	assert.Equal(t, "ev-1", j.EventID)
	assert.Equal(t, model.JobPending, j.Status)
	assert.Equal(t, model.DefaultHTTPMethod, j.HTTPMethod)
	assert.Equal(t, model.DefaultContentType, j.ContentType)
	assert.Equal(t, "acme", j.Headers["X-Tenant"])
	assert.Equal(t, "s3cret", j.Secret)

	var p Payload
	require.NoError(t, json.Unmarshal(j.Payload, &p))
	assert.Equal(t, "created", p.Event)
	assert.Equal(t, "site", p.Model)
	assert.Equal(t, "req-1", p.RequestID)

	n, _ := q.Len(context.Background())
	assert.Equal(t, 1, n)
}

func TestDispatch_IsIdempotent(t *testing.T) {
	s := store.NewMemory()
	q := queue.NewMemory(0)
	mustWebhook(t, s, model.Webhook{Name: "sites", TypeUpdate: true, PayloadURL: "http://receiver"})
	d := NewDispatcher(s, s, q)
	ev := siteEvent("ev-1", model.ActionUpdate, "active")

	first, err := d.Dispatch(context.Background(), []model.Event{ev})
	require.NoError(t, err)
	require.Len(t, first, 1)

	again, err := d.Dispatch(context.Background(), []model.Event{ev})
	require.NoError(t, err)
	assert.Empty(t, again)

	all, _, err := s.ListDeliveryJobs(context.Background(), model.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDispatch_Conditions(t *testing.T) {
	s := store.NewMemory()
	d := NewDispatcher(s, s, queue.NewMemory(0))
	active := mustWebhook(t, s, model.Webhook{
		Name: "active", TypeCreate: true, PayloadURL: "http://receiver/a",
		Conditions: json.RawMessage(`{"attr":"status","value":"active"}`),
	})
	mustWebhook(t, s, model.Webhook{
		Name: "broken", TypeCreate: true, PayloadURL: "http://receiver/b",
		Conditions: json.RawMessage(`{"attr":"missing.field","value":1}`),
	})

	jobs, err := d.Dispatch(context.Background(), []model.Event{
		siteEvent("ev-1", model.ActionCreate, "active"),
		siteEvent("ev-2", model.ActionCreate, "planned"),
	})
	require.NoError(t, err, "condition errors skip the webhook without failing dispatch")
	require.Len(t, jobs, 1)
	assert.Equal(t, active.ID, jobs[0].WebhookID)
	assert.Equal(t, "ev-1", jobs[0].EventID)
}

func TestDispatch_DeleteUsesPreChangeSnapshot(t *testing.T) {
	s := store.NewMemory()
	d := NewDispatcher(s, s, queue.NewMemory(0))
	mustWebhook(t, s, model.Webhook{
		Name: "deletes", TypeDelete: true, PayloadURL: "http://receiver",
		Conditions: json.RawMessage(`{"attr":"status","value":"retired"}`),
	})
	ev := siteEvent("ev-1", model.ActionDelete, "retired")

	jobs, err := d.Dispatch(context.Background(), []model.Event{ev})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &raw))
	snaps := raw["snapshots"].(map[string]any)
	assert.Nil(t, snaps["postchange"])
	assert.NotNil(t, snaps["prechange"])
	assert.Equal(t, "deleted", raw["event"])
}

func TestDispatch_QueueOverflowKeepsJobPending(t *testing.T) {
	s := store.NewMemory()
	q := queue.NewMemory(1)
	mustWebhook(t, s, model.Webhook{Name: "a", TypeCreate: true, PayloadURL: "http://receiver/a"})
	mustWebhook(t, s, model.Webhook{Name: "b", TypeCreate: true, PayloadURL: "http://receiver/b"})
	d := NewDispatcher(s, s, q)

	jobs, err := d.Dispatch(context.Background(), []model.Event{siteEvent("ev-1", model.ActionCreate, "active")})
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrQueueFull)
	assert.Len(t, jobs, 2, "both jobs are persisted")

	due, err := s.FetchDueDeliveryJobs(context.Background(), time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, due, 2, "the unqueued job stays pending for the sweeper")
}

type failingRegistry struct{ *store.Memory }

func (f failingRegistry) EnabledWebhooks(ctx context.Context, objectType string, action model.Action) ([]model.Webhook, error) {
	if objectType == "dcim.rack" {
		return nil, errors.New("registry down")
	}
	return f.Memory.EnabledWebhooks(ctx, objectType, action)
}

func TestDispatch_ErrorsDoNotStopOtherEvents(t *testing.T) {
	s := store.NewMemory()
	mustWebhook(t, s, model.Webhook{Name: "sites", TypeCreate: true, PayloadURL: "http://receiver"})
	d := NewDispatcher(failingRegistry{s}, s, queue.NewMemory(0))

	rack := siteEvent("ev-1", model.ActionCreate, "active")
	rack.ObjectType = "dcim.rack"
	jobs, err := d.Dispatch(context.Background(), []model.Event{rack, siteEvent("ev-2", model.ActionCreate, "active")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry down")
	require.Len(t, jobs, 1)
	assert.Equal(t, "ev-2", jobs[0].EventID)
}

func TestRequeueAndCancel(t *testing.T) {
	s := store.NewMemory()
	q := queue.NewMemory(0)
	hook := mustWebhook(t, s, model.Webhook{Name: "sites", TypeCreate: true, PayloadURL: "http://receiver"})
	d := NewDispatcher(s, s, q)
	jobs, err := d.Dispatch(context.Background(), []model.Event{siteEvent("ev-1", model.ActionCreate, "active")})
	require.NoError(t, err)
	id := jobs[0].ID
	ctx := context.Background()

	_, err = d.Requeue(ctx, id)
	assert.ErrorIs(t, err, store.ErrInvalidState, "pending jobs cannot be requeued")

	cancelled, err := d.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, cancelled.Status)

	_, err = d.Cancel(ctx, id)
	assert.ErrorIs(t, err, store.ErrInvalidState)

	requeued, err := d.Requeue(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, requeued.Status)
	assert.Equal(t, 0, requeued.AttemptCount)
	assert.Nil(t, requeued.Completed)

	ids, err := d.CancelForWebhook(ctx, hook.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)
	got, _ := s.GetDeliveryJob(ctx, id)
	assert.Equal(t, "webhook deleted", got.LastError)
}

func TestCancel_RetryingJobButNotInFlight(t *testing.T) {
	s := store.NewMemory()
	mustWebhook(t, s, model.Webhook{Name: "a", TypeCreate: true, PayloadURL: "http://receiver/a"})
	mustWebhook(t, s, model.Webhook{Name: "b", TypeCreate: true, PayloadURL: "http://receiver/b"})
	d := NewDispatcher(s, s, queue.NewMemory(0))
	ctx := context.Background()
	jobs, err := d.Dispatch(ctx, []model.Event{siteEvent("ev-1", model.ActionCreate, "active")})
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	_, err = s.TransitionDeliveryJob(ctx, jobs[0].ID, []model.JobStatus{model.JobPending}, func(j *model.DeliveryJob) {
		j.Status = model.JobRetrying
		j.AttemptCount = 1
		j.NextAttemptAt = time.Now().Add(time.Minute)
	})
	require.NoError(t, err)
	_, err = s.TransitionDeliveryJob(ctx, jobs[1].ID, []model.JobStatus{model.JobPending}, func(j *model.DeliveryJob) {
		j.Status = model.JobInFlight
	})
	require.NoError(t, err)

	cancelled, err := d.Cancel(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, cancelled.Status)
	assert.Equal(t, 1, cancelled.AttemptCount)

	_, err = d.Cancel(ctx, jobs[1].ID)
	assert.ErrorIs(t, err, store.ErrInvalidState)
	got, _ := s.GetDeliveryJob(ctx, jobs[1].ID)
	assert.Equal(t, model.JobInFlight, got.Status)
}
