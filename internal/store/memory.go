package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"changehook/internal/model"
	"changehook/internal/search"
)

// Memory is an in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu       sync.Mutex
	changes  []model.ObjectChange          // commit order
	byChange map[string]int                // change id -> index in changes
	bySeq    map[string]struct{}           // request_id|seq of committed changes
	webhooks map[string]model.Webhook      // id -> webhook
	jobs     map[string]*model.DeliveryJob // id -> job
	jobOrder []string                      // creation order
	jobKeys  map[string]string             // event_id|webhook_id -> job id
}

func NewMemory() *Memory {
	return &Memory{
		byChange: map[string]int{},
		bySeq:    map[string]struct{}{},
		webhooks: map[string]model.Webhook{},
		jobs:     map[string]*model.DeliveryJob{},
		jobKeys:  map[string]string{},
	}
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error { return nil }

// memTx buffers changes until Commit.
type memTx struct {
	m       *Memory
	mu      sync.Mutex
	pending []model.ObjectChange
	done    bool
}

func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	return &memTx{m: m}, nil
}

func (tx *memTx) AppendChange(ctx context.Context, c model.ObjectChange) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.pending = append(tx.pending, c)
	return nil
}

func (tx *memTx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	pending := tx.pending
	tx.pending = nil
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	// (request_id, seq) is unique; a clash rejects the whole transaction
	for _, c := range pending {
		if _, dup := tx.m.bySeq[seqKey(c)]; dup {
			return fmt.Errorf("%w: request %s seq %d already recorded", ErrConflict, c.RequestID, c.Seq)
		}
	}
	for _, c := range pending {
		if _, dup := tx.m.byChange[c.ID]; dup {
			continue
		}
		tx.m.byChange[c.ID] = len(tx.m.changes)
		tx.m.bySeq[seqKey(c)] = struct{}{}
		tx.m.changes = append(tx.m.changes, c)
	}
	return nil
}

func seqKey(c model.ObjectChange) string { return c.RequestID + "|" + strconv.Itoa(c.Seq) }

func (tx *memTx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.pending = nil
	return nil
}

func (m *Memory) GetChange(ctx context.Context, id string) (model.ObjectChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byChange[id]
	if !ok {
		return model.ObjectChange{}, ErrNotFound
	}
	return m.changes[i], nil
}

func (m *Memory) ListChanges(ctx context.Context, f model.ChangeFilter) ([]model.ObjectChange, string, error) {
	m.mu.Lock()
	matched := make([]model.ObjectChange, 0)
	for _, c := range m.changes {
		if changeMatches(c, f) {
			matched = append(matched, c)
		}
	}
	m.mu.Unlock()

	// commit order already follows (time, seq) within a request; sort for stability across requests
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		if a.RequestID == b.RequestID {
			return a.Seq < b.Seq
		}
		return false
	})
	if !f.Ascending {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	limit := clampLimit(f.Limit)
	start := parseCursor(f.Cursor)
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	out := append([]model.ObjectChange(nil), matched[start:end]...)
	return out, nextCursor(start, len(out), limit), nil
}

func changeMatches(c model.ObjectChange, f model.ChangeFilter) bool {
	if len(f.ObjectTypes) > 0 {
		found := false
		for _, t := range f.ObjectTypes {
			if strings.EqualFold(t, c.ChangedObjectType) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ObjectID != "" && f.ObjectID != c.ChangedObjectID {
		return false
	}
	if f.User != "" && f.User != c.User {
		return false
	}
	if f.RequestID != "" && f.RequestID != c.RequestID {
		return false
	}
	if !f.Since.IsZero() && c.Time.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !c.Time.Before(f.Until) {
		return false
	}
	return search.Match(search.ParseLookup(f.Lookup), c.ObjectRepr, f.Query)
}

// Webhooks

func (m *Memory) CreateWebhook(ctx context.Context, w model.Webhook) (model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nameTaken(w.Name, "") {
		return model.Webhook{}, ErrConflict
	}
	if w.ID == "" {
		w.ID = uuid.New().String()
	} else if _, exists := m.webhooks[w.ID]; exists {
		return model.Webhook{}, ErrConflict
	}
	now := time.Now().UTC()
	w.Created, w.LastUpdated = now, now
	m.webhooks[w.ID] = cloneWebhook(w)
	return cloneWebhook(w), nil
}

func (m *Memory) GetWebhook(ctx context.Context, id string) (model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[id]
	if !ok {
		return model.Webhook{}, ErrNotFound
	}
	return cloneWebhook(w), nil
}

func (m *Memory) ListWebhooks(ctx context.Context, cursor string, limit int) ([]model.Webhook, string, error) {
	m.mu.Lock()
	all := make([]model.Webhook, 0, len(m.webhooks))
	for _, w := range m.webhooks {
		all = append(all, cloneWebhook(w))
	}
	m.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })

	limit = clampLimit(limit)
	start := parseCursor(cursor)
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	out := all[start:end]
	return out, nextCursor(start, len(out), limit), nil
}

func (m *Memory) UpdateWebhook(ctx context.Context, w model.Webhook) (model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.webhooks[w.ID]
	if !ok {
		return model.Webhook{}, ErrNotFound
	}
	if m.nameTaken(w.Name, w.ID) {
		return model.Webhook{}, ErrConflict
	}
	w.Created = cur.Created
	w.LastUpdated = time.Now().UTC()
	m.webhooks[w.ID] = cloneWebhook(w)
	return cloneWebhook(w), nil
}

func (m *Memory) DeleteWebhook(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.webhooks[id]; !ok {
		return ErrNotFound
	}
	delete(m.webhooks, id)
	return nil
}

func (m *Memory) EnabledWebhooks(ctx context.Context, objectType string, action model.Action) ([]model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Webhook{}
	for _, w := range m.webhooks {
		if w.Enabled && w.Subscribes(objectType) && w.Triggers(action) {
			out = append(out, cloneWebhook(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) nameTaken(name, exceptID string) bool {
	for id, w := range m.webhooks {
		if id != exceptID && strings.EqualFold(w.Name, name) {
			return true
		}
	}
	return false
}

// Delivery jobs

func (m *Memory) CreateDeliveryJob(ctx context.Context, j model.DeliveryJob) (model.DeliveryJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := j.EventID + "|" + j.WebhookID
	if id, ok := m.jobKeys[key]; ok {
		return cloneJob(*m.jobs[id]), false, nil
	}
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if j.Status == "" {
		j.Status = model.JobPending
	}
	if j.NextAttemptAt.IsZero() {
		j.NextAttemptAt = now
	}
	j.Created, j.Updated = now, now
	stored := cloneJob(j)
	m.jobs[j.ID] = &stored
	m.jobOrder = append(m.jobOrder, j.ID)
	m.jobKeys[key] = j.ID
	return cloneJob(j), true, nil
}

func (m *Memory) GetDeliveryJob(ctx context.Context, id string) (model.DeliveryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return model.DeliveryJob{}, ErrNotFound
	}
	return cloneJob(*j), nil
}

// TransitionDeliveryJob applies mutate when the job's status is one of from.
// The returned job is the current state, also when ErrInvalidState is returned.
func (m *Memory) TransitionDeliveryJob(ctx context.Context, id string, from []model.JobStatus, mutate func(*model.DeliveryJob)) (model.DeliveryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return model.DeliveryJob{}, ErrNotFound
	}
	if !statusIn(j.Status, from) {
		return cloneJob(*j), ErrInvalidState
	}
	next := cloneJob(*j)
	mutate(&next)
	next.ID, next.EventID, next.WebhookID = j.ID, j.EventID, j.WebhookID
	next.Updated = time.Now().UTC()
	*j = next
	return cloneJob(next), nil
}

func (m *Memory) ListDeliveryJobs(ctx context.Context, f model.JobFilter) ([]model.DeliveryJob, string, error) {
	m.mu.Lock()
	matched := []model.DeliveryJob{}
	for i := len(m.jobOrder) - 1; i >= 0; i-- {
		j := m.jobs[m.jobOrder[i]]
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.WebhookID != "" && j.WebhookID != f.WebhookID {
			continue
		}
		if f.RequestID != "" && j.RequestID != f.RequestID {
			continue
		}
		matched = append(matched, cloneJob(*j))
	}
	m.mu.Unlock()

	limit := clampLimit(f.Limit)
	start := parseCursor(f.Cursor)
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	out := matched[start:end]
	return out, nextCursor(start, len(out), limit), nil
}

func (m *Memory) FetchDueDeliveryJobs(ctx context.Context, before time.Time, limit int) ([]model.DeliveryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.DeliveryJob{}
	for _, id := range m.jobOrder {
		j := m.jobs[id]
		if j.Status.Queued() && !j.NextAttemptAt.After(before) {
			out = append(out, cloneJob(*j))
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].NextAttemptAt.Before(out[k].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CancelDeliveryJobsForWebhook(ctx context.Context, webhookID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	ids := []string{}
	for _, id := range m.jobOrder {
		j := m.jobs[id]
		if j.WebhookID != webhookID || !j.Status.Queued() {
			continue
		}
		j.Status = model.JobCancelled
		j.LastError = "webhook deleted"
		j.Updated = now
		j.Completed = &now
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) DeliveryStats(ctx context.Context, since time.Time, buckets []int) ([]DeliveryStat, error) {
	if len(buckets) == 0 {
		buckets = DefaultLatencyBuckets
	}
	type agg struct {
		stat DeliveryStat
		sum  int
	}
	by := map[string]*agg{}
	m.mu.Lock()
	for _, id := range m.jobOrder {
		j := m.jobs[id]
		if !since.IsZero() && j.Updated.Before(since) {
			continue
		}
		key := string(j.Action) + "|" + string(j.Status)
		a := by[key]
		if a == nil {
			a = &agg{stat: DeliveryStat{
				Action:         j.Action,
				Status:         j.Status,
				LatencyEdges:   buckets,
				LatencyBuckets: make([]int, len(buckets)+1),
				CodeClasses:    map[string]int{},
			}}
			by[key] = a
		}
		a.stat.Count++
		a.sum += j.LatencyMs
		bi := len(buckets)
		for i, edge := range buckets {
			if j.LatencyMs < edge {
				bi = i
				break
			}
		}
		a.stat.LatencyBuckets[bi]++
		a.stat.CodeClasses[codeClass(j.ResponseCode)]++
	}
	m.mu.Unlock()

	out := make([]DeliveryStat, 0, len(by))
	for _, a := range by {
		if a.stat.Count > 0 {
			a.stat.AvgLatencyMs = a.sum / a.stat.Count
		}
		out = append(out, a.stat)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Action != out[j].Action {
			return out[i].Action < out[j].Action
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

func cloneWebhook(w model.Webhook) model.Webhook {
	w.ContentTypes = append([]string(nil), w.ContentTypes...)
	w.AdditionalHeaders = cloneHeaders(w.AdditionalHeaders)
	if w.Conditions != nil {
		w.Conditions = append([]byte(nil), w.Conditions...)
	}
	return w
}

func cloneJob(j model.DeliveryJob) model.DeliveryJob {
	j.Headers = cloneHeaders(j.Headers)
	j.Payload = append([]byte(nil), j.Payload...)
	if j.Completed != nil {
		t := *j.Completed
		j.Completed = &t
	}
	return j
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
