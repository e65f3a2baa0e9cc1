// Package changelog turns domain mutations into immutable audit records and
// their change events.
package changelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"changehook/internal/events"
	"changehook/internal/metrics"
	"changehook/internal/model"
)

// ErrInvalidMutation is returned for mutations that cannot be recorded at all:
// missing identity, missing request id, unknown action or missing state.
var ErrInvalidMutation = errors.New("changelog: invalid mutation")

// ChangeWriter persists audit records, normally inside the unit of work's
// store transaction.
type ChangeWriter interface {
	AppendChange(ctx context.Context, c model.ObjectChange) error
}

// Object describes the mutated object. Fields is the post-change state (create,
// update) and Prior the pre-change state (update, delete).
type Object struct {
	Type   string
	ID     string
	Repr   string
	Fields map[string]any
	Prior  map[string]any
}

// Origin identifies who made the change and where it sits in its unit of work.
type Origin struct {
	User      string
	RequestID string
	Seq       int
}

type Recorder struct {
	events *events.Queue
	now    func() time.Time
	log    *zap.SugaredLogger
}

type Option func(*Recorder)

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Recorder) { r.log = l }
}

func NewRecorder(q *events.Queue, opts ...Option) *Recorder {
	r := &Recorder{events: q, now: time.Now, log: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Record persists one ObjectChange through w and enqueues its Event under
// origin.RequestID. The event is only enqueued once the write succeeded.
func (r *Recorder) Record(ctx context.Context, w ChangeWriter, obj Object, action model.Action, origin Origin) (model.ObjectChange, error) {
	if err := validate(obj, action, origin); err != nil {
		return model.ObjectChange{}, err
	}

	c := model.ObjectChange{
		ID:                uuid.Must(uuid.NewV7()).String(),
		Time:              r.now().UTC(),
		User:              origin.User,
		RequestID:         origin.RequestID,
		Seq:               origin.Seq,
		Action:            action,
		ChangedObjectType: obj.Type,
		ChangedObjectID:   obj.ID,
		ObjectRepr:        obj.Repr,
	}
	if c.ObjectRepr == "" {
		c.ObjectRepr = obj.Type + " " + obj.ID
	}

	var warns []string
	if obj.Prior != nil {
		snap, sw := Snapshot(obj.Prior)
		c.PreChange = snap
		warns = append(warns, prefix("prechange", sw)...)
	}
	if action != model.ActionDelete {
		snap, sw := Snapshot(obj.Fields)
		c.PostChange = snap
		warns = append(warns, prefix("postchange", sw)...)
	}
	c.Warnings = warns
	if len(warns) > 0 {
		metrics.SnapshotWarnings.WithLabelValues(obj.Type).Add(float64(len(warns)))
		r.log.Warnw("snapshot degraded", "object_type", obj.Type, "object_id", obj.ID, "request_id", origin.RequestID, "warnings", warns)
	}

	if err := w.AppendChange(ctx, c); err != nil {
		return model.ObjectChange{}, fmt.Errorf("record %s %s/%s: %w", action, obj.Type, obj.ID, err)
	}
	metrics.ObjectChanges.WithLabelValues(obj.Type, string(action)).Inc()
	if r.events != nil {
		r.events.Enqueue(model.EventFromChange(c))
	}
	return c, nil
}

func validate(obj Object, action model.Action, origin Origin) error {
	switch {
	case obj.Type == "" || obj.ID == "":
		return fmt.Errorf("%w: object type and id are required", ErrInvalidMutation)
	case origin.RequestID == "":
		return fmt.Errorf("%w: request id is required", ErrInvalidMutation)
	case !action.Valid():
		return fmt.Errorf("%w: unknown action %q", ErrInvalidMutation, action)
	case action == model.ActionDelete && obj.Prior == nil:
		return fmt.Errorf("%w: delete of %s/%s has no prior state", ErrInvalidMutation, obj.Type, obj.ID)
	case action != model.ActionDelete && obj.Fields == nil:
		return fmt.Errorf("%w: %s of %s/%s has no fields", ErrInvalidMutation, action, obj.Type, obj.ID)
	}
	return nil
}

func prefix(side string, warns []string) []string {
	out := make([]string, len(warns))
	for i, w := range warns {
		out[i] = side + ": " + w
	}
	return out
}
