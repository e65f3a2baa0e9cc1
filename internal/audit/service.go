// Package audit runs units of work: it records mutations inside one store
// transaction and, once that commits, dispatches their events and publishes
// the committed changes.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"changehook/internal/changefeed"
	"changehook/internal/changelog"
	"changehook/internal/events"
	"changehook/internal/metrics"
	"changehook/internal/model"
	"changehook/internal/store"
)

var (
	// ErrUnitOfWorkClosed is returned when a committed or aborted unit of work is used again.
	ErrUnitOfWorkClosed = errors.New("audit: unit of work closed")
	// ErrRequestActive is returned by Begin for a request id that has an open
	// unit of work or already has committed changes.
	ErrRequestActive = errors.New("audit: request id already in use")
)

// Beginner opens store transactions and looks up committed changes.
type Beginner interface {
	Begin(ctx context.Context) (store.Tx, error)
	ListChanges(ctx context.Context, f model.ChangeFilter) ([]model.ObjectChange, string, error)
}

// Dispatcher turns committed events into delivery jobs.
type Dispatcher interface {
	Dispatch(ctx context.Context, evs []model.Event) ([]model.DeliveryJob, error)
}

type Service struct {
	store      Beginner
	events     *events.Queue
	recorder   *changelog.Recorder
	dispatcher Dispatcher
	sinks      []changefeed.Sink
	log        *zap.SugaredLogger

	mu     sync.Mutex
	active map[string]struct{}
}

type Option func(*Service)

func WithLogger(l *zap.SugaredLogger) Option { return func(s *Service) { s.log = l } }

// WithSinks adds sinks that receive every committed unit of work.
func WithSinks(sinks ...changefeed.Sink) Option {
	return func(s *Service) { s.sinks = append(s.sinks, sinks...) }
}

// WithRecorderOptions configures the change recorder.
func WithRecorderOptions(opts ...changelog.Option) Option {
	return func(s *Service) { s.recorder = changelog.NewRecorder(s.events, opts...) }
}

func NewService(st Beginner, d Dispatcher, opts ...Option) *Service {
	q := events.NewQueue()
	s := &Service{
		store:      st,
		events:     q,
		recorder:   changelog.NewRecorder(q),
		dispatcher: d,
		log:        zap.NewNop().Sugar(),
		active:     map[string]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Begin opens a unit of work. An empty requestID gets a generated one.
func (s *Service) Begin(ctx context.Context, user, requestID string) (*UnitOfWork, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	s.mu.Lock()
	if _, busy := s.active[requestID]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRequestActive, requestID)
	}
	s.active[requestID] = struct{}{}
	s.mu.Unlock()

	// a request id names exactly one unit of work
	seen, _, err := s.store.ListChanges(ctx, model.ChangeFilter{RequestID: requestID, Limit: 1})
	if err != nil {
		s.release(requestID)
		return nil, fmt.Errorf("begin unit of work: %w", err)
	}
	if len(seen) > 0 {
		s.release(requestID)
		return nil, fmt.Errorf("%w: %s already committed", ErrRequestActive, requestID)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		s.release(requestID)
		return nil, fmt.Errorf("begin unit of work: %w", err)
	}
	return &UnitOfWork{svc: s, tx: tx, user: user, requestID: requestID}, nil
}

// Open reports how many units of work are in progress.
func (s *Service) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Service) release(requestID string) {
	s.mu.Lock()
	delete(s.active, requestID)
	s.mu.Unlock()
}

// UnitOfWork groups the mutations of one request. It is not safe for
// concurrent use.
type UnitOfWork struct {
	svc       *Service
	tx        store.Tx
	user      string
	requestID string
	seq       int
	changes   []model.ObjectChange
	closed    bool
}

// CommitResult is what a committed unit of work produced. Warnings carry
// post-commit problems (dispatch, change feed) that did not undo the commit.
type CommitResult struct {
	RequestID string               `json:"request_id"`
	Changes   []model.ObjectChange `json:"changes"`
	Jobs      []model.DeliveryJob  `json:"jobs"`
	Warnings  []string             `json:"warnings,omitempty"`
}

func (u *UnitOfWork) RequestID() string { return u.requestID }

// Record writes the audit record for one mutation. Invalid mutations are
// rejected and leave the unit of work usable; a store failure aborts it.
func (u *UnitOfWork) Record(ctx context.Context, obj changelog.Object, action model.Action) (model.ObjectChange, error) {
	if u.closed {
		return model.ObjectChange{}, ErrUnitOfWorkClosed
	}
	c, err := u.svc.recorder.Record(ctx, u.tx, obj, action, changelog.Origin{
		User:      u.user,
		RequestID: u.requestID,
		Seq:       u.seq,
	})
	if errors.Is(err, changelog.ErrInvalidMutation) {
		return c, err
	}
	if err != nil {
		u.abort("record_failed")
		return c, err
	}
	u.seq++
	u.changes = append(u.changes, c)
	return c, nil
}

// Commit makes the recorded changes durable, then dispatches their events.
// Dispatch and publish failures are reported as warnings.
func (u *UnitOfWork) Commit(ctx context.Context) (CommitResult, error) {
	if u.closed {
		return CommitResult{}, ErrUnitOfWorkClosed
	}
	s := u.svc
	if err := u.tx.Commit(); err != nil {
		u.abort("commit_failed")
		return CommitResult{}, fmt.Errorf("commit %s: %w", u.requestID, err)
	}
	u.closed = true
	defer s.release(u.requestID)
	metrics.UnitsOfWork.WithLabelValues("committed").Inc()

	res := CommitResult{RequestID: u.requestID, Changes: u.changes, Jobs: []model.DeliveryJob{}}
	if res.Changes == nil {
		res.Changes = []model.ObjectChange{}
	}
	// the changes are durable; the caller going away must not skip dispatch
	ctx = context.WithoutCancel(ctx)

	evs := s.events.Flush(u.requestID)
	if len(evs) > 0 && s.dispatcher != nil {
		jobs, err := s.dispatcher.Dispatch(ctx, evs)
		res.Jobs = append(res.Jobs, jobs...)
		if err != nil {
			s.log.Errorw("dispatch incomplete", "request_id", u.requestID, "error", err)
			res.Warnings = append(res.Warnings, splitErrors("dispatch", err)...)
		}
	}
	if len(u.changes) > 0 {
		for _, sink := range s.sinks {
			if err := sink.Publish(ctx, u.changes); err != nil {
				s.log.Warnw("change feed publish failed", "request_id", u.requestID, "error", err)
				res.Warnings = append(res.Warnings, "changefeed: "+err.Error())
			}
		}
	}
	s.log.Infow("unit of work committed", "request_id", u.requestID, "user", u.user, "changes", len(u.changes), "jobs", len(res.Jobs))
	return res, nil
}

// Abort rolls back the transaction and drops the buffered events. Aborting a
// closed unit of work is a no-op.
func (u *UnitOfWork) Abort() error {
	if u.closed {
		return nil
	}
	return u.abort("aborted")
}

func (u *UnitOfWork) abort(outcome string) error {
	u.closed = true
	s := u.svc
	dropped := s.events.Discard(u.requestID)
	err := u.tx.Rollback()
	if errors.Is(err, store.ErrTxDone) {
		err = nil
	}
	s.release(u.requestID)
	metrics.UnitsOfWork.WithLabelValues(outcome).Inc()
	s.log.Infow("unit of work aborted", "request_id", u.requestID, "reason", outcome, "dropped_events", dropped)
	return err
}

func splitErrors(prefix string, err error) []string {
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, prefix+": "+line)
		}
	}
	return out
}
