package model

import (
	"fmt"
	"strings"
	"time"
)

// Action is the kind of mutation applied to an object.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ParseAction accepts the action names and their past-tense event names.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create", "created":
		return ActionCreate, nil
	case "update", "updated":
		return ActionUpdate, nil
	case "delete", "deleted":
		return ActionDelete, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

func (a Action) Valid() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// EventName is the name used in webhook payloads ("created", "updated", "deleted").
func (a Action) EventName() string {
	switch a {
	case ActionCreate:
		return "created"
	case ActionUpdate:
		return "updated"
	case ActionDelete:
		return "deleted"
	}
	return string(a)
}

// ObjectChange is the immutable audit record of one mutation.
type ObjectChange struct {
	ID                string    `json:"id"`
	Time              time.Time `json:"time"`
	User              string    `json:"user"`
	RequestID         string    `json:"request_id"`
	Seq               int       `json:"seq"`
	Action            Action    `json:"action"`
	ChangedObjectType string    `json:"changed_object_type"`
	ChangedObjectID   string    `json:"changed_object_id"`
	ObjectRepr        string    `json:"object_repr"`
	PreChange         Snapshot  `json:"prechange_data"`
	PostChange        Snapshot  `json:"postchange_data"`
	Warnings          []string  `json:"warnings,omitempty"`
}

// Degraded reports whether part of a snapshot was replaced by a placeholder.
func (c ObjectChange) Degraded() bool { return len(c.Warnings) > 0 }

// Event is the in-memory notification emitted for an ObjectChange. It lives in
// the event queue until its unit of work commits or aborts.
type Event struct {
	ID         string    `json:"id"`
	ObjectType string    `json:"object_type"`
	ObjectID   string    `json:"object_id"`
	Action     Action    `json:"action"`
	Snapshot   Snapshot  `json:"snapshot"`
	PreChange  Snapshot  `json:"prechange,omitempty"`
	User       string    `json:"user"`
	RequestID  string    `json:"request_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventFromChange derives the event for a recorded change. Deletes carry the
// last known state as their snapshot.
func EventFromChange(c ObjectChange) Event {
	snap := c.PostChange
	if c.Action == ActionDelete {
		snap = c.PreChange
	}
	return Event{
		ID:         c.ID,
		ObjectType: c.ChangedObjectType,
		ObjectID:   c.ChangedObjectID,
		Action:     c.Action,
		Snapshot:   snap,
		PreChange:  c.PreChange,
		User:       c.User,
		RequestID:  c.RequestID,
		Timestamp:  c.Time,
	}
}

// ChangeFilter selects ObjectChanges for the audit listing.
type ChangeFilter struct {
	ObjectTypes []string
	ObjectID    string
	User        string
	RequestID   string
	Since       time.Time
	Until       time.Time
	// Query matches ObjectRepr using Lookup (partial when empty).
	Query     string
	Lookup    string
	Ascending bool
	Cursor    string
	Limit     int
}
