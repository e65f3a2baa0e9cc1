package webhooks

import (
	"encoding/json"
	"strings"
	"time"

	"changehook/internal/model"
)

// Payload is the JSON body sent to webhook receivers.
type Payload struct {
	Event      string         `json:"event"`
	Timestamp  string         `json:"timestamp"`
	Model      string         `json:"model"`
	ObjectType string         `json:"object_type"`
	ObjectID   string         `json:"object_id"`
	Username   string         `json:"username"`
	RequestID  string         `json:"request_id"`
	Data       model.Snapshot `json:"data"`
	Snapshots  Snapshots      `json:"snapshots"`
}

type Snapshots struct {
	PreChange  model.Snapshot `json:"prechange"`
	PostChange model.Snapshot `json:"postchange"`
}

// ModelName returns the last dotted segment of an object type ("dcim.site" -> "site").
func ModelName(objectType string) string {
	if i := strings.LastIndex(objectType, "."); i >= 0 {
		return objectType[i+1:]
	}
	return objectType
}

func NewPayload(ev model.Event) Payload {
	p := Payload{
		Event:      ev.Action.EventName(),
		Timestamp:  ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Model:      ModelName(ev.ObjectType),
		ObjectType: ev.ObjectType,
		ObjectID:   ev.ObjectID,
		Username:   ev.User,
		RequestID:  ev.RequestID,
		Data:       ev.Snapshot,
		Snapshots:  Snapshots{PreChange: ev.PreChange},
	}
	if ev.Action != model.ActionDelete {
		p.Snapshots.PostChange = ev.Snapshot
	}
	return p
}

// RenderPayload encodes the payload for ev.
func RenderPayload(ev model.Event) ([]byte, error) {
	return json.Marshal(NewPayload(ev))
}
