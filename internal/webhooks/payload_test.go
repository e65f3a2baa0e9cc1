package webhooks

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changehook/internal/model"
)

func TestModelName(t *testing.T) {
	assert.Equal(t, "site", ModelName("dcim.site"))
	assert.Equal(t, "ipaddress", ModelName("ipam.ipaddress"))
	assert.Equal(t, "site", ModelName("site"))
}

func TestRenderPayload_Update(t *testing.T) {
	ev := model.Event{
		ObjectType: "dcim.site",
		ObjectID:   "7",
		Action:     model.ActionUpdate,
		Snapshot:   model.Snapshot{"name": model.String("ams2"), "asn": model.Int(65001)},
		PreChange:  model.Snapshot{"name": model.String("ams1"), "asn": model.Int(65001)},
		User:       "alice",
		RequestID:  "req-9",
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC),
	}
	body, err := RenderPayload(ev)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "updated", got["event"])
	assert.Equal(t, "2026-03-01T12:00:00.0000005Z", got["timestamp"])
	assert.Equal(t, "site", got["model"])
	assert.Equal(t, "dcim.site", got["object_type"])
	assert.Equal(t, "7", got["object_id"])
	assert.Equal(t, "alice", got["username"])
	assert.Equal(t, "req-9", got["request_id"])
	assert.Equal(t, "ams2", got["data"].(map[string]any)["name"])

	snaps := got["snapshots"].(map[string]any)
	assert.Equal(t, "ams1", snaps["prechange"].(map[string]any)["name"])
	assert.Equal(t, "ams2", snaps["postchange"].(map[string]any)["name"])
}

func TestNewPayload_CreateHasNoPreChange(t *testing.T) {
	p := NewPayload(model.Event{ObjectType: "dcim.site", Action: model.ActionCreate, Snapshot: model.Snapshot{"name": model.String("x")}})
	assert.Nil(t, p.Snapshots.PreChange)
	assert.Equal(t, p.Data, p.Snapshots.PostChange)
}
