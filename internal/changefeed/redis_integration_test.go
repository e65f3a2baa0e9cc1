//go:build redis_integration

package changefeed

import (
	"context"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changehook/internal/model"
)

func TestRedisBrokerIntegration(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set; skipping integration test")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	b := NewRedisBroker(rdb, nil)
	b.channel = "changehook:test:changes"
	ch := b.Subscribe([]string{"dcim.site"})
	defer b.Unsubscribe(ch)

	require.NoError(t, b.Publish(context.Background(), []model.ObjectChange{
		testChange("dcim.rack", "1"),
		testChange("dcim.site", "2"),
	}))

	select {
	case got := <-ch:
		assert.Equal(t, "2", got.ChangedObjectID)
		assert.Equal(t, "req-1", got.RequestID)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for change")
	}
}
