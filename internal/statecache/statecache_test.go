package statecache

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-nvr/internal/events"
)

func testCache(t *testing.T) (*Cache, *miniredis.Miniredis, *events.Dispatcher) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d := events.NewDispatcher()
	return New(client, d), mr, d
}

func TestKeyFor(t *testing.T) {
	assert.Equal(t, "nvr:state:porch", keyFor("operation_state/porch"))
	assert.Equal(t, "nvr:det:latest:porch", keyFor("objects_detected/porch"))
	assert.Empty(t, keyFor("motion_detected/porch"))
	assert.Empty(t, keyFor("operation_state/"))
	assert.Empty(t, keyFor("operation_state/a/b"))
	assert.Empty(t, keyFor("recorder_start/porch"))
}

func TestWriteSetsKeyWithTTL(t *testing.T) {
	c, mr, _ := testCache(t)

	c.write(events.Event{
		Topic: "operation_state/porch",
		Data:  map[string]string{"identifier": "porch", "state": "recording"},
		At:    time.Now(),
	})

	raw, err := mr.Get("nvr:state:porch")
	require.NoError(t, err)

	var got struct {
		Topic string `json:"topic"`
		Data  struct {
			State string `json:"state"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, "operation_state/porch", got.Topic)
	assert.Equal(t, "recording", got.Data.State)

	ttl := mr.TTL("nvr:state:porch")
	assert.True(t, ttl > 0 && ttl <= KeyTTL, "ttl %v", ttl)
}

func TestDispatchedEventsLandInRedis(t *testing.T) {
	c, mr, d := testCache(t)
	c.Start()
	defer c.Stop()

	d.Dispatch("objects_detected/porch", map[string]string{"identifier": "porch"}, true)

	require.Eventually(t, func() bool {
		return mr.Exists("nvr:det:latest:porch")
	}, time.Second, 5*time.Millisecond)
}

func TestUnrelatedTopicsAreIgnored(t *testing.T) {
	c, mr, d := testCache(t)
	c.Start()
	defer c.Stop()

	d.Dispatch("recorder_start/porch", nil, true)
	d.Dispatch("operation_state/porch", map[string]string{"state": "idle"}, true)

	require.Eventually(t, func() bool {
		return mr.Exists("nvr:state:porch")
	}, time.Second, 5*time.Millisecond)
	assert.False(t, mr.Exists("nvr:events:recorder_start/porch"))
	assert.Equal(t, []string{"nvr:state:porch"}, mr.Keys())
}

func TestTransitionRefreshesValue(t *testing.T) {
	c, mr, d := testCache(t)
	c.Start()
	defer c.Stop()

	d.Dispatch("operation_state/porch", map[string]string{"state": "idle"}, true)
	require.Eventually(t, func() bool {
		return mr.Exists("nvr:state:porch")
	}, time.Second, 5*time.Millisecond)

	d.Dispatch("operation_state/porch", map[string]string{"state": "recording"}, true)
	require.Eventually(t, func() bool {
		raw, err := mr.Get("nvr:state:porch")
		return err == nil && strings.Contains(raw, "recording")
	}, time.Second, 5*time.Millisecond)
}
