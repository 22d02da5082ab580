package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchSegments(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"frame_bytes/cam1", "frame_bytes/cam1", true},
		{"frame_bytes/*", "frame_bytes/cam1", true},
		{"frame_bytes/*", "frame_bytes/cam1/extra", false},
		{"*/cam1", "frame_bytes/cam1", true},
		{"domain/*/camera/*", "domain/loaded/camera/cam1", true},
		{"domain/*/camera/*", "domain/loaded/nvr/cam1", false},
		{"*", "frame_bytes", true},
		{"*", "frame_bytes/cam1", false},
	}

	for _, tc := range cases {
		t.Run(tc.pattern+"_"+tc.topic, func(t *testing.T) {
			got := matchSegments(splitPattern(tc.pattern), splitPattern(tc.topic))
			assert.Equal(t, tc.want, got)
		})
	}
}

func splitPattern(s string) []string {
	out := []string{}
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '/' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

func TestPublishSubscribeExact(t *testing.T) {
	b := New(10)
	b.Start()
	defer b.Stop()

	var mu sync.Mutex
	var got []string
	b.SubscribeFunc("frame_bytes/cam1", func(m Message) {
		mu.Lock()
		got = append(got, m.Payload.(string))
		mu.Unlock()
	})

	b.Publish("frame_bytes/cam1", "a")
	b.Publish("frame_bytes/cam2", "ignored")
	b.Publish("frame_bytes/cam1", "b")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, got, "per-subscriber order must follow publish order")
}

func TestWildcardSubscription(t *testing.T) {
	b := New(10)
	b.Start()
	defer b.Stop()

	_, ch := b.SubscribeChan("frame_bytes/*", 10)

	b.Publish("frame_bytes/cam1", 1)
	b.Publish("frame_bytes/cam2", 2)
	b.Publish("processed_frame/cam1", 3)

	var got []int
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case m := <-ch:
			got = append(got, m.Payload.(int))
		case <-timeout:
			t.Fatal("timed out waiting for wildcard deliveries")
		}
	}
	assert.Equal(t, []int{1, 2}, got)

	select {
	case m := <-ch:
		t.Fatalf("unexpected delivery: %v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(10)
	b.Start()
	defer b.Stop()

	id, ch := b.SubscribeChan("status/cam1", 10)
	b.Publish("status/cam1", "first")

	select {
	case m := <-ch:
		assert.Equal(t, "first", m.Payload)
	case <-time.After(time.Second):
		t.Fatal("no delivery before unsubscribe")
	}

	b.Unsubscribe("status/cam1", id)
	b.Publish("status/cam1", "second")

	select {
	case m := <-ch:
		t.Fatalf("delivery after unsubscribe: %v", m)
	case <-time.After(50 * time.Millisecond):
	}

	// double unsubscribe is a no-op
	b.Unsubscribe("status/cam1", id)
}

func TestSubscriberQueueDropsOldest(t *testing.T) {
	b := New(100)
	b.Start()
	defer b.Stop()

	_, ch := b.SubscribeChan("t", 2)

	for i := 0; i < 5; i++ {
		b.Publish("t", i)
	}

	// Give the dispatcher time to route everything; the consumer is idle so
	// the 2-slot queue keeps only the newest messages.
	assert.Eventually(t, func() bool {
		return b.Stats().Published == 5
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	var got []int
	for len(got) < 2 {
		select {
		case m := <-ch:
			got = append(got, m.Payload.(int))
		case <-time.After(time.Second):
			t.Fatal("queue should hold two messages")
		}
	}
	assert.Equal(t, []int{3, 4}, got, "oldest messages are the ones evicted")
	assert.Greater(t, b.Stats().DroppedSub, int64(0))
}

func TestFailingSubscriberIsIsolated(t *testing.T) {
	b := New(10)
	b.Start()
	defer b.Stop()

	b.SubscribeFunc("t", func(Message) {
		panic("boom")
	})

	var mu sync.Mutex
	healthy := 0
	b.SubscribeFunc("t", func(Message) {
		mu.Lock()
		healthy++
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		b.Publish("t", i)
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return healthy == 3
	}, time.Second, 5*time.Millisecond)
}

func TestManySubscribersUniqueTokens(t *testing.T) {
	b := New(10)
	b.Start()
	defer b.Stop()

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := b.SubscribeFunc(fmt.Sprintf("topic/%d", i), func(Message) {})
		require.False(t, seen[id.String()], "subscription tokens must be unique")
		seen[id.String()] = true
	}
}
