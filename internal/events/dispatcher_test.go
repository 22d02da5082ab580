package events

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatchIsSynchronous(t *testing.T) {
	d := NewDispatcher()

	var got []string
	d.Listen("camera_started/cam1", func(ev Event) {
		got = append(got, ev.Data.(string))
	})

	d.Dispatch("camera_started/cam1", "a", true)
	d.Dispatch("camera_started/cam1", "b", true)

	// No synchronization needed: delivery happens on this goroutine.
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestWildcardListenerSeesAllTopics(t *testing.T) {
	d := NewDispatcher()

	var topics []string
	d.Listen(Wildcard, func(ev Event) {
		topics = append(topics, ev.Topic)
	})

	d.Dispatch("a", nil, false)
	d.Dispatch("b", nil, false)
	d.Dispatch("a", nil, false)

	assert.Equal(t, []string{"a", "b", "a"}, topics)
}

func TestUnlisten(t *testing.T) {
	d := NewDispatcher()

	count := 0
	id := d.Listen("t", func(Event) { count++ })

	d.Dispatch("t", nil, false)
	d.Unlisten("t", id)
	d.Dispatch("t", nil, false)

	assert.Equal(t, 1, count)

	// unknown token is ignored
	d.Unlisten("t", id)
	d.Unlisten(Wildcard, id)
}

func TestLastEventPerTopic(t *testing.T) {
	d := NewDispatcher()

	d.Dispatch("state", 1, true)
	d.Dispatch("state", 2, true)
	d.Dispatch("transient", 3, false)

	ev, ok := d.Last("state")
	assert.True(t, ok)
	assert.Equal(t, 2, ev.Data)

	_, ok = d.Last("transient")
	assert.False(t, ok, "store=false events are not recorded")
}

func TestRecentRingBuffer(t *testing.T) {
	d := NewDispatcher()

	for i := 0; i < ringSize+10; i++ {
		d.Dispatch("t", i, true)
	}

	recent := d.Recent(5)
	assert.Len(t, recent, 5)
	for i, ev := range recent {
		assert.Equal(t, ringSize+5+i, ev.Data, "oldest first")
	}

	// asking for more than stored returns everything
	all := d.Recent(ringSize * 2)
	assert.Len(t, all, ringSize)
}

func TestPanickingListenerDoesNotAffectOthers(t *testing.T) {
	d := NewDispatcher()

	d.Listen("t", func(Event) { panic("boom") })
	ok := 0
	d.Listen("t", func(Event) { ok++ })

	assert.NotPanics(t, func() {
		d.Dispatch("t", nil, false)
	})
	assert.Equal(t, 1, ok)
}

func TestListenerTokensUnique(t *testing.T) {
	d := NewDispatcher()
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		id := d.Listen(fmt.Sprintf("topic-%d", i%3), func(Event) {})
		assert.False(t, seen[id.String()])
		seen[id.String()] = true
	}
}
