package events

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// Wildcard subscribes a listener to every topic.
	Wildcard = "*"

	ringSize     = 100
	lastTopicCap = 1024
)

// Event is a typed, low-rate notification: domain state changes, camera
// start/stop, motion start/stop, shutdown. High-rate frame traffic stays on
// the data bus; events go through here so listeners observe them in
// dispatch order on the dispatching goroutine.
type Event struct {
	Topic string
	Data  interface{}
	At    time.Time
}

// Listener receives events synchronously. A listener that must do real work
// should hand the event off to its own goroutine; the dispatcher does not
// shield dispatchers from slow listeners.
type Listener func(Event)

// Dispatcher fans events out to listeners registered per topic or on the
// wildcard. Stored events additionally land in a bounded ring buffer and a
// last-event-per-topic cache for late consumers (web API, egress warm-up).
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[string]map[uuid.UUID]Listener
	wildcard  map[uuid.UUID]Listener

	ring     [ringSize]Event
	ringNext int
	ringLen  int

	last *lru.Cache[string, Event]
}

func NewDispatcher() *Dispatcher {
	last, _ := lru.New[string, Event](lastTopicCap)
	return &Dispatcher{
		listeners: make(map[string]map[uuid.UUID]Listener),
		wildcard:  make(map[uuid.UUID]Listener),
		last:      last,
	}
}

// Listen registers a listener for topic (or Wildcard for all topics) and
// returns the token for Unlisten.
func (d *Dispatcher) Listen(topic string, l Listener) uuid.UUID {
	id := uuid.New()
	d.mu.Lock()
	if topic == Wildcard {
		d.wildcard[id] = l
	} else {
		m, ok := d.listeners[topic]
		if !ok {
			m = make(map[uuid.UUID]Listener)
			d.listeners[topic] = m
		}
		m[id] = l
	}
	d.mu.Unlock()
	return id
}

// Unlisten removes a listener. Unknown tokens are ignored.
func (d *Dispatcher) Unlisten(topic string, id uuid.UUID) {
	d.mu.Lock()
	if topic == Wildcard {
		delete(d.wildcard, id)
	} else if m, ok := d.listeners[topic]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(d.listeners, topic)
		}
	}
	d.mu.Unlock()
}

// Dispatch delivers the event inline on the calling goroutine to every
// listener for the topic plus all wildcard listeners. With store=true the
// event is recorded in the ring buffer and the last-event cache.
func (d *Dispatcher) Dispatch(topic string, data interface{}, store bool) {
	ev := Event{Topic: topic, Data: data, At: time.Now()}

	d.mu.Lock()
	if store {
		d.ring[d.ringNext] = ev
		d.ringNext = (d.ringNext + 1) % ringSize
		if d.ringLen < ringSize {
			d.ringLen++
		}
		d.last.Add(topic, ev)
	}
	targets := make([]Listener, 0, len(d.wildcard)+4)
	for _, l := range d.listeners[topic] {
		targets = append(targets, l)
	}
	for _, l := range d.wildcard {
		targets = append(targets, l)
	}
	d.mu.Unlock()

	// Invoke outside the lock; a listener may Listen/Unlisten reentrantly.
	for _, l := range targets {
		d.invoke(topic, l, ev)
	}
}

func (d *Dispatcher) invoke(topic string, l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] [Events] listener panicked on topic %s: %v", topic, r)
		}
	}()
	l(ev)
}

// Last returns the most recent stored event for topic.
func (d *Dispatcher) Last(topic string) (Event, bool) {
	return d.last.Get(topic)
}

// Recent returns up to n stored events, oldest first.
func (d *Dispatcher) Recent(n int) []Event {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if n > d.ringLen {
		n = d.ringLen
	}
	out := make([]Event, 0, n)
	start := d.ringNext - n
	if start < 0 {
		start += ringSize
	}
	for i := 0; i < n; i++ {
		out = append(out, d.ring[(start+i)%ringSize])
	}
	return out
}
