package bus

import (
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueSize is the dispatch queue capacity. Publishing to a full
// queue evicts the oldest pending message rather than blocking the
// producer; frame producers must never stall on a slow consumer.
const DefaultQueueSize = 1000

// DefaultSubscriberQueueSize bounds each subscriber's private queue.
const DefaultSubscriberQueueSize = 100

// Message is one published item on a data topic.
type Message struct {
	Topic   string
	Payload interface{}
	At      time.Time
}

// HandlerFunc consumes messages for a function subscriber. Handlers run on
// a goroutine owned by the subscription, one at a time, in publish order.
type HandlerFunc func(Message)

type subscriber struct {
	id       uuid.UUID
	pattern  string
	segments []string
	wildcard bool
	queue    chan Message
	handler  HandlerFunc
	done     chan struct{}
}

// Bus is the in-process data-topic fan-out. One dispatcher goroutine drains
// the publish queue and delivers to exact and wildcard subscribers. Every
// queue in the path is lossy: full means drop-oldest, never block.
type Bus struct {
	mu        sync.RWMutex
	exact     map[string][]*subscriber
	wildcards []*subscriber

	dispatch chan Message
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	published       atomic.Int64
	droppedDispatch atomic.Int64
	droppedSub      atomic.Int64
	delivered       atomic.Int64
}

// New creates a Bus with the given dispatch queue size (0 uses the default).
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		exact:    make(map[string][]*subscriber),
		dispatch: make(chan Message, queueSize),
		stopChan: make(chan struct{}),
	}
}

// Start launches the dispatcher goroutine.
func (b *Bus) Start() {
	b.wg.Add(1)
	go b.dispatchLoop()
	log.Printf("[Bus] dispatcher started (queue=%d)", cap(b.dispatch))
}

// Stop terminates the dispatcher and all subscription drainers. Messages
// still in flight are discarded.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopChan)
	})
	b.wg.Wait()
	log.Printf("[Bus] stopped (published=%d dropped=%d)", b.published.Load(), b.droppedDispatch.Load())
}

// Publish enqueues a message for dispatch. Never blocks: when the dispatch
// queue is full the oldest pending message is evicted to make room.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.published.Add(1)
	msg := Message{Topic: topic, Payload: payload, At: time.Now()}
	b.offer(b.dispatch, msg, &b.droppedDispatch)
}

// offer performs the lossy send shared by the dispatch queue and every
// subscriber queue.
func (b *Bus) offer(ch chan Message, msg Message, dropped *atomic.Int64) {
	select {
	case ch <- msg:
		return
	default:
	}
	// Full. Evict the oldest entry, then retry once. A concurrent producer
	// can win the freed slot; in that case the new message is the one lost.
	select {
	case <-ch:
		dropped.Add(1)
	default:
	}
	select {
	case ch <- msg:
	default:
		dropped.Add(1)
	}
}

// SubscribeFunc registers a handler for every message matching pattern.
// The handler runs on its own drainer goroutine so a slow handler only
// loses its own messages. Returns the token for Unsubscribe.
func (b *Bus) SubscribeFunc(pattern string, handler HandlerFunc) uuid.UUID {
	sub := b.newSubscriber(pattern, DefaultSubscriberQueueSize, handler)
	b.wg.Add(1)
	go b.drain(sub)
	return sub.id
}

// SubscribeChan registers a channel subscription. The caller owns the
// receive side and is expected to drain it from a dedicated goroutine
// (the WebSocket forwarder does exactly that). When the channel is full
// the oldest queued message is dropped.
func (b *Bus) SubscribeChan(pattern string, queueSize int) (uuid.UUID, <-chan Message) {
	if queueSize <= 0 {
		queueSize = DefaultSubscriberQueueSize
	}
	sub := b.newSubscriber(pattern, queueSize, nil)
	return sub.id, sub.queue
}

func (b *Bus) newSubscriber(pattern string, queueSize int, handler HandlerFunc) *subscriber {
	sub := &subscriber{
		id:      uuid.New(),
		pattern: pattern,
		queue:   make(chan Message, queueSize),
		handler: handler,
		done:    make(chan struct{}),
	}
	if strings.Contains(pattern, "*") {
		sub.wildcard = true
		sub.segments = strings.Split(pattern, "/")
	}

	b.mu.Lock()
	if sub.wildcard {
		b.wildcards = append(b.wildcards, sub)
	} else {
		b.exact[pattern] = append(b.exact[pattern], sub)
	}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription identified by (pattern, id). Safe to
// call twice; the second call is a no-op.
func (b *Bus) Unsubscribe(pattern string, id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if strings.Contains(pattern, "*") {
		for i, sub := range b.wildcards {
			if sub.id == id {
				b.wildcards = append(b.wildcards[:i], b.wildcards[i+1:]...)
				close(sub.done)
				return
			}
		}
		return
	}

	subs := b.exact[pattern]
	for i, sub := range subs {
		if sub.id == id {
			b.exact[pattern] = append(subs[:i], subs[i+1:]...)
			if len(b.exact[pattern]) == 0 {
				delete(b.exact, pattern)
			}
			close(sub.done)
			return
		}
	}
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopChan:
			return
		case msg := <-b.dispatch:
			b.deliver(msg)
		}
	}
}

func (b *Bus) deliver(msg Message) {
	b.mu.RLock()
	targets := make([]*subscriber, 0, 4)
	targets = append(targets, b.exact[msg.Topic]...)
	if len(b.wildcards) > 0 {
		topicSegs := strings.Split(msg.Topic, "/")
		for _, sub := range b.wildcards {
			if matchSegments(sub.segments, topicSegs) {
				targets = append(targets, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.offer(sub.queue, msg, &b.droppedSub)
		b.delivered.Add(1)
	}
}

// drain runs a function subscriber's private queue until unsubscribe or
// bus stop. Handler panics are contained here so one bad subscriber cannot
// take down the dispatcher or its peers.
func (b *Bus) drain(sub *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case <-b.stopChan:
			return
		case msg := <-sub.queue:
			b.invoke(sub, msg)
		}
	}
}

func (b *Bus) invoke(sub *subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] [Bus] subscriber %s panicked on topic %s: %v", sub.id, msg.Topic, r)
		}
	}()
	sub.handler(msg)
}

// matchSegments implements shell-style topic matching: "*" matches exactly
// one "/"-separated segment, segment counts must agree.
func matchSegments(pattern, topic []string) bool {
	if len(pattern) != len(topic) {
		return false
	}
	for i, p := range pattern {
		if p != "*" && p != topic[i] {
			return false
		}
	}
	return true
}

// Stats is a point-in-time snapshot of bus counters, polled by the metrics
// collector.
type Stats struct {
	Published       int64
	Delivered       int64
	DroppedDispatch int64
	DroppedSub      int64
}

func (b *Bus) Stats() Stats {
	return Stats{
		Published:       b.published.Load(),
		Delivered:       b.delivered.Load(),
		DroppedDispatch: b.droppedDispatch.Load(),
		DroppedSub:      b.droppedSub.Load(),
	}
}
