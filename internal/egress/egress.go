// Package egress bridges dispatcher events onto NATS so external systems
// subscribe to NVR activity without touching the process. Every stored
// event goes out as JSON on nvr.events.<topic> with the topic's slashes
// mapped to subject dots.
package egress

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/technosupport/ts-nvr/internal/config"
	"github.com/technosupport/ts-nvr/internal/events"
)

const (
	subjectPrefix = "nvr.events."
	maxRetries    = 3
	queueSize     = 256
)

// Connect dials the configured NATS server. The connection keeps retrying
// in the background, so egress degrades to dropped publishes rather than
// failing startup when the broker is down.
func Connect(cfg config.NatsConfig) (*nats.Conn, error) {
	return nats.Connect(cfg.URL,
		nats.Name("ts-nvr"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

// Bridge forwards dispatcher events to NATS. The wildcard listener only
// enqueues; one goroutine publishes so slow or reconnecting NATS never
// stalls event dispatch.
type Bridge struct {
	conn   *nats.Conn
	events *events.Dispatcher

	token uuid.UUID
	queue chan events.Event

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(conn *nats.Conn, d *events.Dispatcher) *Bridge {
	return &Bridge{
		conn:     conn,
		events:   d,
		queue:    make(chan events.Event, queueSize),
		stopChan: make(chan struct{}),
	}
}

func (b *Bridge) Start() {
	b.token = b.events.Listen(events.Wildcard, b.onEvent)
	b.wg.Add(1)
	go b.run()
	log.Printf("[Egress] publishing on %s*", subjectPrefix)
}

func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.events.Unlisten(events.Wildcard, b.token)
		close(b.stopChan)
	})
	b.wg.Wait()
	b.conn.Close()
}

func (b *Bridge) onEvent(ev events.Event) {
	select {
	case b.queue <- ev:
	default:
		log.Printf("[WARN] [Egress] queue full, dropping %s", ev.Topic)
	}
}

func (b *Bridge) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopChan:
			return
		case ev := <-b.queue:
			if err := b.publish(ev); err != nil {
				log.Printf("[WARN] [Egress] %s: %v", ev.Topic, err)
			}
		}
	}
}

// Subject maps a dispatcher topic to its NATS subject:
// recorder_start/porch becomes nvr.events.recorder_start.porch.
func Subject(topic string) string {
	return subjectPrefix + strings.ReplaceAll(topic, "/", ".")
}

// publish sends one event, retrying with linear backoff. nats.Publish is
// buffered client-side, so failures here mean the connection is closed or
// the pending buffer is full.
func (b *Bridge) publish(ev events.Event) error {
	payload, err := json.Marshal(struct {
		Topic string      `json:"topic"`
		Data  interface{} `json:"data"`
		At    time.Time   `json:"at"`
	}{ev.Topic, ev.Data, ev.At})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	subject := Subject(ev.Topic)
	for i := 0; i <= maxRetries; i++ {
		err = b.conn.Publish(subject, payload)
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	return fmt.Errorf("publish failed after %d retries: %w", maxRetries, err)
}
