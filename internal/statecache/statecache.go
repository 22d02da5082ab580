// Package statecache mirrors low-rate per-camera state into Redis so
// external consumers (dashboards, automations) can poll it without going
// through the web API. Keys carry a short TTL: a crashed NVR leaves no
// stale state behind.
package statecache

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-nvr/internal/config"
	"github.com/technosupport/ts-nvr/internal/events"
)

const (
	// KeyTTL bounds how long a mirrored value outlives its last refresh.
	KeyTTL = 10 * time.Second

	writeTimeout = 2 * time.Second
	queueSize    = 64
)

func stateKey(camera string) string  { return "nvr:state:" + camera }
func latestKey(camera string) string { return "nvr:det:latest:" + camera }

// Connect builds the Redis client for the configured backend. go-redis
// dials lazily, so a backend that is down at startup only surfaces as
// write errors until it comes back.
func Connect(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Cache forwards operation_state and objects_detected events into Redis.
// The dispatcher listener only enqueues; a single worker goroutine does
// the writes so a slow Redis never stalls event dispatch.
type Cache struct {
	client *redis.Client
	events *events.Dispatcher

	token uuid.UUID
	queue chan events.Event

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(client *redis.Client, d *events.Dispatcher) *Cache {
	return &Cache{
		client:   client,
		events:   d,
		queue:    make(chan events.Event, queueSize),
		stopChan: make(chan struct{}),
	}
}

func (c *Cache) Start() {
	c.token = c.events.Listen(events.Wildcard, c.onEvent)
	c.wg.Add(1)
	go c.run()
	log.Printf("[StateCache] mirroring to redis")
}

func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		c.events.Unlisten(events.Wildcard, c.token)
		close(c.stopChan)
	})
	c.wg.Wait()
	if err := c.client.Close(); err != nil {
		log.Printf("[WARN] [StateCache] close: %v", err)
	}
}

func (c *Cache) onEvent(ev events.Event) {
	if keyFor(ev.Topic) == "" {
		return
	}
	select {
	case c.queue <- ev:
	default:
		log.Printf("[WARN] [StateCache] queue full, dropping %s", ev.Topic)
	}
}

// keyFor maps a dispatcher topic to its Redis key, or "" for topics the
// cache does not mirror.
func keyFor(topic string) string {
	camera, ok := topicCamera(topic, "operation_state/")
	if ok {
		return stateKey(camera)
	}
	camera, ok = topicCamera(topic, "objects_detected/")
	if ok {
		return latestKey(camera)
	}
	return ""
}

func topicCamera(topic, prefix string) (string, bool) {
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	camera := topic[len(prefix):]
	if camera == "" || strings.Contains(camera, "/") {
		return "", false
	}
	return camera, true
}

func (c *Cache) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopChan:
			return
		case ev := <-c.queue:
			c.write(ev)
		}
	}
}

func (c *Cache) write(ev events.Event) {
	key := keyFor(ev.Topic)

	payload, err := json.Marshal(struct {
		Topic string      `json:"topic"`
		Data  interface{} `json:"data"`
		At    time.Time   `json:"at"`
	}{ev.Topic, ev.Data, ev.At})
	if err != nil {
		log.Printf("[ERROR] [StateCache] marshal %s: %v", ev.Topic, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.client.Set(ctx, key, payload, KeyTTL).Err(); err != nil {
		log.Printf("[WARN] [StateCache] set %s: %v", key, err)
	}
}
