package detector

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/ts-nvr/internal/broker"
	"github.com/technosupport/ts-nvr/internal/bus"
	"github.com/technosupport/ts-nvr/internal/config"
	"github.com/technosupport/ts-nvr/internal/data"
	"github.com/technosupport/ts-nvr/internal/frames"
)

// DomainPostProcess is the request domain sent to the sidecar and stored
// with each result row.
const DomainPostProcess = "face_recognition"

// PostProcessor feeds labeled object hits back through the sidecar for a
// second pass (face recognition) and stores whatever the sidecar returns.
type PostProcessor struct {
	camera string
	conf   *config.PostProcessorConfig

	pool    *frames.Pool
	bus     *bus.Bus
	sidecar sidecar
	timeout time.Duration
	models  data.Models

	labels   map[string]struct{}
	lastSeen *lru.Cache[string, time.Time]

	subID   uuid.UUID
	stopped sync.Once
}

func NewPostProcessor(camera string, conf *config.PostProcessorConfig, pool *frames.Pool,
	b *bus.Bus, sc sidecar, timeout time.Duration, models data.Models) *PostProcessor {

	labels := make(map[string]struct{}, len(conf.Labels))
	for _, l := range conf.Labels {
		labels[l] = struct{}{}
	}
	throttle, _ := lru.New[string, time.Time](storeThrottleCap)
	return &PostProcessor{
		camera:   camera,
		conf:     conf,
		pool:     pool,
		bus:      b,
		sidecar:  sc,
		timeout:  timeout,
		models:   models,
		labels:   labels,
		lastSeen: throttle,
	}
}

func (p *PostProcessor) Start() {
	p.subID = p.bus.SubscribeFunc(ResultTopic(ScannerObject, p.camera), p.onResult)
	log.Printf("[PostProcessor:%s] listening (labels=%v)", p.camera, p.conf.Labels)
}

func (p *PostProcessor) Stop() {
	p.stopped.Do(func() {
		p.bus.Unsubscribe(ResultTopic(ScannerObject, p.camera), p.subID)
	})
}

func (p *PostProcessor) onResult(msg bus.Message) {
	res, ok := msg.Payload.(ObjectResult)
	if !ok || res.Error != "" {
		return
	}
	for _, o := range res.Objects {
		if !o.Relevant {
			continue
		}
		if _, ok := p.labels[o.Label]; !ok {
			continue
		}
		if last, ok := p.lastSeen.Get(o.Label); ok &&
			time.Since(last) < time.Duration(p.conf.StoreInterval)*time.Second {
			continue
		}
		p.lastSeen.Add(o.Label, time.Now())
		p.process(res.Frame, o)
	}
}

func (p *PostProcessor) process(sf *frames.SharedFrame, o DetectedObject) {
	if err := p.pool.Acquire(sf); err != nil {
		return
	}
	defer p.pool.Release(sf)

	raw, err := p.pool.Raw(sf)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	resp, err := p.sidecar.Call(ctx, broker.Request{
		Kind:   broker.KindPostProcess,
		Camera: p.camera,
		Width:  sf.Width,
		Height: sf.Height,
		Format: string(sf.PixelFormat),
		Frame:  raw,
		Crop:   []int{o.X1, o.Y1, o.X2, o.Y2},
	})
	if err != nil {
		log.Printf("[WARN] [PostProcessor:%s] sidecar: %v", p.camera, err)
		return
	}
	if len(resp.Data) == 0 {
		return
	}

	dbCtx, dbCancel := context.WithTimeout(context.Background(), persistTimeout)
	defer dbCancel()
	if _, err := p.models.PostProcessorResult.Insert(dbCtx, p.camera, DomainPostProcess, "", resp.Data); err != nil {
		log.Printf("[ERROR] [PostProcessor:%s] store result: %v", p.camera, err)
	}
}
