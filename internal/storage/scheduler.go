package storage

import (
	"time"

	"github.com/technosupport/ts-nvr/internal/data"
)

var checkSubcategories = []string{
	data.SubcategorySegment,
	data.SubcategoryClip,
	data.SubcategoryThumb,
}

// startSchedulers launches one ticker per camera+tier that enqueues tier
// checks at the tier's configured interval.
func (e *Engine) startSchedulers() {
	for tierID := range e.cfg.Storage.Tiers {
		for _, camera := range e.cfg.CameraIDs() {
			e.wg.Add(1)
			go e.scheduleTier(camera, tierID)
		}
	}
}

func (e *Engine) scheduleTier(camera string, tierID int) {
	defer e.wg.Done()

	interval := time.Duration(e.cfg.Storage.Tiers[tierID].CheckInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			for _, sub := range checkSubcategories {
				e.CheckTier(camera, tierID, sub)
			}
		}
	}
}
