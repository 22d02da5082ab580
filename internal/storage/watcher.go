package storage

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/technosupport/ts-nvr/internal/data"
	"github.com/technosupport/ts-nvr/internal/platform/paths"
)

const watcherPollInterval = 60 * time.Second

// segmentWatcher keeps the files table in sync with one camera's segment
// directory. fsnotify delivers live events; a polling sweep runs as a
// safety net for missed events and for filesystems without notify.
type segmentWatcher struct {
	engine   *Engine
	camera   string
	dir      string
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu    sync.Mutex
	known map[string]bool // paths already announced as file_created
}

// startWatchers spawns one segment watcher per camera on the first tier.
func (e *Engine) startWatchers() error {
	tier0 := e.cfg.Storage.Tiers[0].Path
	for _, camera := range e.cfg.CameraIDs() {
		w := &segmentWatcher{
			engine:   e,
			camera:   camera,
			dir:      paths.SegmentsDir(tier0, camera),
			stopChan: make(chan struct{}),
			known:    make(map[string]bool),
		}
		if err := os.MkdirAll(w.dir, 0750); err != nil {
			return err
		}
		w.start()
		e.watchers = append(e.watchers, w)
	}
	return nil
}

func (w *segmentWatcher) start() {
	notify, err := fsnotify.NewWatcher()
	if err == nil {
		if aerr := notify.Add(w.dir); aerr != nil {
			log.Printf("[WARN] [Storage:%s] watch %s: %v, polling only", w.camera, w.dir, aerr)
			notify.Close()
			notify = nil
		}
	} else {
		log.Printf("[WARN] [Storage:%s] fsnotify unavailable (%v), polling only", w.camera, err)
		notify = nil
	}

	if notify != nil {
		w.wg.Add(1)
		go w.notifyLoop(notify)
	}
	w.wg.Add(1)
	go w.pollLoop()
}

func (w *segmentWatcher) stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
}

func (w *segmentWatcher) notifyLoop(notify *fsnotify.Watcher) {
	defer w.wg.Done()
	defer notify.Close()

	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-notify.Events:
			if !ok {
				return
			}
			switch {
			case event.Op&fsnotify.Create != 0:
				// The segmenter is still writing; let the size settle.
				time.Sleep(100 * time.Millisecond)
				w.observe(event.Name)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.forget(event.Name)
			}
		case err, ok := <-notify.Errors:
			if !ok {
				return
			}
			log.Printf("[WARN] [Storage:%s] watcher: %v", w.camera, err)
		}
	}
}

// pollLoop sweeps the directory periodically, upserting every segment.
// Insert is idempotent, so overlap with the notify path is harmless.
func (w *segmentWatcher) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(watcherPollInterval)
	defer ticker.Stop()

	w.sweep()
	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *segmentWatcher) sweep() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.Printf("[WARN] [Storage:%s] sweep %s: %v", w.camera, w.dir, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.observe(filepath.Join(w.dir, entry.Name()))
	}
}

// observe registers one segment file. The filename carries the capture
// time as unix seconds; anything else in the directory is ignored.
func (w *segmentWatcher) observe(path string) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".mp4") {
		return
	}
	ts, err := strconv.ParseInt(strings.TrimSuffix(name, ".mp4"), 10, 64)
	if err != nil {
		return
	}
	st, err := os.Stat(path)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	err = w.engine.models.Files.Insert(ctx, data.File{
		CameraIdentifier: w.camera,
		TierID:           0,
		TierPath:         w.engine.cfg.Storage.Tiers[0].Path,
		Path:             path,
		Category:         data.CategoryRecorder,
		Subcategory:      data.SubcategorySegment,
		Size:             st.Size(),
		OrigCtime:        time.Unix(ts, 0),
	})
	if err != nil {
		log.Printf("[ERROR] [Storage:%s] register segment %s: %v", w.camera, path, err)
		return
	}

	w.mu.Lock()
	seen := w.known[path]
	w.known[path] = true
	w.mu.Unlock()
	if seen {
		return
	}
	w.engine.events.Dispatch(EventFileCreated(w.camera), FileEventData{
		Identifier: w.camera,
		Path:       path,
	}, false)
}

// forget drops the row for a removed file.
func (w *segmentWatcher) forget(path string) {
	if !strings.HasSuffix(path, ".mp4") {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := w.engine.models.Files.DeleteByPath(ctx, path); err != nil {
		log.Printf("[WARN] [Storage:%s] forget %s: %v", w.camera, path, err)
	}
	w.mu.Lock()
	delete(w.known, path)
	w.mu.Unlock()
	w.engine.events.Dispatch(EventFileDeleted(w.camera), FileEventData{
		Identifier: w.camera,
		Path:       path,
	}, false)
}
