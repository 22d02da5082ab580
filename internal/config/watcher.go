package config

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/technosupport/ts-nvr/internal/events"
)

// EventConfigFileChanged is dispatched when the watched configuration file
// changes on disk. The daemon reacts by shutting down with the restart exit
// code; there is no in-place reload.
const EventConfigFileChanged = "config_file_changed"

const (
	watchDebounce = 100 * time.Millisecond
	pollInterval  = 60 * time.Second
)

// Watcher observes the config file via inotify with a polling fallback for
// filesystems that do not deliver events (network mounts, some editors
// replace the file instead of writing it).
type Watcher struct {
	path       string
	dispatcher *events.Dispatcher

	mu       sync.Mutex
	lastMod  time.Time
	lastSize int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewWatcher(path string, dispatcher *events.Dispatcher) *Watcher {
	w := &Watcher{
		path:       path,
		dispatcher: dispatcher,
		stopChan:   make(chan struct{}),
	}
	if st, err := os.Stat(path); err == nil {
		w.lastMod = st.ModTime()
		w.lastSize = st.Size()
	}
	return w
}

// Start begins watching. Watching the directory rather than the file keeps
// rename-and-replace writes visible.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[WARN] [Config] fsnotify unavailable, using polling only: %v", err)
		fsw = nil
	} else if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		log.Printf("[WARN] [Config] cannot watch %s, using polling only: %v", filepath.Dir(w.path), err)
		fsw.Close()
		fsw = nil
	}

	w.wg.Add(1)
	go w.run(fsw)
	log.Printf("[Config] watching %s for changes", w.path)
	return nil
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
}

func (w *Watcher) run(fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	if fsw != nil {
		defer fsw.Close()
	}

	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	fire := func() {
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.AfterFunc(watchDebounce, w.checkChanged)
	}

	var fsEvents chan fsnotify.Event
	var fsErrors chan error
	if fsw != nil {
		fsEvents = fsw.Events
		fsErrors = fsw.Errors
	}

	for {
		select {
		case <-w.stopChan:
			return
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				fire()
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			log.Printf("[WARN] [Config] watcher error: %v", err)
		case <-poll.C:
			// Safety net: inotify can silently miss events.
			w.checkChanged()
		}
	}
}

// checkChanged compares mtime+size against the last observation and
// dispatches at most one event per actual change.
func (w *Watcher) checkChanged() {
	st, err := os.Stat(w.path)
	if err != nil {
		return
	}

	w.mu.Lock()
	changed := !st.ModTime().Equal(w.lastMod) || st.Size() != w.lastSize
	if changed {
		w.lastMod = st.ModTime()
		w.lastSize = st.Size()
	}
	w.mu.Unlock()

	if changed {
		log.Printf("[Config] %s changed on disk", w.path)
		w.dispatcher.Dispatch(EventConfigFileChanged, w.path, true)
	}
}
