package storage

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/technosupport/ts-nvr/internal/config"
	"github.com/technosupport/ts-nvr/internal/data"
)

const dbTimeout = 10 * time.Second

// tierLimits is one tier rule converted to bytes and durations. A zero
// field disables the corresponding bound.
type tierLimits struct {
	MaxBytes int64
	MinBytes int64
	MinAge   time.Duration
	MaxAge   time.Duration
}

func limitsFromRule(r config.TierRule) tierLimits {
	return tierLimits{
		MaxBytes: int64(r.MaxSizeGB * float64(1<<30)),
		MinBytes: int64(r.MinSizeGB * float64(1<<30)),
		MinAge:   time.Duration(r.MinAgeSecs) * time.Second,
		MaxAge:   time.Duration(r.MaxAgeDays * 24 * float64(time.Hour)),
	}
}

func (l tierLimits) enabled() bool {
	return l.MaxBytes > 0 || l.MinBytes > 0 || l.MaxAge > 0
}

// selectOverflow walks files newest-first with a running size total and
// marks the ones the tier should shed: either the total has passed
// max_bytes and the file is old enough (min_age), or the file has passed
// max_age and the tier still holds at least min_bytes.
func selectOverflow(files []data.File, lim tierLimits, now time.Time) []data.File {
	var cumulative int64
	var out []data.File
	for _, f := range files {
		cumulative += f.Size

		overSize := lim.MaxBytes > 0 &&
			cumulative > lim.MaxBytes &&
			!f.OrigCtime.After(now.Add(-lim.MinAge))
		overAge := lim.MaxAge > 0 &&
			f.OrigCtime.Before(now.Add(-lim.MaxAge)) &&
			(lim.MinBytes == 0 || cumulative >= lim.MinBytes)

		if overSize || overAge {
			out = append(out, f)
		}
	}
	return out
}

// recordingWindow is one closed recording's segment ownership span:
// [adjusted_start_time, end_time + segment_duration].
type recordingWindow struct {
	id    int64
	start time.Time
	end   time.Time
	files []data.File
	size  int64
}

// groupByRecording assigns files to recording windows by binary search of
// orig_ctime against the sorted window starts. Files outside every window
// are returned separately and treated as continuous.
func groupByRecording(files []data.File, recs []data.Recording, segDur time.Duration) ([]recordingWindow, []data.File) {
	windows := make([]recordingWindow, len(recs))
	for i, r := range recs {
		windows[i] = recordingWindow{
			id:    r.ID,
			start: r.AdjustedStartTime,
			end:   r.EndTime.Add(segDur),
		}
	}

	var loose []data.File
	for _, f := range files {
		// First window starting after the file, minus one.
		i := sort.Search(len(windows), func(i int) bool {
			return windows[i].start.After(f.OrigCtime)
		}) - 1
		if i >= 0 && !f.OrigCtime.After(windows[i].end) {
			windows[i].files = append(windows[i].files, f)
			windows[i].size += f.Size
			continue
		}
		loose = append(loose, f)
	}
	return windows, loose
}

// selectEventOverflow applies the dual threshold at recording granularity:
// a recording past the budget sheds all of its files together, so a clip's
// source segments never age out piecemeal. Event files additionally keep a
// 5 × segment_duration safety floor.
func selectEventOverflow(files []data.File, recs []data.Recording, lim tierLimits, segDur time.Duration, now time.Time) []data.File {
	windows, _ := groupByRecording(files, recs, segDur)

	// Newest recording first, matching the continuous accumulation order.
	sort.Slice(windows, func(i, j int) bool { return windows[i].start.After(windows[j].start) })

	floor := now.Add(-5 * segDur)
	var cumulative int64
	var out []data.File
	for _, w := range windows {
		if len(w.files) == 0 {
			continue
		}
		cumulative += w.size

		overSize := lim.MaxBytes > 0 &&
			cumulative > lim.MaxBytes &&
			!w.start.After(now.Add(-lim.MinAge))
		overAge := lim.MaxAge > 0 &&
			w.start.Before(now.Add(-lim.MaxAge)) &&
			(lim.MinBytes == 0 || cumulative >= lim.MinBytes)

		if !overSize && !overAge {
			continue
		}
		for _, f := range w.files {
			if f.OrigCtime.After(floor) {
				continue
			}
			out = append(out, f)
		}
	}
	return out
}

// intersectByID keeps the files present in both selections.
func intersectByID(a, b []data.File) []data.File {
	ids := make(map[int64]bool, len(b))
	for _, f := range b {
		ids[f.ID] = true
	}
	var out []data.File
	for _, f := range a {
		if ids[f.ID] {
			out = append(out, f)
		}
	}
	return out
}

// CheckTier enqueues a tier check for one camera+tier+subcategory.
func (e *Engine) CheckTier(camera string, tierID int, subcategory string) {
	e.Submit(Job{
		Kind: JobCheckTier,
		Run: func() error {
			return e.runCheckTier(camera, tierID, subcategory)
		},
	})
}

func (e *Engine) runCheckTier(camera string, tierID int, subcategory string) error {
	if subcategory == data.SubcategorySegment && e.cleanupPaused(camera) {
		return nil
	}
	key := strings.Join([]string{camera, fmt.Sprint(tierID), data.CategoryRecorder, subcategory}, "|")
	if !e.throttle.tryAcquire(key) {
		return nil
	}
	defer e.throttle.release(key)

	tier := e.cfg.Storage.Tiers[tierID]
	segDur := time.Duration(e.cfg.Storage.SegmentDuration) * time.Second
	now := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	files, err := e.models.Files.ListForTier(ctx, camera, tierID, data.CategoryRecorder, subcategory)
	if err != nil {
		return fmt.Errorf("list tier files: %w", err)
	}

	// A segment younger than two nominal durations may still be written.
	cutoff := now.Add(-2 * segDur)
	eligible := files[:0:0]
	for _, f := range files {
		if !f.OrigCtime.After(cutoff) {
			eligible = append(eligible, f)
		}
	}

	continuous := limitsFromRule(tier.Continuous)
	eventsRule := limitsFromRule(tier.Events)

	var contSel, eventSel []data.File
	if continuous.enabled() {
		contSel = selectOverflow(eligible, continuous, now)
	}
	if eventsRule.enabled() {
		recs, err := e.models.Recordings.ListClosedByCamera(ctx, camera)
		if err != nil {
			return fmt.Errorf("list recordings: %w", err)
		}
		eventSel = selectEventOverflow(eligible, recs, eventsRule, segDur, now)
	}

	var selected []data.File
	switch {
	case continuous.enabled() && eventsRule.enabled():
		selected = intersectByID(contSel, eventSel)
	case continuous.enabled():
		selected = contSel
	case eventsRule.enabled():
		selected = eventSel
	}

	if len(selected) > 0 {
		log.Printf("[Storage] tier %d %s/%s: %d files over budget for %s",
			tierID, data.CategoryRecorder, subcategory, len(selected), camera)
		e.dispatchOverflow(selected, tierID)
	}
	return nil
}

// dispatchOverflow queues the urgent follow-up work: move to the next tier
// or, at the last tier, delete.
func (e *Engine) dispatchOverflow(files []data.File, tierID int) {
	lastTier := tierID == len(e.cfg.Storage.Tiers)-1
	for _, f := range files {
		f := f
		if lastTier {
			e.Submit(Job{
				Kind:   JobDeleteFile,
				Urgent: true,
				Run:    func() error { return e.runDelete(f) },
			})
			continue
		}
		next := tierID + 1
		e.Submit(Job{
			Kind:   JobMoveFile,
			Urgent: true,
			Run:    func() error { return e.runMove(f, next) },
		})
	}
}
