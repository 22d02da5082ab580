package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/technosupport/ts-nvr/internal/data"
)

// segment is one MP4 in the camera's segment directory. Start comes from
// the filename (unix seconds), duration from ffprobe via the files_meta
// cache.
type segment struct {
	path     string
	start    time.Time
	duration float64
}

func (s segment) end() time.Time {
	return s.start.Add(time.Duration(s.duration * float64(time.Second)))
}

// segMeta is the files_meta payload cached per segment.
type segMeta struct {
	Duration float64 `json:"duration"`
	Checksum string  `json:"checksum,omitempty"`
}

// probeDuration asks ffprobe for a file's duration. Overridable for tests.
var probeDuration = func(path string) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "ffprobe",
		"-hide_banner", "-loglevel", "error",
		"-show_entries", "format=duration",
		"-print_format", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
}

// runConcat executes the ffmpeg concat demuxer over the script file.
// Overridable for tests.
var runConcat = func(scriptPath, outPath string) error {
	cmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0",
		"-i", scriptPath,
		"-c", "copy",
		"-y", outPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("concat: %v: %s", err, out)
	}
	return nil
}

func (r *Recorder) concatJob(recordingID int64, eventStart, eventEnd time.Time, trigger string) {
	r.concatMu.Lock()
	defer r.concatMu.Unlock()
	defer func() {
		// Resume cleanup unless a new recording opened while we worked.
		if r.pauser != nil && !r.Active() {
			r.pauser.ResumeCleanup(r.camera)
		}
	}()

	clipPath, err := r.buildClip(eventStart, eventEnd)
	if err != nil {
		log.Printf("[ERROR] [Recorder:%s] concat for recording %d: %v", r.camera, recordingID, err)
		clipPath = ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := r.models.Recordings.Close(ctx, recordingID, eventEnd, clipPath); err != nil {
		log.Printf("[ERROR] [Recorder:%s] close recording %d: %v", r.camera, recordingID, err)
	}

	r.events.Dispatch(EventRecorderComplete(r.camera), RecordingData{
		Identifier:  r.camera,
		RecordingID: recordingID,
		StartTime:   eventStart,
		TriggerType: trigger,
		ClipPath:    clipPath,
	}, true)
	if clipPath != "" {
		log.Printf("[Recorder:%s] recording %d written to %s", r.camera, recordingID, clipPath)
	}
}

// buildClip concatenates the segments covering [eventStart, eventEnd] into
// a clip under the recordings directory and returns its path.
func (r *Recorder) buildClip(eventStart, eventEnd time.Time) (string, error) {
	segments, err := r.loadSegments()
	if err != nil {
		return "", err
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("no segments in %s", r.segmentDir)
	}

	script := buildConcatScript(segments, eventStart, eventEnd)

	scriptFile, err := os.CreateTemp("", "nvr-concat-*.txt")
	if err != nil {
		return "", err
	}
	defer os.Remove(scriptFile.Name())
	if _, err := scriptFile.WriteString(script); err != nil {
		scriptFile.Close()
		return "", err
	}
	scriptFile.Close()

	if err := os.MkdirAll(r.recordingsDir, 0750); err != nil {
		return "", err
	}
	tmpOut := filepath.Join(r.recordingsDir, ".tmp-"+strconv.FormatInt(eventStart.Unix(), 10)+".mp4")
	defer os.Remove(tmpOut)

	if err := runConcat(scriptFile.Name(), tmpOut); err != nil {
		return "", err
	}

	clipPath := filepath.Join(r.recordingsDir, eventStart.Format(r.conf.FilenamePattern)+".mp4")
	if err := atomicMove(tmpOut, clipPath); err != nil {
		return "", err
	}
	r.registerClip(clipPath, eventStart)
	return clipPath, nil
}

// loadSegments enumerates the segment directory, resolving each duration
// through the files_meta cache. A file still being written by the
// segmenter is retried until segment_duration + 5 s passes.
func (r *Recorder) loadSegments() ([]segment, error) {
	entries, err := os.ReadDir(r.segmentDir)
	if err != nil {
		return nil, err
	}

	var segments []segment
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".mp4") {
			continue
		}
		ts, err := strconv.ParseInt(strings.TrimSuffix(e.Name(), ".mp4"), 10, 64)
		if err != nil {
			continue
		}
		path := filepath.Join(r.segmentDir, e.Name())

		dur, err := r.resolveDuration(path, time.Unix(ts, 0))
		if err != nil {
			log.Printf("[WARN] [Recorder:%s] skipping segment %s: %v", r.camera, path, err)
			continue
		}
		segments = append(segments, segment{path: path, start: time.Unix(ts, 0), duration: dur})
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].start.Before(segments[j].start) })
	return segments, nil
}

// resolveDuration resolves one segment's duration: cache, then ffprobe
// with a retry window for files the segmenter hasn't finished.
func (r *Recorder) resolveDuration(path string, origCtime time.Time) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	var meta segMeta
	err := r.models.FilesMeta.Get(ctx, path, &meta)
	cancel()
	if err == nil && meta.Duration > 0 {
		return meta.Duration, nil
	}
	if err != nil && !errors.Is(err, data.ErrRecordNotFound) {
		log.Printf("[WARN] [Recorder:%s] files_meta lookup %s: %v", r.camera, path, err)
	}

	deadline := time.Now().Add(time.Duration(r.segmentDuration+5) * time.Second)
	for {
		dur, perr := probeDuration(path)
		if perr == nil && dur > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
			if uerr := r.models.FilesMeta.Upsert(ctx, path, segMeta{Duration: dur}, origCtime); uerr != nil {
				log.Printf("[WARN] [Recorder:%s] files_meta upsert %s: %v", r.camera, path, uerr)
			}
			cancel()
			return dur, nil
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("probe duration: %v", perr)
		}
		time.Sleep(time.Second)
	}
}

// buildConcatScript selects the covering segment range and emits the
// concat demuxer script. inpoint trims the first file only when the event
// starts strictly inside it; outpoint trims the last only when the event
// ends strictly before its end.
func buildConcatScript(segments []segment, eventStart, eventEnd time.Time) string {
	first, last := bracketSegments(segments, eventStart, eventEnd)

	var b strings.Builder
	for i := first; i <= last; i++ {
		s := segments[i]
		fmt.Fprintf(&b, "file 'file:%s'\n", s.path)
		if i == first && eventStart.After(s.start) {
			fmt.Fprintf(&b, "inpoint %s\n", formatSeconds(eventStart.Sub(s.start)))
		}
		if i == last && eventEnd.Before(s.end()) {
			fmt.Fprintf(&b, "outpoint %s\n", formatSeconds(eventEnd.Sub(s.start)))
		}
	}
	return b.String()
}

// bracketSegments finds the first segment whose window contains eventStart
// (else the earliest) and the last containing eventEnd (else the latest).
func bracketSegments(segments []segment, eventStart, eventEnd time.Time) (int, int) {
	first := 0
	for i, s := range segments {
		if !eventStart.Before(s.start) && eventStart.Before(s.end()) {
			first = i
			break
		}
	}
	last := len(segments) - 1
	for i := len(segments) - 1; i >= 0; i-- {
		s := segments[i]
		if !eventEnd.Before(s.start) && eventEnd.Before(s.end()) {
			last = i
			break
		}
	}
	if last < first {
		last = first
	}
	return first, last
}

// formatSeconds renders a duration as decimal seconds without a trailing
// exponent, the format the concat demuxer expects.
func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// atomicMove renames src into place, falling back to copy+delete across
// filesystems.
func atomicMove(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

// registerClip records the finished clip in the files table and caches its
// checksum in files_meta.
func (r *Recorder) registerClip(clipPath string, eventStart time.Time) {
	st, err := os.Stat(clipPath)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	err = r.models.Files.Insert(ctx, data.File{
		CameraIdentifier: r.camera,
		TierID:           0,
		TierPath:         tierRootOf(r.recordingsDir),
		Path:             clipPath,
		Category:         data.CategoryRecorder,
		Subcategory:      data.SubcategoryClip,
		Size:             st.Size(),
		OrigCtime:        eventStart,
	})
	if err != nil {
		log.Printf("[WARN] [Recorder:%s] register clip %s: %v", r.camera, clipPath, err)
	}

	sum, err := clipChecksum(clipPath)
	if err != nil {
		log.Printf("[WARN] [Recorder:%s] checksum %s: %v", r.camera, clipPath, err)
		return
	}
	if err := r.models.FilesMeta.Upsert(ctx, clipPath, segMeta{Checksum: sum}, eventStart); err != nil {
		log.Printf("[WARN] [Recorder:%s] checksum upsert %s: %v", r.camera, clipPath, err)
	}
}

// clipChecksum hashes the finished clip so later integrity checks can
// detect bit rot on cold tiers.
func clipChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// tierRootOf walks up from <tier>/recordings/<camera> to the tier root.
func tierRootOf(recordingsDir string) string {
	return filepath.Dir(filepath.Dir(recordingsDir))
}
