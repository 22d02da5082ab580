package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/technosupport/ts-nvr/internal/data"
)

const copyChunk = 256 << 10

// File event topics dispatched as the tier worker and watcher change the
// on-disk population.
func EventFileCreated(camera string) string { return "file_created/" + camera }
func EventFileDeleted(camera string) string { return "file_deleted/" + camera }

// FileEventData is the payload of file_created/file_deleted events.
type FileEventData struct {
	Identifier string `json:"identifier"`
	Path       string `json:"path"`
}

// runMove copies the file to the next tier, re-points its row, and deletes
// the source. A missing source means the row is stale: the orphan row is
// removed and the job still reports the error.
func (e *Engine) runMove(f data.File, nextTierID int) error {
	nextRoot := e.cfg.Storage.Tiers[nextTierID].Path
	dst := strings.Replace(f.Path, f.TierPath, nextRoot, 1)

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	src, err := os.Open(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			if derr := e.models.Files.DeleteByPath(ctx, f.Path); derr != nil {
				log.Printf("[WARN] [Storage] drop orphan row %s: %v", f.Path, derr)
			}
			return fmt.Errorf("move source vanished: %s", f.Path)
		}
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if err := e.copyPaced(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy %s: %w", f.Path, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}

	if err := e.models.Files.SetTier(ctx, f.Path, nextTierID, nextRoot, dst); err != nil {
		os.Remove(dst)
		return fmt.Errorf("re-point row %s: %w", f.Path, err)
	}
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		log.Printf("[WARN] [Storage] remove moved source %s: %v", f.Path, err)
	}

	e.collector.TierBytesMoved(f.CameraIdentifier, f.Size)
	e.collector.TierFileOp("move")
	log.Printf("[Storage] moved %s to tier %d", f.Path, nextTierID)
	return nil
}

// copyPaced copies with the engine's byte-rate limiter, so tier moves on
// spinning disks never crowd out live segment writes.
func (e *Engine) copyPaced(dst io.Writer, src io.Reader) error {
	if e.limiter == nil {
		_, err := io.Copy(dst, src)
		return err
	}

	buf := make([]byte, copyChunk)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			waitCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			err := e.limiter.WaitN(waitCtx, n)
			cancel()
			if err != nil {
				return err
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// runDelete removes the row first, then the file. A file already gone is
// success: the goal state is reached either way.
func (e *Engine) runDelete(f data.File) error {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	if err := e.models.Files.DeleteByPath(ctx, f.Path); err != nil {
		return fmt.Errorf("delete row %s: %w", f.Path, err)
	}
	if err := e.models.FilesMeta.Delete(ctx, f.Path); err != nil {
		log.Printf("[WARN] [Storage] delete meta %s: %v", f.Path, err)
	}
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", f.Path, err)
	}

	e.collector.TierFileOp("delete")
	e.events.Dispatch(EventFileDeleted(f.CameraIdentifier), FileEventData{
		Identifier: f.CameraIdentifier,
		Path:       f.Path,
	}, false)
	return nil
}
