package data

import (
	"context"
	"database/sql"
	"time"
)

// File categories mirror the on-disk layout under each tier root.
const (
	CategoryRecorder   = "recorder"
	SubcategorySegment = "segments"
	SubcategoryClip    = "recordings"
	SubcategoryThumb   = "thumbnails"
)

// File is one tracked file on a storage tier. orig_ctime is the capture
// time parsed from the filename and survives moves between tiers.
type File struct {
	ID               int64
	CameraIdentifier string
	TierID           int
	TierPath         string
	Path             string
	Category         string
	Subcategory      string
	Size             int64
	OrigCtime        time.Time
	CreatedAt        time.Time
}

type FileModel struct {
	DB DBTX
}

// Insert registers a new file. A path already present is updated in place;
// the segment watcher re-observes files after restarts.
func (m FileModel) Insert(ctx context.Context, f File) error {
	query := `
		INSERT INTO files (camera_identifier, tier_id, tier_path, path, category, subcategory, size, orig_ctime)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (path) DO UPDATE
		SET size = EXCLUDED.size, tier_id = EXCLUDED.tier_id, tier_path = EXCLUDED.tier_path`

	_, err := m.DB.ExecContext(ctx, query,
		f.CameraIdentifier, f.TierID, f.TierPath, f.Path, f.Category, f.Subcategory, f.Size, f.OrigCtime.UTC())
	return err
}

// ListForTier returns all files for one camera+tier+category+subcategory
// ordered by orig_ctime descending (newest first), the order the tier check
// accumulates cumulative size in.
func (m FileModel) ListForTier(ctx context.Context, camera string, tierID int, category, subcategory string) ([]File, error) {
	query := `
		SELECT id, camera_identifier, tier_id, tier_path, path, category, subcategory, size, orig_ctime, created_at
		FROM files
		WHERE camera_identifier = $1 AND tier_id = $2 AND category = $3 AND subcategory = $4
		ORDER BY orig_ctime DESC`

	rows, err := m.DB.QueryContext(ctx, query, camera, tierID, category, subcategory)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFiles(rows)
}

// GetByPath looks a file up by its absolute path.
func (m FileModel) GetByPath(ctx context.Context, path string) (*File, error) {
	query := `
		SELECT id, camera_identifier, tier_id, tier_path, path, category, subcategory, size, orig_ctime, created_at
		FROM files
		WHERE path = $1`

	rows, err := m.DB.QueryContext(ctx, query, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files, err := scanFiles(rows)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrRecordNotFound
	}
	return &files[0], nil
}

// SetTier re-points a row after a move to the next tier.
func (m FileModel) SetTier(ctx context.Context, oldPath string, tierID int, tierPath, newPath string) error {
	query := `
		UPDATE files
		SET tier_id = $1, tier_path = $2, path = $3
		WHERE path = $4`

	res, err := m.DB.ExecContext(ctx, query, tierID, tierPath, newPath, oldPath)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// DeleteByPath removes the row for a file. Deleting an unknown path is not
// an error; the watcher and the tier worker can race on the same file.
func (m FileModel) DeleteByPath(ctx context.Context, path string) error {
	query := `DELETE FROM files WHERE path = $1`
	_, err := m.DB.ExecContext(ctx, query, path)
	return err
}

func scanFiles(rows *sql.Rows) ([]File, error) {
	var out []File
	for rows.Next() {
		var f File
		err := rows.Scan(&f.ID, &f.CameraIdentifier, &f.TierID, &f.TierPath, &f.Path,
			&f.Category, &f.Subcategory, &f.Size, &f.OrigCtime, &f.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
