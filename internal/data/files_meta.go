package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// FileMeta caches probed per-file metadata keyed by path. The recorder uses
// it to avoid re-probing segment durations on every concat.
type FileMeta struct {
	ID        int64
	Path      string
	Meta      json.RawMessage
	OrigCtime time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

type FileMetaModel struct {
	DB DBTX
}

// Upsert stores metadata for a path, replacing any previous value.
func (m FileMetaModel) Upsert(ctx context.Context, path string, meta any, origCtime time.Time) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO files_meta (path, meta, orig_ctime)
		VALUES ($1, $2, $3)
		ON CONFLICT (path) DO UPDATE
		SET meta = EXCLUDED.meta, updated_at = (NOW() AT TIME ZONE 'UTC')`

	_, err = m.DB.ExecContext(ctx, query, path, raw, origCtime.UTC())
	return err
}

// Get returns the cached metadata for a path, unmarshalled into out.
func (m FileMetaModel) Get(ctx context.Context, path string, out any) error {
	query := `SELECT meta FROM files_meta WHERE path = $1`

	var raw json.RawMessage
	err := m.DB.QueryRowContext(ctx, query, path).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrRecordNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Delete removes cached metadata for a path.
func (m FileMetaModel) Delete(ctx context.Context, path string) error {
	query := `DELETE FROM files_meta WHERE path = $1`
	_, err := m.DB.ExecContext(ctx, query, path)
	return err
}
