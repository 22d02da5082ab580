package data

import (
	"context"
	"database/sql"
	"time"
)

// Recording is one event recording window. EndTime and ClipPath stay null
// while the window is open.
type Recording struct {
	ID                int64
	CameraIdentifier  string
	StartTime         time.Time
	AdjustedStartTime time.Time
	EndTime           time.Time
	Ended             bool
	CreatedAt         time.Time
	TriggerType       string
	ClipPath          string
}

type RecordingModel struct {
	DB DBTX
}

// Start inserts an open recording window and returns its id.
func (m RecordingModel) Start(ctx context.Context, camera string, startTime, adjustedStart time.Time, triggerType string) (int64, error) {
	query := `
		INSERT INTO recordings (camera_identifier, start_time, adjusted_start_time, trigger_type)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	var id int64
	err := m.DB.QueryRowContext(ctx, query, camera, startTime.UTC(), adjustedStart.UTC(), triggerType).Scan(&id)
	return id, err
}

// Close ends an open window and records the produced clip path.
func (m RecordingModel) Close(ctx context.Context, id int64, endTime time.Time, clipPath string) error {
	query := `
		UPDATE recordings
		SET end_time = $1, clip_path = $2
		WHERE id = $3`

	res, err := m.DB.ExecContext(ctx, query, endTime.UTC(), clipPath, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ListByCamera returns the newest recordings for a camera, open ones first.
func (m RecordingModel) ListByCamera(ctx context.Context, camera string, limit int) ([]Recording, error) {
	query := `
		SELECT id, camera_identifier, start_time, adjusted_start_time, end_time, created_at, trigger_type, clip_path
		FROM recordings
		WHERE camera_identifier = $1
		ORDER BY start_time DESC
		LIMIT $2`

	rows, err := m.DB.QueryContext(ctx, query, camera, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecordings(rows)
}

// ListClosedByCamera returns every finished window for a camera ordered by
// adjusted_start_time ascending. The storage worker groups files into these
// windows with a binary search, which needs the sort.
func (m RecordingModel) ListClosedByCamera(ctx context.Context, camera string) ([]Recording, error) {
	query := `
		SELECT id, camera_identifier, start_time, adjusted_start_time, end_time, created_at, trigger_type, clip_path
		FROM recordings
		WHERE camera_identifier = $1 AND end_time IS NOT NULL
		ORDER BY adjusted_start_time ASC`

	rows, err := m.DB.QueryContext(ctx, query, camera)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecordings(rows)
}

// ActiveForCamera returns the open window for a camera, if any.
func (m RecordingModel) ActiveForCamera(ctx context.Context, camera string) (*Recording, error) {
	query := `
		SELECT id, camera_identifier, start_time, adjusted_start_time, end_time, created_at, trigger_type, clip_path
		FROM recordings
		WHERE camera_identifier = $1 AND end_time IS NULL
		ORDER BY start_time DESC
		LIMIT 1`

	rows, err := m.DB.QueryContext(ctx, query, camera)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs, err := scanRecordings(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrRecordNotFound
	}
	return &recs[0], nil
}

func scanRecordings(rows *sql.Rows) ([]Recording, error) {
	var out []Recording
	for rows.Next() {
		var r Recording
		var endTime sql.NullTime
		var clipPath sql.NullString

		err := rows.Scan(&r.ID, &r.CameraIdentifier, &r.StartTime, &r.AdjustedStartTime,
			&endTime, &r.CreatedAt, &r.TriggerType, &clipPath)
		if err != nil {
			return nil, err
		}
		if endTime.Valid {
			r.EndTime = endTime.Time
			r.Ended = true
		}
		if clipPath.Valid {
			r.ClipPath = clipPath.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
