package data

import (
	"context"
	"time"
)

// MotionEvent is one contiguous span of detected motion.
type MotionEvent struct {
	ID               int64
	CameraIdentifier string
	StartTime        time.Time
	EndTime          time.Time
	Ended            bool
	SnapshotPath     string
}

type MotionModel struct {
	DB DBTX
}

// Start opens a motion span and returns its id.
func (m MotionModel) Start(ctx context.Context, camera string, startTime time.Time, snapshotPath string) (int64, error) {
	query := `
		INSERT INTO motion (camera_identifier, start_time, snapshot_path)
		VALUES ($1, $2, $3)
		RETURNING id`

	var id int64
	err := m.DB.QueryRowContext(ctx, query, camera, startTime.UTC(), snapshotPath).Scan(&id)
	return id, err
}

// End closes a motion span.
func (m MotionModel) End(ctx context.Context, id int64, endTime time.Time) error {
	query := `
		UPDATE motion
		SET end_time = $1
		WHERE id = $2`

	res, err := m.DB.ExecContext(ctx, query, endTime.UTC(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRecordNotFound
	}
	return nil
}
