package data

import (
	"context"
	"time"
)

// Object is one persisted detection. Coordinates are absolute pixels on the
// camera's natural resolution.
type Object struct {
	ID               int64
	CameraIdentifier string
	Label            string
	Confidence       float64
	X1, Y1, X2, Y2   int
	Width            int
	Height           int
	SnapshotPath     string
	Zone             string
	CreatedAt        time.Time
}

type ObjectModel struct {
	DB DBTX
}

func (m ObjectModel) Insert(ctx context.Context, o Object) (int64, error) {
	query := `
		INSERT INTO objects (camera_identifier, label, confidence, x1, y1, x2, y2, width, height, snapshot_path, zone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	var id int64
	err := m.DB.QueryRowContext(ctx, query,
		o.CameraIdentifier, o.Label, o.Confidence,
		o.X1, o.Y1, o.X2, o.Y2, o.Width, o.Height,
		o.SnapshotPath, o.Zone).Scan(&id)
	return id, err
}

// ListByCamera returns the newest stored objects for a camera.
func (m ObjectModel) ListByCamera(ctx context.Context, camera string, limit int) ([]Object, error) {
	query := `
		SELECT id, camera_identifier, label, confidence, x1, y1, x2, y2, width, height, snapshot_path, zone, created_at
		FROM objects
		WHERE camera_identifier = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := m.DB.QueryContext(ctx, query, camera, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Object
	for rows.Next() {
		var o Object
		err := rows.Scan(&o.ID, &o.CameraIdentifier, &o.Label, &o.Confidence,
			&o.X1, &o.Y1, &o.X2, &o.Y2, &o.Width, &o.Height,
			&o.SnapshotPath, &o.Zone, &o.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
