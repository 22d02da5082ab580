package data

import (
	"context"
	"encoding/json"
	"time"
)

// PostProcessorResult is one stored result from a post-processing domain
// (face recognition and similar). Data is domain-defined JSON.
type PostProcessorResult struct {
	ID               int64
	CameraIdentifier string
	Domain           string
	SnapshotPath     string
	Data             json.RawMessage
	CreatedAt        time.Time
}

type PostProcessorResultModel struct {
	DB DBTX
}

func (m PostProcessorResultModel) Insert(ctx context.Context, camera, domain, snapshotPath string, payload any) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	query := `
		INSERT INTO post_processor_results (camera_identifier, domain, snapshot_path, data)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	var id int64
	err = m.DB.QueryRowContext(ctx, query, camera, domain, snapshotPath, raw).Scan(&id)
	return id, err
}
