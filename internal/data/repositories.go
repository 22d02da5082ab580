package data

import (
	"context"
	"database/sql"
	"errors"
)

var (
	ErrRecordNotFound = errors.New("record not found")
)

// DBTX is a common interface for *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Models bundles every repository over one database handle. Built once in
// main and carried on the orchestrator.
type Models struct {
	Recordings          RecordingModel
	Files               FileModel
	FilesMeta           FileMetaModel
	Objects             ObjectModel
	Motion              MotionModel
	PostProcessorResult PostProcessorResultModel
}

func NewModels(db DBTX) Models {
	return Models{
		Recordings:          RecordingModel{DB: db},
		Files:               FileModel{DB: db},
		FilesMeta:           FileMetaModel{DB: db},
		Objects:             ObjectModel{DB: db},
		Motion:              MotionModel{DB: db},
		PostProcessorResult: PostProcessorResultModel{DB: db},
	}
}
