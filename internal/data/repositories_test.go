package data

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordingStartAndClose(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := RecordingModel{DB: db}
	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	adjusted := start.Add(-5 * time.Second)

	mock.ExpectQuery(`INSERT INTO recordings`).
		WithArgs("cam1", start, adjusted, "object").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := m.Start(context.Background(), "cam1", start, adjusted, "object")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	end := start.Add(30 * time.Second)
	mock.ExpectExec(`UPDATE recordings`).
		WithArgs(end, "/clips/cam1/x.mp4", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, m.Close(context.Background(), 7, end, "/clips/cam1/x.mp4"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingCloseUnknownID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE recordings`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	m := RecordingModel{DB: db}
	err = m.Close(context.Background(), 99, time.Now(), "/clip.mp4")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestFileListForTierScansRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "camera_identifier", "tier_id", "tier_path", "path",
		"category", "subcategory", "size", "orig_ctime", "created_at",
	}).
		AddRow(int64(2), "cam1", 0, "/tier0", "/tier0/segments/cam1/10.mp4",
			CategoryRecorder, SubcategorySegment, int64(1000), now, now).
		AddRow(int64(1), "cam1", 0, "/tier0", "/tier0/segments/cam1/5.mp4",
			CategoryRecorder, SubcategorySegment, int64(900), now.Add(-5*time.Second), now)

	mock.ExpectQuery(`SELECT .+ FROM files`).
		WithArgs("cam1", 0, CategoryRecorder, SubcategorySegment).
		WillReturnRows(rows)

	m := FileModel{DB: db}
	files, err := m.ListForTier(context.Background(), "cam1", 0, CategoryRecorder, SubcategorySegment)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "/tier0/segments/cam1/10.mp4", files[0].Path)
	assert.Equal(t, int64(900), files[1].Size)
}

func TestFileSetTierUnknownPath(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE files`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	m := FileModel{DB: db}
	err = m.SetTier(context.Background(), "/gone.mp4", 1, "/tier1", "/tier1/gone.mp4")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestMotionStartEnd(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := MotionModel{DB: db}
	start := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO motion`).
		WithArgs("cam1", start, "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))

	id, err := m.Start(context.Background(), "cam1", start, "")
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE motion`).
		WithArgs(sqlmock.AnyArg(), id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, m.End(context.Background(), id, start.Add(10*time.Second)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFileMetaGetMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT meta FROM files_meta`).
		WithArgs("/nope.mp4").
		WillReturnRows(sqlmock.NewRows([]string{"meta"}))

	m := FileMetaModel{DB: db}
	var out struct{ Duration float64 }
	err = m.Get(context.Background(), "/nope.mp4", &out)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}
