package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_WriteFailureIsCountedNotFatal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	diskErr := errors.New("disk I/O error")
	for i := 0; i < 3; i++ {
		mock.ExpectExec(`INSERT INTO events`).WillReturnError(diskErr)
	}
	mock.ExpectExec(`INSERT INTO events`).
		WithArgs(sqlmock.AnyArg(), "job", int(SeverityInfo), KindRunStart, int64(2), "second", nil).
		WillReturnResult(sqlmock.NewResult(5, 1))

	s := New(db, Options{})
	require.NoError(t, s.Append(Event{Source: SourceJob, Kind: KindRunStart, RunID: 1, Message: "first"}))
	require.NoError(t, s.Append(Event{Source: SourceJob, Kind: KindRunStart, RunID: 2, Message: "second"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Close())

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Appended)
	assert.Equal(t, int64(5), stats.LastID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_QueryErrorIsYielded(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT id, ts, source, severity, kind, run_id, message, fields FROM events`).
		WillReturnError(errors.New("database is locked"))

	s := New(db, Options{})
	defer s.Close()

	var yielded int
	for _, err := range s.Query(context.Background(), Filter{}) {
		yielded++
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database is locked")
	}
	assert.Equal(t, 1, yielded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_QueryDecodesRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ts := time.Date(2026, 2, 2, 2, 2, 2, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "ts", "source", "severity", "kind", "run_id", "message", "fields"}).
		AddRow(int64(1), ts.UnixNano(), "hook", int64(SeverityErr), KindRunEnd, int64(4), "hook failed", `{"exit_code":1}`).
		AddRow(int64(2), ts.UnixNano(), "job", int64(SeverityInfo), KindRunStart, int64(0), "bad fields", `{not json`)
	mock.ExpectQuery(`SELECT .* FROM events WHERE id > \? AND run_id = \? ORDER BY id ASC LIMIT \?`).
		WithArgs(int64(0), int64(4), pageSize).
		WillReturnRows(rows)

	s := New(db, Options{})
	defer s.Close()

	events, err := Collect(s.Query(context.Background(), Filter{RunID: 4}))
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, SourceHook, events[0].Source)
	assert.Equal(t, SeverityErr, events[0].Severity)
	assert.Equal(t, uint64(4), events[0].RunID)
	assert.True(t, ts.Equal(events[0].Time))
	assert.Equal(t, float64(1), events[0].Fields["exit_code"])
	assert.Equal(t, "{not json", events[1].Fields["raw"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
