package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

func newPostgresWithMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := New(db, DriverPostgres)
	s.now = func() time.Time { return t0 }
	return s, mock
}

func TestPostgres_Upsert(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectExec(`(?s)INSERT INTO messages .*VALUES \(\$1, \$2, .*\$23\)\s+ON CONFLICT \(mailbox_address, id\) DO UPDATE`).
		WithArgs("box@example.com", "m1", sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), "Quarterly numbers", sqlmock.AnyArg(), sqlmock.AnyArg(), int64(2048),
			1, `["q3.xlsx"]`, false, t0.Unix()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Upsert(context.Background(), "box@example.com", sampleRecord("m1")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpsertError(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	mock.ExpectExec(`INSERT INTO messages`).WillReturnError(errors.New("conn reset"))

	err := s.Upsert(context.Background(), "box@example.com", sampleRecord("m1"))
	assert.ErrorContains(t, err, "conn reset")
	assert.ErrorContains(t, err, "upsert message m1")
}

func TestPostgres_State(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`SELECT value FROM sync_state WHERE name = \$1`).
		WithArgs("last_sync_tick").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("2024-05-01T12:00:00Z"))
	mock.ExpectQuery(`SELECT value FROM sync_state WHERE name = \$1`).
		WithArgs("first_run").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`(?s)INSERT INTO sync_state \(name, value, updated_at\)\s+VALUES \(\$1, \$2, \$3\)\s+ON CONFLICT \(name\)`).
		WithArgs("first_run", "false", t0.Unix()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	v, ok, err := s.Get(context.Background(), "last_sync_tick")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2024-05-01T12:00:00Z", v)

	_, ok, err = s.Get(context.Background(), "first_run")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(context.Background(), "first_run", "false"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RecordCycleRollsBack(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	report := mailsync.CycleReport{
		ID:       "cycle-1",
		Outcomes: []mailsync.Outcome{{Address: "a@example.com", Status: mailsync.StatusSuccess, ItemsProcessed: 2}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO mailbox_status`).
		WithArgs("a@example.com", "success", "", 2, 0, "cycle-1", t0.Unix()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO outbox`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.RecordCycle(context.Background(), report, []OutboxMessage{{Subject: "s", EventType: "e", Payload: []byte("{}"), MsgID: "m"}})
	assert.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RecordCycleCommits(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO outbox \(ts, subject, event_type, payload, msg_id, next_attempt_at\)\s+VALUES \(\$1, \$2, \$3, \$4, \$5, \$6\)`).
		WithArgs(t0.Unix(), "mailsync.cycle.completed", "cycle.completed", []byte("{}"), "cycle-1", t0.Unix()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.RecordCycle(context.Background(), mailsync.CycleReport{ID: "cycle-1"}, []OutboxMessage{
		{Subject: "mailsync.cycle.completed", EventType: "cycle.completed", Payload: []byte("{}"), MsgID: "cycle-1"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
