package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusops/allocation-api/internal/models"
)

func timeBlockRows(blocks ...models.TimeBlock) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "group_id", "day_of_week", "start_min", "end_min", "room", "created_at", "updated_at"})
	for _, b := range blocks {
		rows.AddRow(b.ID, b.GroupID, b.Day, int64(b.StartMin), int64(b.EndMin), b.Room, time.Now(), time.Now())
	}
	return rows
}

func TestFindRoomConflictsUsesHalfOpenOverlap(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTimeBlockRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("b.start_min < $5 AND $4 < b.end_min")).
		WithArgs("R-101", "2025-1", "MONDAY", models.ClockMinutes(480), models.ClockMinutes(600)).
		WillReturnRows(timeBlockRows(models.TimeBlock{
			ID: "blk-1", GroupID: "grp-2", Day: "MONDAY", StartMin: 540, EndMin: 660, Room: "R-101",
		}))

	conflicts, err := repo.FindRoomConflicts(context.Background(), "R-101", "2025-1", "MONDAY", 480, 600, "")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "blk-1", conflicts[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindInstructorConflictsExcludesOwnBlock(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTimeBlockRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`AND b.id <> $6`)).
		WithArgs("prof-1", "2025-1", "MONDAY", models.ClockMinutes(480), models.ClockMinutes(600), "blk-1").
		WillReturnRows(timeBlockRows())

	conflicts, err := repo.FindInstructorConflicts(context.Background(), "prof-1", "2025-1", "MONDAY", 480, 600, "blk-1")
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCheckedLocksBothScopesBeforeWriting(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTimeBlockRepository(db)

	lockStmt := regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")

	// Room lock first, then instructor lock, then the committed-set re-checks.
	mock.ExpectBegin()
	mock.ExpectExec(lockStmt).
		WithArgs("room:R-101:2025-1:MONDAY").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(lockStmt).
		WithArgs("instructor:prof-1:2025-1:MONDAY").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("b.room = $1")).
		WillReturnRows(timeBlockRows())
	mock.ExpectQuery(regexp.QuoteMeta("g.instructor_id = $1")).
		WillReturnRows(timeBlockRows())
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO time_blocks")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	instructor := "prof-1"
	block := &models.TimeBlock{GroupID: "grp-1", Day: "MONDAY", StartMin: 480, EndMin: 600, Room: "R-101"}
	require.NoError(t, repo.CreateChecked(context.Background(), block, "2025-1", &instructor))
	assert.NotEmpty(t, block.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCheckedRollsBackOnRoomConflict(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTimeBlockRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("room:R-101:2025-1:MONDAY").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("b.room = $1")).
		WillReturnRows(timeBlockRows(models.TimeBlock{
			ID: "blk-9", GroupID: "grp-2", Day: "MONDAY", StartMin: 540, EndMin: 660, Room: "R-101",
		}))
	mock.ExpectRollback()

	block := &models.TimeBlock{GroupID: "grp-1", Day: "MONDAY", StartMin: 480, EndMin: 600, Room: "R-101"}
	err := repo.CreateChecked(context.Background(), block, "2025-1", nil)

	var conflictErr *models.TimeBlockConflictError
	require.True(t, errors.As(err, &conflictErr))
	assert.Equal(t, models.ConflictScopeRoom, conflictErr.Scope)
	require.Len(t, conflictErr.Blocks, 1)
	assert.Equal(t, "blk-9", conflictErr.Blocks[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCheckedSkipsRoomScopeWhenUnassigned(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTimeBlockRepository(db)

	// No room and no instructor: nothing to lock, nothing to re-check.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE time_blocks SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	block := &models.TimeBlock{ID: "blk-1", GroupID: "grp-3", Day: "FRIDAY", StartMin: 600, EndMin: 720}
	require.NoError(t, repo.UpdateChecked(context.Background(), block, "2024-2", nil))
	require.NoError(t, mock.ExpectationsWereMet())
}
