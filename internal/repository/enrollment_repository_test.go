package repository

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/campusops/allocation-api/internal/models"
)

func TestCreateEnrolledClaimsSeatAndInsertsAtomically(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE groups SET capacity_current = capacity_current + 1")).
		WithArgs("grp-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO enrollments")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	enrollment := &models.Enrollment{StudentID: "stu-1", GroupID: "grp-1"}
	require.NoError(t, repo.CreateEnrolled(context.Background(), enrollment))
	require.NotEmpty(t, enrollment.ID)
	require.Equal(t, models.EnrollmentStateEnrolled, enrollment.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateEnrolledRollsBackWhenFull(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE groups SET capacity_current = capacity_current + 1")).
		WithArgs("grp-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.CreateEnrolled(context.Background(), &models.Enrollment{StudentID: "stu-1", GroupID: "grp-1"})
	require.ErrorIs(t, err, ErrCapacityFull)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionAppliesStateAndLedgerTogether(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET state = $2")).
		WithArgs("enr-1", models.EnrollmentStateWithdrawn, nil, sqlmock.AnyArg(), models.EnrollmentStateEnrolled).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("capacity_current = capacity_current - 1")).
		WithArgs("grp-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Transition(context.Background(), "enr-1",
		models.EnrollmentStateEnrolled, models.EnrollmentStateWithdrawn, nil, -1, "grp-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionDetectsConcurrentChange(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	// The conditional UPDATE hits zero rows when another transition won.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("AND state = $5")).
		WithArgs("enr-1", models.EnrollmentStateWithdrawn, nil, sqlmock.AnyArg(), models.EnrollmentStateEnrolled).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Transition(context.Background(), "enr-1",
		models.EnrollmentStateEnrolled, models.EnrollmentStateWithdrawn, nil, -1, "grp-1")
	require.ErrorIs(t, err, ErrStaleState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionMapsUniqueViolationOnReEnroll(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	// Flipping CANCELLED back to ENROLLED can race a fresh insert for the
	// same student and group; the index rejection surfaces as a duplicate.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET state = $2")).
		WithArgs("enr-1", models.EnrollmentStateEnrolled, nil, sqlmock.AnyArg(), models.EnrollmentStateCancelled).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := repo.Transition(context.Background(), "enr-1",
		models.EnrollmentStateCancelled, models.EnrollmentStateEnrolled, nil, 1, "grp-1")
	require.ErrorIs(t, err, ErrDuplicateEnrollment)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionWithoutLedgerEffect(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	grade := 4.5
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("final_grade = COALESCE($3, final_grade)")).
		WithArgs("enr-1", models.EnrollmentStateApproved, grade, sqlmock.AnyArg(), models.EnrollmentStateEnrolled).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Transition(context.Background(), "enr-1",
		models.EnrollmentStateEnrolled, models.EnrollmentStateApproved, &grade, 0, "grp-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
