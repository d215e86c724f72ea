package repository

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestTryIncrementCapacityClaimsSeat(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewGroupRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE groups SET capacity_current = capacity_current + 1")).
		WithArgs("grp-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.TryIncrementCapacity(context.Background(), "grp-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTryIncrementCapacityFullGroup(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewGroupRepository(db)

	// The guard is part of the UPDATE itself; zero rows means no free seat.
	mock.ExpectExec(regexp.QuoteMeta("capacity_current < capacity_max")).
		WithArgs("grp-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.TryIncrementCapacity(context.Background(), "grp-1")
	require.ErrorIs(t, err, ErrCapacityFull)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecrementCapacityStopsAtZero(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewGroupRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("capacity_current = capacity_current - 1")).
		WithArgs("grp-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.DecrementCapacity(context.Background(), "grp-1"))

	mock.ExpectExec(regexp.QuoteMeta("capacity_current > 0")).
		WithArgs("grp-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.DecrementCapacity(context.Background(), "grp-1")
	require.ErrorIs(t, err, ErrCapacityFloor)

	require.NoError(t, mock.ExpectationsWereMet())
}
