package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/cmdbus/breaker"
	"github.com/wyfcoding/cmdbus/config"
	"github.com/wyfcoding/cmdbus/logging"
	"github.com/wyfcoding/cmdbus/xerrors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockDB(t *testing.T, cb *breaker.Breaker) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: logger.Discard, DisableAutomaticPing: true})
	require.NoError(t, err)
	return Wrap(gdb, DriverPostgres, cb, logging.Discard()), mock
}

func TestTransactionCommitAndRollback(t *testing.T) {
	db, mock := newMockDB(t, nil)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectCommit()
	require.NoError(t, db.Transaction(ctx, func(*gorm.DB) error { return nil }))

	errBusiness := xerrors.New(xerrors.ErrHandler, "invalid amount", nil)
	mock.ExpectBegin()
	mock.ExpectRollback()
	err := db.Transaction(ctx, func(*gorm.DB) error { return errBusiness })
	require.ErrorIs(t, err, errBusiness)

	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, DriverPostgres, db.Driver())
}

func TestHandlerErrorsDoNotTripBreaker(t *testing.T) {
	cb := breaker.NewBreaker(breaker.Settings{
		Name:         "database-test",
		Config:       config.CircuitBreakerConfig{Enabled: true, Timeout: time.Minute, MaxRequests: 1},
		MinRequests:  2,
		IsSuccessful: isInfraSuccess,
		Logger:       logging.Discard(),
	}, nil)
	db, mock := newMockDB(t, cb)

	for range 3 {
		mock.ExpectBegin()
		mock.ExpectRollback()
		err := db.Transaction(context.Background(), func(*gorm.DB) error {
			return xerrors.New(xerrors.ErrHandler, "handler failed", nil)
		})
		require.True(t, xerrors.IsType(err, xerrors.ErrHandler))
	}

	for range 3 {
		mock.ExpectBegin().WillReturnError(errors.New("connection refused"))
		require.Error(t, db.Transaction(context.Background(), func(*gorm.DB) error { return nil }))
	}

	err := db.Transaction(context.Background(), func(*gorm.DB) error { return nil })
	require.ErrorIs(t, err, breaker.ErrServiceUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	db, mock := newMockDB(t, nil)
	mock.ExpectPing()
	require.NoError(t, db.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	require.Error(t, db.Ping(context.Background()))
}
