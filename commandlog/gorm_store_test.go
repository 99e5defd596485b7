package commandlog

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/cmdbus/database"
	"github.com/wyfcoding/cmdbus/logging"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newGormStore(t *testing.T) (*GormStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Discard,
	})
	require.NoError(t, err)

	db := database.Wrap(gdb, database.DriverPostgres, nil, logging.Discard())
	return NewGormStore(db, logging.Discard()), mock
}

func TestGormStoreEnsureTable(t *testing.T) {
	s, mock := newGormStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`CREATE SCHEMA IF NOT EXISTS "command_logs"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "command_logs"."user.1" ("key" uuid NOT NULL, "timestamp" timestamp NOT NULL, PRIMARY KEY ("key"))`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureTable(context.Background(), TableFor("user", 1)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreApplyInsideTransaction(t *testing.T) {
	s, mock := newGormStore(t)
	tbl := TableFor("user", 1)
	ts := time.UnixMilli(1_700_000_000_000).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "key" FROM "command_logs"."user.1" WHERE "key" IN`)).
		WithArgs("k1", "k2").
		WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow("k1"))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "command_logs"."user.1" ("key", "timestamp") VALUES`)).
		WithArgs("k2", ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithinTx(context.Background(), tbl, []string{"k1", "k2"}, func(ctx context.Context, tx *gorm.DB) error {
		applied, err := s.AppliedKeys(ctx, tx, tbl, []string{"k1", "k2"})
		if err != nil {
			return err
		}
		assert.Equal(t, map[string]struct{}{"k1": {}}, applied)
		return s.Append(ctx, tx, tbl, []Entry{{Key: "k2", Timestamp: ts}})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreRollsBackOnDuplicate(t *testing.T) {
	s, mock := newGormStore(t)
	tbl := TableFor("user", 1)
	errUnique := errors.New(`duplicate key value violates unique constraint "user.1_pkey"`)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "command_logs"."user.1"`)).
		WillReturnError(errUnique)
	mock.ExpectRollback()

	err := s.WithinTx(context.Background(), tbl, []string{"k1"}, func(ctx context.Context, tx *gorm.DB) error {
		return s.Append(ctx, tx, tbl, []Entry{{Key: "k1", Timestamp: time.Now()}})
	})
	require.ErrorIs(t, err, errUnique)
	require.NoError(t, mock.ExpectationsWereMet())
}
