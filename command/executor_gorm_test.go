package command

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/cmdbus/commandlog"
	"github.com/wyfcoding/cmdbus/database"
	"github.com/wyfcoding/cmdbus/logging"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestHandleCommandGormRedeliveryInOtherCase(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	store := commandlog.NewGormStore(database.Wrap(gdb, database.DriverPostgres, nil, logging.Discard()), logging.Discard())
	e := NewExecutor[*gorm.DB](store, logging.Discard(), nil)

	// postgres 的 uuid 列总是以小写标准形式返回
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "key" FROM "command_logs"."user.1" WHERE "key" IN`)).
		WithArgs(k1).
		WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow(k1))
	mock.ExpectCommit()

	var calls int
	err = e.HandleCommand(context.Background(), []Record{rec(strings.ToUpper(k1), 1)}, userV1,
		func(context.Context, []Record, *gorm.DB) error {
			calls++
			return nil
		})
	require.NoError(t, err)
	assert.Zero(t, calls)
	require.NoError(t, mock.ExpectationsWereMet())
}
