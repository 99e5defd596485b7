package commandlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTableForIsDeterministic(t *testing.T) {
	a := TableFor("user", 1)
	b := TableFor("user", 1)
	assert.Equal(t, a, b)
	assert.Equal(t, Table{Schema: "command_logs", Name: "user.1"}, a)
	assert.NotEqual(t, a, TableFor("user", 2))
	assert.Equal(t, "command_logs.user.-1", TableFor("user", -1).String())
}

func TestQualifiedQuotesPerDialect(t *testing.T) {
	tbl := TableFor("user", 3)
	assert.Equal(t, `"command_logs"."user.3"`, tbl.qualified("postgres"))
	assert.Equal(t, "`command_logs`.`user.3`", tbl.qualified("mysql"))
	assert.Equal(t, `"we""ird"`, quoteIdent("postgres", `we"ird`))
}

func TestEntryFromMillis(t *testing.T) {
	e := EntryFromMillis("k", 1_700_000_000_123)
	assert.Equal(t, "k", e.Key)
	assert.Equal(t, int64(1_700_000_000_123), e.Timestamp.UnixMilli())
	assert.Equal(t, time.UTC, e.Timestamp.Location())
	assert.Equal(t, []string{"k"}, Keys([]Entry{e}))
}
