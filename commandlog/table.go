// Package commandlog 持久化"已应用"的命令幂等键，是判断命令是否已执行的唯一依据。
//
// 每个 topic 版本对应一张表 command_logs."{name}.{version}"，主键为幂等键，
// 与业务写入处于同一事务中。
package commandlog

import (
	"strconv"
	"strings"
	"time"
)

// Schema 命令日志表所在的 schema。
const Schema = "command_logs"

// Table 命令日志表的限定名。
type Table struct {
	Schema string
	Name   string
}

// TableFor 返回 topic 版本对应的命令日志表，同一 (name, version) 总是得到同一张表。
func TableFor(name string, version int) Table {
	return Table{Schema: Schema, Name: name + "." + strconv.Itoa(version)}
}

func (t Table) String() string {
	return t.Schema + "." + t.Name
}

// Entry 一条已应用命令的记录。
type Entry struct {
	Key       string
	Timestamp time.Time
}

// EntryFromMillis 以记录自带的毫秒时间戳构造 Entry。
func EntryFromMillis(key string, ms int64) Entry {
	return Entry{Key: key, Timestamp: time.UnixMilli(ms).UTC()}
}

// Keys 提取 entries 中的键。
func Keys(entries []Entry) []string {
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

// quoteIdent 按方言引用标识符，表名中的 "." 不被拆分。
func quoteIdent(driver, ident string) string {
	if driver == "mysql" {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// qualified 返回 schema 与表名都已引用的完整名称。
func (t Table) qualified(driver string) string {
	return quoteIdent(driver, t.Schema) + "." + quoteIdent(driver, t.Name)
}
