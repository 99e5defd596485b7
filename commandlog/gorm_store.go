package commandlog

import (
	"context"
	"fmt"
	"strings"

	"github.com/wyfcoding/cmdbus/database"
	"github.com/wyfcoding/cmdbus/logging"
	"gorm.io/gorm"
)

// GormStore 基于关系库的命令日志，支持 postgres 与 mysql。
type GormStore struct {
	db     *database.DB
	logger *logging.Logger
}

var _ Store[*gorm.DB] = (*GormStore)(nil)

// NewGormStore 创建 GormStore。
func NewGormStore(db *database.DB, logger *logging.Logger) *GormStore {
	return &GormStore{db: db, logger: logger}
}

func (s *GormStore) ddl(t Table) []string {
	driver := s.db.Driver()
	switch driver {
	case database.DriverMySQL:
		return []string{
			fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(driver, t.Schema)),
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s CHAR(36) NOT NULL, %s DATETIME(3) NOT NULL, PRIMARY KEY (%s))",
				t.qualified(driver), quoteIdent(driver, "key"), quoteIdent(driver, "timestamp"), quoteIdent(driver, "key")),
		}
	default:
		return []string{
			fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(driver, t.Schema)),
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s uuid NOT NULL, %s timestamp NOT NULL, PRIMARY KEY (%s))",
				t.qualified(driver), quoteIdent(driver, "key"), quoteIdent(driver, "timestamp"), quoteIdent(driver, "key")),
		}
	}
}

// EnsureTable 创建 schema 与表。
func (s *GormStore) EnsureTable(ctx context.Context, t Table) error {
	for _, stmt := range s.ddl(t) {
		if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return err
		}
	}
	s.logger.DebugContext(ctx, "command log table ensured", "table", t.String())
	return nil
}

// WithinTx 每次调用从连接池取得独立连接开启事务。
func (s *GormStore) WithinTx(ctx context.Context, _ Table, _ []string, fn func(ctx context.Context, tx *gorm.DB) error) error {
	return s.db.Transaction(ctx, func(tx *gorm.DB) error {
		return fn(ctx, tx)
	})
}

// AppliedKeys 只查询本批次的键。
func (s *GormStore) AppliedKeys(ctx context.Context, tx *gorm.DB, t Table, keys []string) (map[string]struct{}, error) {
	applied := make(map[string]struct{}, len(keys))
	if len(keys) == 0 {
		return applied, nil
	}

	driver := s.db.Driver()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN ?",
		quoteIdent(driver, "key"), t.qualified(driver), quoteIdent(driver, "key"))

	var found []string
	if err := tx.WithContext(ctx).Raw(query, keys).Scan(&found).Error; err != nil {
		return nil, err
	}
	for _, k := range found {
		applied[k] = struct{}{}
	}
	return applied, nil
}

// Append 普通 INSERT，重复键由主键约束报错。
func (s *GormStore) Append(ctx context.Context, tx *gorm.DB, t Table, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	driver := s.db.Driver()
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s, %s) VALUES ",
		t.qualified(driver), quoteIdent(driver, "key"), quoteIdent(driver, "timestamp"))

	args := make([]any, 0, len(entries)*2)
	for i, e := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?)")
		args = append(args, e.Key, e.Timestamp)
	}

	return tx.WithContext(ctx).Exec(sb.String(), args...).Error
}
