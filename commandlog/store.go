package commandlog

import "context"

// Store 命令日志存储。
//
// Tx 是后端的事务句柄：GormStore 为 *gorm.DB，RedisStore 为 *RedisTx。
// 业务处理器拿到的就是同一个 Tx，因此业务写入与命令日志写入要么一起提交，要么一起回滚。
type Store[Tx any] interface {
	// EnsureTable 创建命令日志表(若不存在)，可重复调用。
	EnsureTable(ctx context.Context, t Table) error
	// WithinTx 开启事务执行 fn：fn 返回 nil 时提交，否则回滚并返回 fn 的错误。
	// keys 是本次事务会检查和写入的幂等键，需要乐观锁的后端据此加锁。
	WithinTx(ctx context.Context, t Table, keys []string, fn func(ctx context.Context, tx Tx) error) error
	// AppliedKeys 返回 keys 中已经存在于命令日志的子集。
	AppliedKeys(ctx context.Context, tx Tx, t Table, keys []string) (map[string]struct{}, error)
	// Append 写入 entries；任一键已存在时必须返回错误，使整个事务回滚。
	Append(ctx context.Context, tx Tx, t Table, entries []Entry) error
}
