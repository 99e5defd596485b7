package command

import "context"

// 副本标记头。
const (
	HeaderType  = "type"
	TypeReplica = "REPLICA"
)

// Record 从 broker 收到的一条命令，只在分发期间有效。
type Record struct {
	Key       []byte
	Value     []byte
	Timestamp int64 // 毫秒
	Topic     string
	Partition int
	Offset    int64
	Headers   map[string]string
}

// IsReplica 报告该记录是否为发往旧版本的副本。
func (r Record) IsReplica() bool {
	return r.Headers[HeaderType] == TypeReplica
}

// Handler 处理一个记录批次，返回 nil 表示可以提交 offset。
type Handler func(ctx context.Context, records []Record) error
