package command

import (
	"context"
	"sync"
)

// CommandSender 业务代码依赖的发送接口，Sender 与 FakeSender 都实现了它。
type CommandSender interface {
	Send(ctx context.Context, payload any, replicaVersions ...int) (int64, error)
}

var (
	_ CommandSender = (*Sender)(nil)
	_ CommandSender = (*FakeSender)(nil)
)

// DefaultFakeOffset FakeSender 默认返回的 offset。
const DefaultFakeOffset int64 = 100

// SentCommand FakeSender 记录的一次调用。
type SentCommand struct {
	Payload         any
	ReplicaVersions []int
}

// FakeSender 不连接 broker 的发送器，返回固定 offset 并记录调用，供服务测试使用。
type FakeSender struct {
	Offset int64
	Err    error

	mu    sync.Mutex
	calls []SentCommand
}

// NewFakeSender 创建返回 DefaultFakeOffset 的 FakeSender。
func NewFakeSender() *FakeSender {
	return &FakeSender{Offset: DefaultFakeOffset}
}

func (f *FakeSender) Send(_ context.Context, payload any, replicaVersions ...int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, SentCommand{Payload: payload, ReplicaVersions: append([]int(nil), replicaVersions...)})
	if f.Err != nil {
		return 0, f.Err
	}
	return f.Offset, nil
}

// Calls 返回所有调用的副本。
func (f *FakeSender) Calls() []SentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentCommand(nil), f.calls...)
}
