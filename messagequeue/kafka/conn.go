package kafka

import (
	"sync"
	"sync/atomic"

	kafkago "github.com/segmentio/kafka-go"
)

// State 单侧连接的状态。
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Metadata 建立连接时从 broker 读取的集群信息。
type Metadata struct {
	ClientID   string
	Brokers    []kafkago.Broker
	Controller kafkago.Broker
}

// conn 是生产端或消费端各自独立的状态机：
// Disconnected → Connecting → Connected，Connecting 失败回到 Disconnected，Finalize 时 Connected → Disconnected。
// mu 的写锁保护状态迁移，读锁保护连接期间的使用。
type conn struct {
	side  string
	mu    sync.RWMutex
	state atomic.Int32
	meta  *Metadata
}

func (c *conn) State() State {
	return State(c.state.Load())
}

func (c *conn) set(s State) {
	c.state.Store(int32(s))
}
