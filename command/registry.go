package command

import (
	"errors"
	"slices"
	"sync"

	"github.com/wyfcoding/cmdbus/xerrors"
)

var (
	// ErrDuplicateTopic 同一 topic 版本重复注册。
	ErrDuplicateTopic = errors.New("topic already registered")
	// ErrRegistrySealed 订阅集合已经交给消费端，不再接受注册。
	ErrRegistrySealed = errors.New("registry sealed")
)

// Subscription 一个 topic 版本及其处理器。
type Subscription struct {
	Topic   Topic
	Channel string
	Handler Handler
}

// Registry 收集消费端的订阅。
// 所有注册必须在 Seal 之前完成，Seal 的结果是 InitConsumer 唯一接受的参数。
type Registry struct {
	prefix string

	mu      sync.Mutex
	entries map[string]Subscription
	order   []string
	sealed  *Subscriptions
}

// NewRegistry 以环境前缀创建 Registry。
func NewRegistry(prefix string) *Registry {
	return &Registry{prefix: prefix, entries: make(map[string]Subscription)}
}

// Prefix 返回环境前缀。
func (r *Registry) Prefix() string {
	return r.prefix
}

// Add 注册 topic 的处理器。
func (r *Registry) Add(topic Topic, h Handler) error {
	if err := topic.Validate(); err != nil {
		return err
	}
	if h == nil {
		return xerrors.InvalidArg("handler must not be nil").WithContext("topic", topic.String())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed != nil {
		return xerrors.Wrap(ErrRegistrySealed, xerrors.ErrInvalidArg, "register after consumer init").
			WithContext("topic", topic.String())
	}

	channel := Channel(r.prefix, topic)
	if _, ok := r.entries[channel]; ok {
		return xerrors.Wrap(ErrDuplicateTopic, xerrors.ErrInvalidArg, "duplicate executor registration").
			WithContext("channel", channel)
	}

	r.entries[channel] = Subscription{Topic: topic, Channel: channel, Handler: h}
	r.order = append(r.order, channel)
	return nil
}

// Sealed 报告是否已经 Seal。
func (r *Registry) Sealed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sealed != nil
}

// Seal 冻结注册表并返回不可变的订阅集合，重复调用返回同一结果。
func (r *Registry) Seal() Subscriptions {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed == nil {
		subs := Subscriptions{
			byChannel: make(map[string]Subscription, len(r.entries)),
			channels:  slices.Clone(r.order),
		}
		for k, v := range r.entries {
			subs.byChannel[k] = v
		}
		r.sealed = &subs
	}
	return *r.sealed
}

// Subscriptions 冻结后的 channel → 处理器映射。
type Subscriptions struct {
	byChannel map[string]Subscription
	channels  []string
}

// Channels 按注册顺序返回所有 channel。
func (s Subscriptions) Channels() []string {
	return slices.Clone(s.channels)
}

// Lookup 精确匹配 channel。
func (s Subscriptions) Lookup(channel string) (Subscription, bool) {
	sub, ok := s.byChannel[channel]
	return sub, ok
}

// Len 返回订阅数量。
func (s Subscriptions) Len() int {
	return len(s.channels)
}
