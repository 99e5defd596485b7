package command

import (
	"context"
	"encoding/json"

	"github.com/sourcegraph/conc"
	"github.com/wyfcoding/cmdbus/idgen"
	"github.com/wyfcoding/cmdbus/logging"
	"github.com/wyfcoding/cmdbus/retry"
	"github.com/wyfcoding/cmdbus/xerrors"
)

// Message 一次发布请求。
type Message struct {
	Channel string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Publisher 把消息写入 broker 并返回分配的 offset。
type Publisher interface {
	Publish(ctx context.Context, msg Message) (int64, error)
}

// Sender 把命令发送到自身 topic 的 channel，可选地扇出到旧版本。
// 同一 Sender 可被多个 goroutine 并发使用。
type Sender struct {
	topic     Topic
	prefix    string
	publisher Publisher
	keys      idgen.Generator
	logger    *logging.Logger
}

// SenderOption 配置 Sender。
type SenderOption func(*Sender)

// WithKeyGenerator 替换幂等键生成器。
func WithKeyGenerator(g idgen.Generator) SenderOption {
	return func(s *Sender) {
		s.keys = g
	}
}

// NewSender 创建 Sender。
func NewSender(topic Topic, prefix string, publisher Publisher, logger *logging.Logger, opts ...SenderOption) (*Sender, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	if publisher == nil {
		return nil, xerrors.InvalidArg("publisher must not be nil")
	}

	s := &Sender{
		topic:     topic,
		prefix:    prefix,
		publisher: publisher,
		keys:      idgen.Default(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Topic 返回 Sender 的主 topic。
func (s *Sender) Topic() Topic {
	return s.topic
}

// Send 以新生成的幂等键发送 payload，返回主 channel 上的 offset。
//
// payload 为 []byte 时原样发送，string 按字节发送，其余类型序列化为 JSON。
// replicaVersions 中的每个版本收到同键同内容并带副本标记的消息。副本只在主发送成功后并发发出，
// 返回前等待全部完成；主发送失败时不发送任何副本，副本失败只记录日志，不影响返回值。
func (s *Sender) Send(ctx context.Context, payload any, replicaVersions ...int) (int64, error) {
	return s.SendWithKey(ctx, s.keys.NewKey(), payload, replicaVersions...)
}

// SendWithKey 与 Send 相同，但由调用方指定幂等键。重试同一条命令时必须复用同一个键。
// key 必须是 UUID，发送前规范化为小写标准形式。
func (s *Sender) SendWithKey(ctx context.Context, key string, payload any, replicaVersions ...int) (int64, error) {
	if key == "" {
		return 0, xerrors.InvalidArg("command key must not be empty")
	}
	key, err := idgen.ParseKey(key)
	if err != nil {
		return 0, xerrors.Wrap(err, xerrors.ErrInvalidArg, "command key must be a UUID")
	}
	value, err := Encode(payload)
	if err != nil {
		return 0, err
	}

	offset, err := s.publisher.Publish(ctx, Message{
		Channel: Channel(s.prefix, s.topic),
		Key:     key,
		Value:   value,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "command send failed", "topic", s.topic.String(), "key", key, "error", err)
		if _, ok := xerrors.FromError(err); ok {
			return 0, err
		}
		return 0, xerrors.Verbatim(err, xerrors.ErrSend)
	}

	if len(replicaVersions) > 0 {
		s.sendReplicas(ctx, key, value, replicaVersions)
	}
	return offset, nil
}

// SendWithRetry 生成一次幂等键，在每次重试中复用，只重试发送与连接错误。
func (s *Sender) SendWithRetry(ctx context.Context, payload any, cfg retry.Config, replicaVersions ...int) (int64, error) {
	key := s.keys.NewKey()
	var offset int64
	err := retry.RetryIf(ctx, func() error {
		var errSend error
		offset, errSend = s.SendWithKey(ctx, key, payload, replicaVersions...)
		return errSend
	}, func(err error) bool {
		return xerrors.IsType(err, xerrors.ErrSend) || xerrors.IsType(err, xerrors.ErrConnection)
	}, cfg)
	return offset, err
}

// sendReplicas 并发发布副本并等待全部完成，结果不影响主发送。
func (s *Sender) sendReplicas(ctx context.Context, key string, value []byte, versions []int) {
	var wg conc.WaitGroup
	for _, v := range versions {
		replica := s.topic.WithVersion(v)
		wg.Go(func() {
			_, err := s.publisher.Publish(ctx, Message{
				Channel: Channel(s.prefix, replica),
				Key:     key,
				Value:   value,
				Headers: map[string]string{HeaderType: TypeReplica},
			})
			if err != nil {
				s.logger.WarnContext(ctx, "replica send failed",
					"topic", replica.String(), "key", key, "error", err)
			}
		})
	}
	wg.Wait()
}

// Encode 把 payload 编码为消息体。
func Encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	case json.RawMessage:
		return p, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.ErrInvalidArg, "payload is not serialisable")
	}
	return data, nil
}
