package kafka

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/wyfcoding/cmdbus/command"
	"github.com/wyfcoding/cmdbus/tracing"
	"github.com/wyfcoding/cmdbus/xerrors"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// InitProducer 建立生产端连接。已连接时直接返回缓存的元数据，不会再次连接。
func (b *Broker) InitProducer(ctx context.Context) (*Metadata, error) {
	return b.connect(ctx, &b.producer, func(*Metadata) error {
		b.offsets = newOffsetTracker()
		b.writer = b.newWriter(b.offsets.complete)
		return nil
	})
}

// Publish 同步写入一条消息，返回 broker 分配的 offset。
func (b *Broker) Publish(ctx context.Context, msg command.Message) (int64, error) {
	b.producer.mu.RLock()
	defer b.producer.mu.RUnlock()

	if b.producer.State() != Connected {
		return 0, xerrors.New(xerrors.ErrConnection, "kafka producer not connected", nil).
			WithContext("channel", msg.Channel)
	}

	ctx, span := tracing.StartPublish(ctx, msg.Channel, msg.Key)
	defer span.End()

	headers := tracing.InjectHeaders(ctx, maps.Clone(msg.Headers))
	km := kafkago.Message{
		Topic: msg.Channel,
		Key:   []byte(msg.Key),
		Value: msg.Value,
		Time:  time.Now(),
	}
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		km.Headers = append(km.Headers, kafkago.Header{Key: k, Value: []byte(headers[k])})
	}

	start := time.Now()
	slot := b.offsets.register(msg.Channel, msg.Key)
	err := b.writer.WriteMessages(ctx, km)
	b.metrics.duration.WithLabelValues(msg.Channel, "produce").Observe(time.Since(start).Seconds())
	if err != nil {
		b.offsets.release(slot)
		b.metrics.produced.WithLabelValues(msg.Channel, "failed").Inc()
		tracing.SetError(ctx, err)
		return 0, xerrors.Verbatim(err, xerrors.ErrSend).WithContext("channel", msg.Channel)
	}

	b.metrics.produced.WithLabelValues(msg.Channel, "success").Inc()
	offset := slot.load()
	tracing.Annotate(ctx, semconv.MessagingKafkaMessageOffsetKey.Int64(offset))
	return offset, nil
}

// offsetSlot 等待写入完成回调填充的 offset。
type offsetSlot struct {
	id     string
	mu     sync.Mutex
	offset int64
}

func (s *offsetSlot) load() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// offsetTracker 把 Writer 的 Completion 回调与等待中的 Publish 对应起来。
// 同步写入时 Completion 总在 WriteMessages 返回前执行，同 topic 同 key 的消息按写入顺序匹配。
type offsetTracker struct {
	mu      sync.Mutex
	pending map[string][]*offsetSlot
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{pending: make(map[string][]*offsetSlot)}
}

func slotID(topic string, key []byte) string {
	return topic + "\x00" + string(key)
}

func (t *offsetTracker) register(topic, key string) *offsetSlot {
	s := &offsetSlot{id: slotID(topic, []byte(key)), offset: -1}
	t.mu.Lock()
	t.pending[s.id] = append(t.pending[s.id], s)
	t.mu.Unlock()
	return s
}

func (t *offsetTracker) complete(msgs []kafkago.Message, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, m := range msgs {
		id := slotID(m.Topic, m.Key)
		queue := t.pending[id]
		if len(queue) == 0 {
			continue
		}
		s := queue[0]
		t.drop(id, 0)
		if err == nil {
			s.mu.Lock()
			s.offset = m.Offset
			s.mu.Unlock()
		}
	}
}

// release 移除写入失败后仍未被回调认领的 slot。
func (t *offsetTracker) release(s *offsetSlot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i := slices.Index(t.pending[s.id], s); i >= 0 {
		t.drop(s.id, i)
	}
}

func (t *offsetTracker) drop(id string, i int) {
	queue := slices.Delete(t.pending[id], i, i+1)
	if len(queue) == 0 {
		delete(t.pending, id)
		return
	}
	t.pending[id] = queue
}
