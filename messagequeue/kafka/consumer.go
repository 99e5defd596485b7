package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/wyfcoding/cmdbus/command"
	"github.com/wyfcoding/cmdbus/logging"
	"github.com/wyfcoding/cmdbus/tracing"
	"github.com/wyfcoding/cmdbus/xerrors"
)

const fetchBackoff = 500 * time.Millisecond

// InitConsumer 以订阅集合中的全部 channel 加入消费组并启动分发循环。
// 已连接时直接返回缓存的元数据。消费组 ID 为 kafka.group_id_prefix。
func (b *Broker) InitConsumer(ctx context.Context, subs command.Subscriptions) (*Metadata, error) {
	if subs.Len() == 0 {
		return nil, xerrors.InvalidArg("no executors registered")
	}

	return b.connect(ctx, &b.consumer, func(*Metadata) error {
		reader, err := b.newReader(b.cfg.GroupIDPrefix, subs.Channels())
		if err != nil {
			return err
		}

		b.dispatcher = &dispatcher{
			reader:  reader,
			subs:    subs,
			logger:  b.logger,
			metrics: b.metrics,
			held:    make(map[partitionKey]int64),
		}

		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		b.stopLoop = cancel
		b.loopDone = make(chan struct{})
		go b.dispatcher.run(loopCtx, b.loopDone)

		b.logger.InfoContext(ctx, "kafka consumer subscribed",
			"group_id", b.cfg.GroupIDPrefix, "channels", subs.Channels())
		return nil
	})
}

type partitionKey struct {
	topic     string
	partition int
}

// dispatcher 顺序拉取记录，每条记录以单元素批次交给对应处理器。
// 处理成功才提交 offset；某分区出现失败后暂停该分区的提交，失败记录在重新分配或重启后重投，
// 重投记录(offset 不大于首个失败 offset)处理成功时解除暂停。
type dispatcher struct {
	reader  messageReader
	subs    command.Subscriptions
	logger  *logging.Logger
	metrics *brokerMetrics

	held map[partitionKey]int64 // 分区 → 首个失败 offset
}

func (d *dispatcher) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for {
		m, err := d.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			d.logger.ErrorContext(ctx, "failed to fetch message", "error", err)

			timer := time.NewTimer(fetchBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		// 已取出的记录在停止时仍处理完毕。
		_ = d.dispatch(context.WithoutCancel(ctx), m)
	}
}

func (d *dispatcher) dispatch(ctx context.Context, m kafkago.Message) error {
	rec := toRecord(m)

	ctx, span := tracing.StartConsume(ctx, rec.Headers, m.Topic, m.Partition, m.Offset, m.Key)
	defer span.End()
	tracing.Annotate(ctx, tracing.CommandReplicaKey.Bool(rec.IsReplica()))

	start := time.Now()
	err := d.handle(ctx, rec)
	d.metrics.duration.WithLabelValues(m.Topic, "consume").Observe(time.Since(start).Seconds())
	if !m.Time.IsZero() {
		d.metrics.lag.WithLabelValues(m.Topic).Observe(time.Since(m.Time).Seconds())
	}

	pk := partitionKey{topic: m.Topic, partition: m.Partition}
	if err != nil {
		d.metrics.consumed.WithLabelValues(m.Topic, "failed").Inc()
		tracing.SetError(ctx, err)
		d.logger.ErrorContext(ctx, "command handler failed",
			"topic", m.Topic, "partition", m.Partition, "offset", m.Offset,
			"key", string(m.Key), "error", err)
		if first, ok := d.held[pk]; !ok || m.Offset < first {
			d.held[pk] = m.Offset
		}
		return err
	}

	if first, ok := d.held[pk]; ok && m.Offset <= first {
		// 失败记录已重投(重新分配后从已提交位置重读)并处理成功，恢复提交。
		delete(d.held, pk)
		d.logger.InfoContext(ctx, "partition released after redelivery",
			"topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "failed_offset", first)
	} else if ok {
		d.metrics.consumed.WithLabelValues(m.Topic, "held").Inc()
		d.logger.WarnContext(ctx, "offset not committed, partition has an earlier failure",
			"topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "failed_offset", first)
		return nil
	}

	if err := d.reader.CommitMessages(ctx, m); err != nil {
		d.metrics.consumed.WithLabelValues(m.Topic, "commit_failed").Inc()
		d.logger.ErrorContext(ctx, "failed to commit offset",
			"topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "error", err)
		return xerrors.Verbatim(err, xerrors.ErrConnection)
	}
	d.metrics.consumed.WithLabelValues(m.Topic, "success").Inc()
	return nil
}

// handle 查找 channel 对应的处理器并执行，处理器 panic 视为该记录失败。
func (d *dispatcher) handle(ctx context.Context, rec command.Record) (err error) {
	sub, ok := d.subs.Lookup(rec.Topic)
	if !ok {
		return xerrors.New(xerrors.ErrHandler, "no executor registered for channel", nil).
			WithContext("channel", rec.Topic)
	}

	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.ErrHandler, fmt.Sprintf("handler panic: %v", r), nil).
				WithContext("channel", rec.Topic)
		}
	}()
	return sub.Handler(ctx, []command.Record{rec})
}

func toRecord(m kafkago.Message) command.Record {
	rec := command.Record{
		Key:       m.Key,
		Value:     m.Value,
		Timestamp: m.Time.UnixMilli(),
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
	}
	if len(m.Headers) > 0 {
		rec.Headers = make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			rec.Headers[h.Key] = string(h.Value)
		}
	}
	return rec
}
