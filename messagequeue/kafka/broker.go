// Package kafka 管理命令总线与 Kafka 的连接：生产端发布命令，消费端把记录逐条分发给已注册的执行器。
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/wyfcoding/cmdbus/config"
	"github.com/wyfcoding/cmdbus/logging"
	"github.com/wyfcoding/cmdbus/metrics"
	"github.com/wyfcoding/cmdbus/xerrors"
)

const defaultConnectTimeout = 10 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type metadataConn interface {
	Brokers() ([]kafkago.Broker, error)
	Controller() (kafkago.Broker, error)
	Close() error
}

// Broker 持有生产端与消费端两个独立的连接。
type Broker struct {
	cfg     config.KafkaConfig
	logger  *logging.Logger
	metrics *brokerMetrics

	producer conn
	writer   messageWriter
	offsets  *offsetTracker

	consumer   conn
	dispatcher *dispatcher
	stopLoop   context.CancelFunc
	loopDone   chan struct{}

	dial      func(ctx context.Context, addr string) (metadataConn, error)
	newWriter func(completion func([]kafkago.Message, error)) messageWriter
	newReader func(groupID string, topics []string) (messageReader, error)
}

// NewBroker 创建 Broker，此时不建立任何连接。
func NewBroker(cfg config.KafkaConfig, logger *logging.Logger, m *metrics.Metrics) *Broker {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	b := &Broker{
		cfg:     cfg,
		logger:  logger.WithModule("kafka"),
		metrics: newBrokerMetrics(m),
	}
	b.producer.side = "producer"
	b.consumer.side = "consumer"
	b.dial = b.dialBroker
	b.newWriter = b.kafkaWriter
	b.newReader = b.kafkaReader
	return b
}

// ProducerState 返回生产端状态。
func (b *Broker) ProducerState() State {
	return b.producer.State()
}

// ConsumerState 返回消费端状态。
func (b *Broker) ConsumerState() State {
	return b.consumer.State()
}

func (b *Broker) dialBroker(ctx context.Context, addr string) (metadataConn, error) {
	dialer := &kafkago.Dialer{
		ClientID: b.cfg.ClientID,
		Timeout:  b.cfg.ConnectTimeout,
	}
	c, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.SetDeadline(deadline); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (b *Broker) compression() kafkago.Compression {
	switch b.cfg.Compression {
	case "gzip":
		return kafkago.Gzip
	case "snappy":
		return kafkago.Snappy
	case "lz4":
		return kafkago.Lz4
	case "zstd":
		return kafkago.Zstd
	default:
		return 0
	}
}

func (b *Broker) kafkaWriter(completion func([]kafkago.Message, error)) messageWriter {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(b.cfg.Addr()),
		Balancer:               &kafkago.Hash{},
		WriteTimeout:           b.cfg.WriteTimeout,
		ReadTimeout:            b.cfg.ReadTimeout,
		MaxAttempts:            b.cfg.MaxAttempts,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafkago.RequireAll,
		Compression:            b.compression(),
		AllowAutoTopicCreation: true,
		Completion:             completion,
		Transport: &kafkago.Transport{
			ClientID:    b.cfg.ClientID,
			DialTimeout: b.cfg.ConnectTimeout,
		},
		ErrorLogger: b.kafkaLogger(),
	}
}

func (b *Broker) kafkaReader(groupID string, topics []string) (messageReader, error) {
	maxBytes := b.cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10_000_000
	}
	rc := kafkago.ReaderConfig{
		Brokers:        []string{b.cfg.Addr()},
		GroupID:        groupID,
		GroupTopics:    topics,
		MinBytes:       b.cfg.MinBytes,
		MaxBytes:       maxBytes,
		MaxWait:        b.cfg.MaxWait,
		CommitInterval: 0,
		StartOffset:    kafkago.FirstOffset,
		Dialer: &kafkago.Dialer{
			ClientID: b.cfg.ClientID,
			Timeout:  b.cfg.ConnectTimeout,
		},
		ErrorLogger: b.kafkaLogger(),
	}
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	return kafkago.NewReader(rc), nil
}

func (b *Broker) kafkaLogger() kafkago.Logger {
	return kafkago.LoggerFunc(func(msg string, args ...any) {
		b.logger.Error(fmt.Sprintf(msg, args...))
	})
}

// fetchMetadata 在 ConnectTimeout 内连上 broker 并读取集群信息。
func (b *Broker) fetchMetadata(ctx context.Context) (*Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()

	c, err := b.dial(ctx, b.cfg.Addr())
	if err != nil {
		return nil, err
	}
	defer c.Close()

	brokers, err := c.Brokers()
	if err != nil {
		return nil, err
	}
	controller, err := c.Controller()
	if err != nil {
		return nil, err
	}
	return &Metadata{ClientID: b.cfg.ClientID, Brokers: brokers, Controller: controller}, nil
}

// connect 执行一侧的 Disconnected → Connecting → Connected 迁移。
// 已连接时直接返回缓存的元数据；open 失败时回到 Disconnected。
func (b *Broker) connect(ctx context.Context, c *conn, open func(meta *Metadata) error) (*Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == Connected {
		return c.meta, nil
	}

	b.setState(c, Connecting)
	start := time.Now()

	meta, err := b.fetchMetadata(ctx)
	if err == nil {
		err = open(meta)
	}
	if err != nil {
		b.setState(c, Disconnected)
		b.logger.ErrorContext(ctx, "kafka connection failed", "side", c.side, "addr", b.cfg.Addr(), "error", err)
		if _, ok := xerrors.FromError(err); ok {
			return nil, err
		}
		return nil, xerrors.Verbatim(err, xerrors.ErrConnection).WithContext("side", c.side)
	}

	c.meta = meta
	b.setState(c, Connected)
	b.logger.InfoContext(ctx, "kafka connected",
		"side", c.side,
		"addr", b.cfg.Addr(),
		"brokers", len(meta.Brokers),
		"controller", meta.Controller.ID,
		"elapsed", time.Since(start))
	return meta, nil
}

func (b *Broker) setState(c *conn, s State) {
	c.set(s)
	b.metrics.state.WithLabelValues(c.side).Set(float64(s))
}

// Finalize 先停止分发循环，再断开每个已连接的一侧。未连接的一侧不受影响，可重复调用。
func (b *Broker) Finalize(ctx context.Context) error {
	var errs []error

	b.consumer.mu.Lock()
	if b.consumer.State() == Connected {
		b.stopLoop()
		select {
		case <-b.loopDone:
		case <-ctx.Done():
			b.logger.WarnContext(ctx, "dispatch loop did not stop before deadline")
		}
		if err := b.dispatcher.reader.Close(); err != nil {
			errs = append(errs, err)
		}
		b.dispatcher = nil
		b.consumer.meta = nil
		b.setState(&b.consumer, Disconnected)
		b.logger.InfoContext(ctx, "kafka consumer disconnected")
	}
	b.consumer.mu.Unlock()

	b.producer.mu.Lock()
	if b.producer.State() == Connected {
		if err := b.writer.Close(); err != nil {
			errs = append(errs, err)
		}
		b.writer = nil
		b.producer.meta = nil
		b.setState(&b.producer, Disconnected)
		b.logger.InfoContext(ctx, "kafka producer disconnected")
	}
	b.producer.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		return xerrors.Verbatim(err, xerrors.ErrConnection)
	}
	return nil
}
