package health

import (
	"context"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
)

// ConnectionState 报告 broker 一侧连接是否可用，kafka.Broker 通过适配满足该函数签名。
type ConnectionState func() (side string, connected bool)

// BrokerChecker 检查已初始化的生产端或消费端是否仍处于连接状态。
func BrokerChecker(states ...ConnectionState) Checker {
	return func(context.Context) error {
		for _, state := range states {
			if side, ok := state(); !ok {
				return fmt.Errorf("kafka %s not connected", side)
			}
		}
		return nil
	}
}

// KafkaChecker 返回 Kafka 依赖健康检查函数，直接拨号 broker 并读取集群信息。
func KafkaChecker(addr, clientID string) Checker {
	return func(ctx context.Context) error {
		if addr == "" {
			return fmt.Errorf("kafka broker address is empty")
		}

		dialer := &kafkago.Dialer{ClientID: clientID}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("kafka dial failed: %w", err)
		}
		defer conn.Close()

		if _, err := conn.Brokers(); err != nil {
			return fmt.Errorf("kafka brokers fetch failed: %w", err)
		}
		return nil
	}
}
