package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"X402-Relay/internal/storage/mysql"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述结算事件队列的连接参数。
type RabbitMQConfig struct {
	URL      string
	Queue    string
	Exchange string
	Durable  bool
}

// RabbitMQNotifier 把结算事件以 JSON 形式投递到 RabbitMQ。
type RabbitMQNotifier struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	exchange string
}

// NewRabbitMQNotifier 创建 RabbitMQ 通知器并声明队列。
func NewRabbitMQNotifier(cfg RabbitMQConfig) (*RabbitMQNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "relay402.settlements"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, "topic", cfg.Durable, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("声明 RabbitMQ exchange 失败: %w", err)
		}
		if err := ch.QueueBind(queue, "settlement.*", cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("绑定 RabbitMQ 队列失败: %w", err)
		}
	}
	return &RabbitMQNotifier{conn: conn, ch: ch, queue: queue, exchange: cfg.Exchange}, nil
}

// PublishSettlement 投递一条结算事件。routing key 按结算状态区分，
// 订阅方可以只关注 settlement.partial 等需要人工介入的事件。
func (n *RabbitMQNotifier) PublishSettlement(ctx context.Context, record mysql.SettlementRecord) error {
	if n == nil || n.ch == nil {
		return errors.New("RabbitMQ 通知器未初始化")
	}
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化结算事件失败: %w", err)
	}
	routingKey := n.queue
	if n.exchange != "" {
		routingKey = "settlement." + record.Status
	}
	return n.ch.PublishWithContext(ctx, n.exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   record.ID,
		Body:        body,
	})
}

// Close 关闭 RabbitMQ 连接。
func (n *RabbitMQNotifier) Close() error {
	if n == nil {
		return nil
	}
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
