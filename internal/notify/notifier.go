package notify

import (
	"context"

	"X402-Relay/internal/storage/mysql"
)

// Notifier 在每次结算尝试落库后向下游广播结算事件，供计费、
// 风控等系统订阅。通知失败不影响结算结果本身。
type Notifier interface {
	PublishSettlement(ctx context.Context, record mysql.SettlementRecord) error
	Close() error
}

// NoopNotifier 在未配置消息队列时使用，丢弃所有事件。
type NoopNotifier struct{}

// NewNoopNotifier 创建空通知器。
func NewNoopNotifier() *NoopNotifier {
	return &NoopNotifier{}
}

// PublishSettlement 直接丢弃事件。
func (n *NoopNotifier) PublishSettlement(context.Context, mysql.SettlementRecord) error {
	return nil
}

// Close 无资源可释放。
func (n *NoopNotifier) Close() error {
	return nil
}
