package replay

import (
	"context"
	"strings"
	"sync"
)

// Store 记录已经兑换过资源的付款交易哈希，保证同一笔付款最多兑换一次。
// MarkConsumed 必须是原子的检查并占用：返回 true 表示本次调用抢到了
// 这笔交易，false 表示它已被先前的请求消费。
type Store interface {
	MarkConsumed(ctx context.Context, txHash string) (bool, error)
	// Release 在结算未发生时归还占用，让客户端可以带着同一笔付款重试。
	Release(ctx context.Context, txHash string) error
	Close() error
}

// MemoryStore 以内存方式保存已消费交易集合，供单实例部署与测试使用。
type MemoryStore struct {
	mu       sync.Mutex
	consumed map[string]struct{}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{consumed: make(map[string]struct{})}
}

// MarkConsumed 实现 Store 接口。
func (m *MemoryStore) MarkConsumed(_ context.Context, txHash string) (bool, error) {
	key := normalize(txHash)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.consumed[key]; ok {
		return false, nil
	}
	m.consumed[key] = struct{}{}
	return true, nil
}

// Release 实现 Store 接口。
func (m *MemoryStore) Release(_ context.Context, txHash string) error {
	key := normalize(txHash)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.consumed, key)
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// normalize 统一大小写，交易哈希的十六进制表示不区分大小写。
func normalize(txHash string) string {
	return strings.ToLower(strings.TrimSpace(txHash))
}

// TxSlot 构造 simple-transfer 付款交易的槽位键。带方案前缀，
// 与授权 nonce 的槽位互不干扰。
func TxSlot(txHash string) string {
	return "tx:" + normalize(txHash)
}

// AuthSlot 构造 dual-authorization 主腿授权 nonce 的槽位键。
func AuthSlot(nonceHash string) string {
	return "auth:" + normalize(nonceHash)
}

var _ Store = (*MemoryStore)(nil)
