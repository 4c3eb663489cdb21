package replay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore 以唯一索引实现已消费交易集合，多实例部署时与结算记录
// 共用同一个数据库。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建 MySQL 防重放存储并初始化数据表。
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// slotColumnWidth 必须容得下带方案前缀的槽位键：最长是 "auth:" 前缀
// 加 0x 开头的 64 位十六进制哈希，共 71 个字符。
const slotColumnWidth = 80

func (s *MySQLStore) initSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS consumed_payments (
        tx_hash VARCHAR(%d) NOT NULL PRIMARY KEY,
        consumed_at BIGINT NOT NULL
)`, slotColumnWidth)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("初始化 consumed_payments 表失败: %w", err)
	}
	return nil
}

// MarkConsumed 实现 Store 接口。主键冲突即说明交易已被消费。
func (s *MySQLStore) MarkConsumed(ctx context.Context, txHash string) (bool, error) {
	const stmt = `INSERT INTO consumed_payments (tx_hash, consumed_at) VALUES (?, UNIX_TIMESTAMP())`
	if _, err := s.db.ExecContext(ctx, stmt, normalize(txHash)); err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return false, nil
		}
		return false, fmt.Errorf("写入已消费交易失败: %w", err)
	}
	return true, nil
}

// Release 实现 Store 接口。
func (s *MySQLStore) Release(ctx context.Context, txHash string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM consumed_payments WHERE tx_hash = ?`, normalize(txHash)); err != nil {
		return fmt.Errorf("归还已消费交易失败: %w", err)
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
