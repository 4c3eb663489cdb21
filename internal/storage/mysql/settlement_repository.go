package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/go-sql-driver/mysql"
)

// SettlementRecord 表示一次结算尝试的落库结构。无论成败都会记录，
// 作为事后对账与计费的依据。
type SettlementRecord struct {
	ID           string `json:"id"`
	Scheme       string `json:"scheme"`
	Network      string `json:"network"`
	Payer        string `json:"payer"`
	Recipient    string `json:"recipient"`
	AmountAtomic string `json:"amount_atomic"`
	FeeAtomic    string `json:"fee_atomic"`
	PaidTxHash   string `json:"paid_tx_hash"`
	RelayTxHash  string `json:"relay_tx_hash"`
	FeeTxHash    string `json:"fee_tx_hash"`
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code"`
	CreatedAt    int64  `json:"created_at"`
}

// SettlementRepository 抽象结算记录的持久化接口。
type SettlementRepository interface {
	Save(ctx context.Context, record SettlementRecord) error
	ListLatest(ctx context.Context, limit int) ([]SettlementRecord, error)
}

// ErrUnsupportedDriver 在配置了未知存储驱动时返回。
var ErrUnsupportedDriver = errors.New("暂不支持的存储驱动")

// MemorySettlementRepository 使用本地 JSON 行文件保存结算记录，
// 供单机部署与开发迭代使用。
type MemorySettlementRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []SettlementRecord
}

// NewMemorySettlementRepository 创建一个内存结算仓库。
func NewMemorySettlementRepository(dataDir string) (*MemorySettlementRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "settlements.log")
	repo := &MemorySettlementRepository{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录结算结果。
func (m *MemorySettlementRepository) Save(_ context.Context, record SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开结算日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化结算记录失败: %w", err)
	}

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入结算日志失败: %w", err)
	}

	m.records = append([]SettlementRecord{record}, m.records...)
	if len(m.records) > 512 {
		m.records = m.records[:512]
	}
	return nil
}

// ListLatest 返回最近的结算记录，按时间倒序排列。
func (m *MemorySettlementRepository) ListLatest(_ context.Context, limit int) ([]SettlementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}

	results := make([]SettlementRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

func (m *MemorySettlementRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取结算日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []SettlementRecord
	for scanner.Scan() {
		var record SettlementRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]SettlementRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析结算日志失败: %w", err)
	}

	if len(restored) > 512 {
		restored = restored[:512]
	}
	if len(restored) > 0 {
		m.records = restored
	}
	return nil
}

// SQLSettlementRepository 使用真实的 MySQL 数据库存储结算记录。
type SQLSettlementRepository struct {
	db *sql.DB
}

// NewSQLSettlementRepository 创建连接池并初始化数据表。
func NewSQLSettlementRepository(ctx context.Context, dsn string) (*SQLSettlementRepository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
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

	repo := &SQLSettlementRepository{db: db}
	if err := repo.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func (s *SQLSettlementRepository) initSchema(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS settlements (
        id VARCHAR(36) NOT NULL PRIMARY KEY,
        scheme VARCHAR(32) NOT NULL,
        network VARCHAR(64) NOT NULL,
        payer VARCHAR(42) NOT NULL,
        recipient VARCHAR(42) NOT NULL,
        amount_atomic VARCHAR(78) NOT NULL,
        fee_atomic VARCHAR(78) NOT NULL,
        paid_tx_hash VARCHAR(66) DEFAULT '',
        relay_tx_hash VARCHAR(66) DEFAULT '',
        fee_tx_hash VARCHAR(66) DEFAULT '',
        status VARCHAR(16) NOT NULL,
        error_code VARCHAR(32) DEFAULT '',
        created_at BIGINT NOT NULL,
        INDEX idx_created_at (created_at),
        INDEX idx_payer (payer)
)`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("初始化 settlements 表失败: %w", err)
	}
	return nil
}

// Save 将结算记录写入 MySQL。
func (s *SQLSettlementRepository) Save(ctx context.Context, record SettlementRecord) error {
	const stmt = `INSERT INTO settlements
        (id, scheme, network, payer, recipient, amount_atomic, fee_atomic,
         paid_tx_hash, relay_tx_hash, fee_tx_hash, status, error_code, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.ID,
		record.Scheme,
		record.Network,
		record.Payer,
		record.Recipient,
		record.AmountAtomic,
		record.FeeAtomic,
		record.PaidTxHash,
		record.RelayTxHash,
		record.FeeTxHash,
		record.Status,
		record.ErrorCode,
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条结算记录。
func (s *SQLSettlementRepository) ListLatest(ctx context.Context, limit int) ([]SettlementRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, scheme, network, payer, recipient,
        amount_atomic, fee_atomic, paid_tx_hash, relay_tx_hash, fee_tx_hash, status, error_code, created_at
        FROM settlements ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询结算记录失败: %w", err)
	}
	defer rows.Close()

	var records []SettlementRecord
	for rows.Next() {
		var record SettlementRecord
		if err := rows.Scan(&record.ID, &record.Scheme, &record.Network, &record.Payer, &record.Recipient,
			&record.AmountAtomic, &record.FeeAtomic, &record.PaidTxHash, &record.RelayTxHash, &record.FeeTxHash,
			&record.Status, &record.ErrorCode, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析结算记录失败: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历结算记录失败: %w", err)
	}

	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLSettlementRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
