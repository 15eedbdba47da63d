package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"reconcile/pkg/models"
)

// PostgresBackend 基于Postgres的持久化后端
type PostgresBackend struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewPostgresBackend 创建Postgres后端并确保表结构存在
func NewPostgresBackend(dsn string, logger *logrus.Logger) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	backend := &PostgresBackend{
		db:     db,
		logger: logger,
	}

	if err := backend.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}

	logger.Info("Postgres后端已初始化")
	return backend, nil
}

// ensureSchema 创建缺失的表与索引
func (p *PostgresBackend) ensureSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id      TEXT PRIMARY KEY,
			address TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contracts (
			id           TEXT PRIMARY KEY,
			address      TEXT NOT NULL,
			total_supply NUMERIC NOT NULL,
			interfaces   TEXT[] NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id          TEXT PRIMARY KEY,
			contract_id TEXT NOT NULL,
			type        VARCHAR(7) NOT NULL,
			token_index NUMERIC,
			supply      NUMERIC NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS token_balances (
			id         TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			token_id   TEXT NOT NULL,
			value      NUMERIC NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transfers (
			id           TEXT PRIMARY KEY,
			block_number BIGINT NOT NULL,
			timestamp    TIMESTAMPTZ NOT NULL,
			txn_hash     TEXT,
			contract_id  TEXT NOT NULL,
			token_id     TEXT NOT NULL,
			from_id      TEXT NOT NULL,
			to_id        TEXT NOT NULL,
			amount       NUMERIC NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mints (
			id           TEXT PRIMARY KEY,
			block_number BIGINT NOT NULL,
			timestamp    TIMESTAMPTZ NOT NULL,
			txn_hash     TEXT,
			contract_id  TEXT NOT NULL,
			token_id     TEXT NOT NULL,
			amount       NUMERIC NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS burns (
			id           TEXT PRIMARY KEY,
			block_number BIGINT NOT NULL,
			timestamp    TIMESTAMPTZ NOT NULL,
			txn_hash     TEXT,
			contract_id  TEXT NOT NULL,
			token_id     TEXT NOT NULL,
			amount       NUMERIC NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_contract ON tokens (contract_id)`,
		`CREATE INDEX IF NOT EXISTS idx_balances_account ON token_balances (account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_balances_token ON token_balances (token_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_block ON transfers (block_number)`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_token ON transfers (token_id)`,
		`CREATE INDEX IF NOT EXISTS idx_mints_token ON mints (token_id)`,
		`CREATE INDEX IF NOT EXISTS idx_burns_token ON burns (token_id)`,
	}

	for _, stmt := range statements {
		if _, err := p.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// FetchAccounts 批量查询账户
func (p *PostgresBackend) FetchAccounts(ctx context.Context, ids []string) (map[string]*models.Account, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, address FROM accounts WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("查询账户失败: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*models.Account, len(ids))
	for rows.Next() {
		var account models.Account
		if err := rows.Scan(&account.ID, &account.Address); err != nil {
			return nil, fmt.Errorf("扫描账户记录失败: %w", err)
		}
		result[account.ID] = &account
	}
	return result, rows.Err()
}

// FetchContracts 批量查询合约
func (p *PostgresBackend) FetchContracts(ctx context.Context, ids []string) (map[string]*models.Contract, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, address, total_supply::TEXT, interfaces FROM contracts WHERE id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("查询合约失败: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*models.Contract, len(ids))
	for rows.Next() {
		var (
			contract   models.Contract
			supply     string
			interfaces pq.StringArray
		)
		if err := rows.Scan(&contract.ID, &contract.Address, &supply, &interfaces); err != nil {
			return nil, fmt.Errorf("扫描合约记录失败: %w", err)
		}
		contract.TotalSupply, err = parseNumeric(supply)
		if err != nil {
			return nil, fmt.Errorf("解析合约 %s 的total_supply失败: %w", contract.ID, err)
		}
		contract.Interfaces = make([]models.TokenStandard, 0, len(interfaces))
		for _, i := range interfaces {
			contract.Interfaces = append(contract.Interfaces, models.TokenStandard(i))
		}
		result[contract.ID] = &contract
	}
	return result, rows.Err()
}

// FetchTokens 批量查询代币
func (p *PostgresBackend) FetchTokens(ctx context.Context, ids []string) (map[string]*models.Token, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, contract_id, type, token_index::TEXT, supply::TEXT FROM tokens WHERE id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("查询代币失败: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*models.Token, len(ids))
	for rows.Next() {
		var (
			token  models.Token
			index  sql.NullString
			supply string
		)
		if err := rows.Scan(&token.ID, &token.ContractID, &token.Type, &index, &supply); err != nil {
			return nil, fmt.Errorf("扫描代币记录失败: %w", err)
		}
		if index.Valid {
			token.Index, err = parseNumeric(index.String)
			if err != nil {
				return nil, fmt.Errorf("解析代币 %s 的token_index失败: %w", token.ID, err)
			}
		}
		token.Supply, err = parseNumeric(supply)
		if err != nil {
			return nil, fmt.Errorf("解析代币 %s 的supply失败: %w", token.ID, err)
		}
		result[token.ID] = &token
	}
	return result, rows.Err()
}

// FetchBalances 批量查询持仓
func (p *PostgresBackend) FetchBalances(ctx context.Context, ids []string) (map[string]*models.TokenBalance, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, account_id, token_id, value::TEXT FROM token_balances WHERE id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("查询持仓失败: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*models.TokenBalance, len(ids))
	for rows.Next() {
		var (
			balance models.TokenBalance
			value   string
		)
		if err := rows.Scan(&balance.ID, &balance.AccountID, &balance.TokenID, &value); err != nil {
			return nil, fmt.Errorf("扫描持仓记录失败: %w", err)
		}
		balance.Value, err = parseNumeric(value)
		if err != nil {
			return nil, fmt.Errorf("解析持仓 %s 的value失败: %w", balance.ID, err)
		}
		result[balance.ID] = &balance
	}
	return result, rows.Err()
}

// Flush 在单个事务内写入整批变更
// 历史记录按日志ID做ON CONFLICT DO NOTHING，重跑批次天然幂等
func (p *PostgresBackend) Flush(ctx context.Context, batch *Batch) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	for _, account := range batch.Accounts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (id, address) VALUES ($1, $2)
			 ON CONFLICT (id) DO NOTHING`,
			account.ID, account.Address); err != nil {
			return fmt.Errorf("写入账户 %s 失败: %w", account.ID, err)
		}
	}

	for _, contract := range batch.Contracts {
		interfaces := make([]string, 0, len(contract.Interfaces))
		for _, i := range contract.Interfaces {
			interfaces = append(interfaces, string(i))
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contracts (id, address, total_supply, interfaces)
			 VALUES ($1, $2, $3::NUMERIC, $4)
			 ON CONFLICT (id) DO UPDATE SET total_supply = EXCLUDED.total_supply,
			                                interfaces = EXCLUDED.interfaces`,
			contract.ID, contract.Address, contract.TotalSupply.String(),
			pq.Array(interfaces)); err != nil {
			return fmt.Errorf("写入合约 %s 失败: %w", contract.ID, err)
		}
	}

	for _, token := range batch.Tokens {
		var index sql.NullString
		if token.Index != nil {
			index = sql.NullString{String: token.Index.String(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tokens (id, contract_id, type, token_index, supply)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC)
			 ON CONFLICT (id) DO UPDATE SET supply = EXCLUDED.supply`,
			token.ID, token.ContractID, string(token.Type), index,
			token.Supply.String()); err != nil {
			return fmt.Errorf("写入代币 %s 失败: %w", token.ID, err)
		}
	}

	for _, balance := range batch.Balances {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO token_balances (id, account_id, token_id, value)
			 VALUES ($1, $2, $3, $4::NUMERIC)
			 ON CONFLICT (id) DO UPDATE SET value = EXCLUDED.value`,
			balance.ID, balance.AccountID, balance.TokenID,
			balance.Value.String()); err != nil {
			return fmt.Errorf("写入持仓 %s 失败: %w", balance.ID, err)
		}
	}

	if len(batch.RemovedBalances) > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM token_balances WHERE id = ANY($1)`,
			pq.Array(batch.RemovedBalances)); err != nil {
			return fmt.Errorf("删除持仓失败: %w", err)
		}
	}

	for _, transfer := range batch.Transfers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transfers (id, block_number, timestamp, txn_hash, contract_id, token_id, from_id, to_id, amount)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC)
			 ON CONFLICT (id) DO NOTHING`,
			transfer.ID, transfer.BlockNumber, transfer.Timestamp,
			nullable(transfer.TxnHash), transfer.ContractID, transfer.TokenID,
			transfer.FromID, transfer.ToID, transfer.Amount.String()); err != nil {
			return fmt.Errorf("写入转账记录 %s 失败: %w", transfer.ID, err)
		}
	}

	for _, mint := range batch.Mints {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mints (id, block_number, timestamp, txn_hash, contract_id, token_id, amount)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC)
			 ON CONFLICT (id) DO NOTHING`,
			mint.ID, mint.BlockNumber, mint.Timestamp, nullable(mint.TxnHash),
			mint.ContractID, mint.TokenID, mint.Amount.String()); err != nil {
			return fmt.Errorf("写入铸造记录 %s 失败: %w", mint.ID, err)
		}
	}

	for _, burn := range batch.Burns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO burns (id, block_number, timestamp, txn_hash, contract_id, token_id, amount)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC)
			 ON CONFLICT (id) DO NOTHING`,
			burn.ID, burn.BlockNumber, burn.Timestamp, nullable(burn.TxnHash),
			burn.ContractID, burn.TokenID, burn.Amount.String()); err != nil {
			return fmt.Errorf("写入销毁记录 %s 失败: %w", burn.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// Close 关闭数据库连接
func (p *PostgresBackend) Close() error {
	return p.db.Close()
}

// parseNumeric 把NUMERIC文本解析为big.Int
func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("无法解析数值: %q", s)
	}
	return v, nil
}

// nullable 空字符串写为NULL
func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
