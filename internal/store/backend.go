package store

import (
	"context"

	"reconcile/pkg/models"
)

// Batch 一次落盘的全部累积变更
// 历史记录只追加，实体按最终状态写入，删除的持仓只保留ID
type Batch struct {
	Accounts        []*models.Account
	Contracts       []*models.Contract
	Tokens          []*models.Token
	Balances        []*models.TokenBalance
	RemovedBalances []string
	Transfers       []*models.Transfer
	Mints           []*models.Mint
	Burns           []*models.Burn
}

// Size 批次内变更总数
func (b *Batch) Size() int {
	return len(b.Accounts) + len(b.Contracts) + len(b.Tokens) + len(b.Balances) +
		len(b.RemovedBalances) + len(b.Transfers) + len(b.Mints) + len(b.Burns)
}

// IsEmpty 判断批次是否为空
func (b *Batch) IsEmpty() bool {
	return b.Size() == 0
}

// Backend 持久化后端接口
// Fetch系列按ID集合批量取回存在的实体，缺失的ID不出现在结果里
// Flush在单个事务内写入整批变更，保证供给量更新与历史记录同批生效
type Backend interface {
	FetchAccounts(ctx context.Context, ids []string) (map[string]*models.Account, error)
	FetchContracts(ctx context.Context, ids []string) (map[string]*models.Contract, error)
	FetchTokens(ctx context.Context, ids []string) (map[string]*models.Token, error)
	FetchBalances(ctx context.Context, ids []string) (map[string]*models.TokenBalance, error)
	Flush(ctx context.Context, batch *Batch) error
	Close() error
}
