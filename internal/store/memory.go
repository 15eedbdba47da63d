package store

import (
	"context"
	"math/big"
	"sync"

	"reconcile/pkg/models"
)

// MemoryBackend 纯内存后端，服务试运行模式和测试
// Fetch与Flush都做深拷贝，未落盘的缓存变更不会泄漏进"持久"状态
type MemoryBackend struct {
	mu sync.RWMutex

	accounts  map[string]*models.Account
	contracts map[string]*models.Contract
	tokens    map[string]*models.Token
	balances  map[string]*models.TokenBalance
	transfers map[string]*models.Transfer
	mints     map[string]*models.Mint
	burns     map[string]*models.Burn
}

// NewMemoryBackend 创建内存后端
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		accounts:  make(map[string]*models.Account),
		contracts: make(map[string]*models.Contract),
		tokens:    make(map[string]*models.Token),
		balances:  make(map[string]*models.TokenBalance),
		transfers: make(map[string]*models.Transfer),
		mints:     make(map[string]*models.Mint),
		burns:     make(map[string]*models.Burn),
	}
}

// FetchAccounts 批量查询账户
func (m *MemoryBackend) FetchAccounts(ctx context.Context, ids []string) (map[string]*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*models.Account)
	for _, id := range ids {
		if v, ok := m.accounts[id]; ok {
			result[id] = cloneAccount(v)
		}
	}
	return result, nil
}

// FetchContracts 批量查询合约
func (m *MemoryBackend) FetchContracts(ctx context.Context, ids []string) (map[string]*models.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*models.Contract)
	for _, id := range ids {
		if v, ok := m.contracts[id]; ok {
			result[id] = cloneContract(v)
		}
	}
	return result, nil
}

// FetchTokens 批量查询代币
func (m *MemoryBackend) FetchTokens(ctx context.Context, ids []string) (map[string]*models.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*models.Token)
	for _, id := range ids {
		if v, ok := m.tokens[id]; ok {
			result[id] = cloneToken(v)
		}
	}
	return result, nil
}

// FetchBalances 批量查询持仓
func (m *MemoryBackend) FetchBalances(ctx context.Context, ids []string) (map[string]*models.TokenBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*models.TokenBalance)
	for _, id := range ids {
		if v, ok := m.balances[id]; ok {
			result[id] = cloneBalance(v)
		}
	}
	return result, nil
}

// Flush 应用整批变更
func (m *MemoryBackend) Flush(ctx context.Context, batch *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, account := range batch.Accounts {
		if _, exists := m.accounts[account.ID]; !exists {
			m.accounts[account.ID] = cloneAccount(account)
		}
	}
	for _, contract := range batch.Contracts {
		m.contracts[contract.ID] = cloneContract(contract)
	}
	for _, token := range batch.Tokens {
		m.tokens[token.ID] = cloneToken(token)
	}
	for _, balance := range batch.Balances {
		m.balances[balance.ID] = cloneBalance(balance)
	}
	for _, id := range batch.RemovedBalances {
		delete(m.balances, id)
	}
	// 历史记录按日志ID幂等写入
	for _, transfer := range batch.Transfers {
		if _, exists := m.transfers[transfer.ID]; !exists {
			m.transfers[transfer.ID] = transfer
		}
	}
	for _, mint := range batch.Mints {
		if _, exists := m.mints[mint.ID]; !exists {
			m.mints[mint.ID] = mint
		}
	}
	for _, burn := range batch.Burns {
		if _, exists := m.burns[burn.ID]; !exists {
			m.burns[burn.ID] = burn
		}
	}
	return nil
}

// Close 关闭后端
func (m *MemoryBackend) Close() error {
	return nil
}

// AccountCount 已持久化的账户数量
func (m *MemoryBackend) AccountCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

// Account 按ID读取已持久化的账户
func (m *MemoryBackend) Account(id string) *models.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accounts[id]
}

// Contract 按ID读取已持久化的合约
func (m *MemoryBackend) Contract(id string) *models.Contract {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contracts[id]
}

// Token 按ID读取已持久化的代币
func (m *MemoryBackend) Token(id string) *models.Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens[id]
}

// Balance 按ID读取已持久化的持仓
func (m *MemoryBackend) Balance(id string) *models.TokenBalance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[id]
}

// Transfer 按日志ID读取转账记录
func (m *MemoryBackend) Transfer(id string) *models.Transfer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transfers[id]
}

// Mint 按日志ID读取铸造记录
func (m *MemoryBackend) Mint(id string) *models.Mint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mints[id]
}

// Burn 按日志ID读取销毁记录
func (m *MemoryBackend) Burn(id string) *models.Burn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.burns[id]
}

// TransferCount 转账记录数量
func (m *MemoryBackend) TransferCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transfers)
}

// MintCount 铸造记录数量
func (m *MemoryBackend) MintCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mints)
}

// BurnCount 销毁记录数量
func (m *MemoryBackend) BurnCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.burns)
}

func cloneAccount(a *models.Account) *models.Account {
	copied := *a
	return &copied
}

func cloneContract(c *models.Contract) *models.Contract {
	copied := *c
	copied.TotalSupply = cloneBig(c.TotalSupply)
	copied.Interfaces = append([]models.TokenStandard(nil), c.Interfaces...)
	return &copied
}

func cloneToken(t *models.Token) *models.Token {
	copied := *t
	copied.Index = cloneBig(t.Index)
	copied.Supply = cloneBig(t.Supply)
	return &copied
}

func cloneBalance(b *models.TokenBalance) *models.TokenBalance {
	copied := *b
	copied.Value = cloneBig(b.Value)
	return &copied
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
