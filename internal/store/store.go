// Package store 提供带缓存与延迟预载登记的实体存储
//
// 策略逻辑在做决策之前先登记本批事件将要用到的全部实体键，Load把已登记
// 的键合并成每类实体一次的批量查询，避免每个事件一次数据库往返。写入
// 全部先落在内存缓存里（写穿透），动作N创建的实体对动作N+1的决策立即
// 可见，对账引擎依赖这个read-your-own-writes保证。Flush是批处理检查点，
// 不是决策逻辑的事务边界。
package store

import (
	"context"

	"github.com/sirupsen/logrus"

	"reconcile/internal/errors"
	"reconcile/pkg/models"
)

// Store 带缓存的实体存储
// 非并发安全：对账引擎单线程驱动，一个Store实例只服务一次处理运行
type Store struct {
	backend Backend
	logger  *logrus.Logger

	// 实体缓存，键存在表示已解析，nil值表示确认不存在
	accounts  map[string]*models.Account
	contracts map[string]*models.Contract
	tokens    map[string]*models.Token
	balances  map[string]*models.TokenBalance

	// 延迟预载登记，重复登记自动合并
	deferredAccounts  map[string]struct{}
	deferredContracts map[string]struct{}
	deferredTokens    map[string]struct{}
	deferredBalances  map[string]struct{}

	// 未落盘的脏实体与删除集合
	dirtyAccounts   map[string]struct{}
	dirtyContracts  map[string]struct{}
	dirtyTokens     map[string]struct{}
	dirtyBalances   map[string]struct{}
	removedBalances map[string]struct{}

	// 只追加的历史记录缓冲
	transfers []*models.Transfer
	mints     []*models.Mint
	burns     []*models.Burn
}

// NewStore 创建实体存储
func NewStore(backend Backend, logger *logrus.Logger) *Store {
	return &Store{
		backend: backend,
		logger:  logger,

		accounts:  make(map[string]*models.Account),
		contracts: make(map[string]*models.Contract),
		tokens:    make(map[string]*models.Token),
		balances:  make(map[string]*models.TokenBalance),

		deferredAccounts:  make(map[string]struct{}),
		deferredContracts: make(map[string]struct{}),
		deferredTokens:    make(map[string]struct{}),
		deferredBalances:  make(map[string]struct{}),

		dirtyAccounts:   make(map[string]struct{}),
		dirtyContracts:  make(map[string]struct{}),
		dirtyTokens:     make(map[string]struct{}),
		dirtyBalances:   make(map[string]struct{}),
		removedBalances: make(map[string]struct{}),
	}
}

// DeferAccount 登记账户键等待批量预载
func (s *Store) DeferAccount(id string) {
	if _, cached := s.accounts[id]; !cached {
		s.deferredAccounts[id] = struct{}{}
	}
}

// DeferContract 登记合约键等待批量预载
func (s *Store) DeferContract(id string) {
	if _, cached := s.contracts[id]; !cached {
		s.deferredContracts[id] = struct{}{}
	}
}

// DeferToken 登记代币键等待批量预载
func (s *Store) DeferToken(id string) {
	if _, cached := s.tokens[id]; !cached {
		s.deferredTokens[id] = struct{}{}
	}
}

// DeferBalance 登记持仓键等待批量预载
func (s *Store) DeferBalance(id string) {
	if _, cached := s.balances[id]; !cached {
		s.deferredBalances[id] = struct{}{}
	}
}

// DeferredCount 当前登记待预载的键数量
func (s *Store) DeferredCount() int {
	return len(s.deferredAccounts) + len(s.deferredContracts) +
		len(s.deferredTokens) + len(s.deferredBalances)
}

// Load 把已登记的键按实体类别各执行一次批量查询
// 预载之后的登记仍可通过Get的按需回退解析，只是失去合并收益
func (s *Store) Load(ctx context.Context) error {
	if ids := drainKeys(s.deferredAccounts); len(ids) > 0 {
		fetched, err := s.backend.FetchAccounts(ctx, ids)
		if err != nil {
			return wrapFetchError(err, "account")
		}
		for _, id := range ids {
			if _, cached := s.accounts[id]; !cached {
				s.accounts[id] = fetched[id]
			}
		}
	}

	if ids := drainKeys(s.deferredContracts); len(ids) > 0 {
		fetched, err := s.backend.FetchContracts(ctx, ids)
		if err != nil {
			return wrapFetchError(err, "contract")
		}
		for _, id := range ids {
			if _, cached := s.contracts[id]; !cached {
				s.contracts[id] = fetched[id]
			}
		}
	}

	if ids := drainKeys(s.deferredTokens); len(ids) > 0 {
		fetched, err := s.backend.FetchTokens(ctx, ids)
		if err != nil {
			return wrapFetchError(err, "token")
		}
		for _, id := range ids {
			if _, cached := s.tokens[id]; !cached {
				s.tokens[id] = fetched[id]
			}
		}
	}

	if ids := drainKeys(s.deferredBalances); len(ids) > 0 {
		fetched, err := s.backend.FetchBalances(ctx, ids)
		if err != nil {
			return wrapFetchError(err, "token_balance")
		}
		for _, id := range ids {
			if _, cached := s.balances[id]; !cached {
				s.balances[id] = fetched[id]
			}
		}
	}

	return nil
}

// GetAccount 获取账户，不存在返回nil
func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	if v, cached := s.accounts[id]; cached {
		return v, nil
	}

	// 按需回退：该键未经预载，单独取一次
	s.logger.WithField("account_id", id).Debug("账户未预载，按需加载")
	fetched, err := s.backend.FetchAccounts(ctx, []string{id})
	if err != nil {
		return nil, wrapFetchError(err, "account")
	}
	s.accounts[id] = fetched[id]
	delete(s.deferredAccounts, id)
	return s.accounts[id], nil
}

// GetAccountOrFail 获取账户，不存在视为引用完整性错误
func (s *Store) GetAccountOrFail(ctx context.Context, id string) (*models.Account, error) {
	account, err := s.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, errors.NewEntityNotFound("account", id)
	}
	return account, nil
}

// GetContract 获取合约，不存在返回nil
func (s *Store) GetContract(ctx context.Context, id string) (*models.Contract, error) {
	if v, cached := s.contracts[id]; cached {
		return v, nil
	}

	s.logger.WithField("contract_id", id).Debug("合约未预载，按需加载")
	fetched, err := s.backend.FetchContracts(ctx, []string{id})
	if err != nil {
		return nil, wrapFetchError(err, "contract")
	}
	s.contracts[id] = fetched[id]
	delete(s.deferredContracts, id)
	return s.contracts[id], nil
}

// GetContractOrFail 获取合约，不存在视为引用完整性错误
func (s *Store) GetContractOrFail(ctx context.Context, id string) (*models.Contract, error) {
	contract, err := s.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if contract == nil {
		return nil, errors.NewEntityNotFound("contract", id)
	}
	return contract, nil
}

// GetToken 获取代币，不存在返回nil
func (s *Store) GetToken(ctx context.Context, id string) (*models.Token, error) {
	if v, cached := s.tokens[id]; cached {
		return v, nil
	}

	s.logger.WithField("token_id", id).Debug("代币未预载，按需加载")
	fetched, err := s.backend.FetchTokens(ctx, []string{id})
	if err != nil {
		return nil, wrapFetchError(err, "token")
	}
	s.tokens[id] = fetched[id]
	delete(s.deferredTokens, id)
	return s.tokens[id], nil
}

// GetTokenOrFail 获取代币，不存在视为引用完整性错误
func (s *Store) GetTokenOrFail(ctx context.Context, id string) (*models.Token, error) {
	token, err := s.GetToken(ctx, id)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, errors.NewEntityNotFound("token", id)
	}
	return token, nil
}

// GetBalance 获取持仓，不存在返回nil
func (s *Store) GetBalance(ctx context.Context, id string) (*models.TokenBalance, error) {
	if v, cached := s.balances[id]; cached {
		return v, nil
	}

	s.logger.WithField("balance_id", id).Debug("持仓未预载，按需加载")
	fetched, err := s.backend.FetchBalances(ctx, []string{id})
	if err != nil {
		return nil, wrapFetchError(err, "token_balance")
	}
	s.balances[id] = fetched[id]
	delete(s.deferredBalances, id)
	return s.balances[id], nil
}

// GetBalanceOrFail 获取持仓，不存在视为引用完整性错误
func (s *Store) GetBalanceOrFail(ctx context.Context, id string) (*models.TokenBalance, error) {
	balance, err := s.GetBalance(ctx, id)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return nil, errors.NewEntityNotFound("token_balance", id)
	}
	return balance, nil
}

// InsertAccount 写入账户缓存并标记待落盘
func (s *Store) InsertAccount(account *models.Account) {
	s.accounts[account.ID] = account
	s.dirtyAccounts[account.ID] = struct{}{}
}

// InsertContract 写入合约缓存并标记待落盘
func (s *Store) InsertContract(contract *models.Contract) {
	s.contracts[contract.ID] = contract
	s.dirtyContracts[contract.ID] = struct{}{}
}

// UpsertContract 更新合约缓存并标记待落盘
func (s *Store) UpsertContract(contract *models.Contract) {
	s.contracts[contract.ID] = contract
	s.dirtyContracts[contract.ID] = struct{}{}
}

// InsertToken 写入代币缓存并标记待落盘
func (s *Store) InsertToken(token *models.Token) {
	s.tokens[token.ID] = token
	s.dirtyTokens[token.ID] = struct{}{}
}

// UpsertToken 更新代币缓存并标记待落盘
func (s *Store) UpsertToken(token *models.Token) {
	s.tokens[token.ID] = token
	s.dirtyTokens[token.ID] = struct{}{}
}

// InsertBalance 写入持仓缓存并标记待落盘
// 同一持仓在本批内先删后建是合法的（销毁后再次入账）
func (s *Store) InsertBalance(balance *models.TokenBalance) {
	s.balances[balance.ID] = balance
	s.dirtyBalances[balance.ID] = struct{}{}
	delete(s.removedBalances, balance.ID)
}

// UpsertBalance 更新持仓缓存并标记待落盘
func (s *Store) UpsertBalance(balance *models.TokenBalance) {
	s.balances[balance.ID] = balance
	s.dirtyBalances[balance.ID] = struct{}{}
	delete(s.removedBalances, balance.ID)
}

// RemoveBalance 删除持仓：缓存记为确认不存在，落盘时执行删除
func (s *Store) RemoveBalance(id string) {
	s.balances[id] = nil
	delete(s.dirtyBalances, id)
	s.removedBalances[id] = struct{}{}
}

// InsertTransfer 追加转账历史记录
func (s *Store) InsertTransfer(transfer *models.Transfer) {
	s.transfers = append(s.transfers, transfer)
}

// InsertMint 追加铸造历史记录
func (s *Store) InsertMint(mint *models.Mint) {
	s.mints = append(s.mints, mint)
}

// InsertBurn 追加销毁历史记录
func (s *Store) InsertBurn(burn *models.Burn) {
	s.burns = append(s.burns, burn)
}

// PendingMutations 未落盘的变更数量，供调用方做刷盘与内存压力判断
func (s *Store) PendingMutations() int {
	return len(s.dirtyAccounts) + len(s.dirtyContracts) + len(s.dirtyTokens) +
		len(s.dirtyBalances) + len(s.removedBalances) +
		len(s.transfers) + len(s.mints) + len(s.burns)
}

// Flush 把累积变更在单个事务内持久化
// 成功后返回写入的批次内容，供调用方向下游输出历史记录
func (s *Store) Flush(ctx context.Context) (*Batch, error) {
	batch := &Batch{
		Transfers: s.transfers,
		Mints:     s.mints,
		Burns:     s.burns,
	}

	for id := range s.dirtyAccounts {
		batch.Accounts = append(batch.Accounts, s.accounts[id])
	}
	for id := range s.dirtyContracts {
		batch.Contracts = append(batch.Contracts, s.contracts[id])
	}
	for id := range s.dirtyTokens {
		batch.Tokens = append(batch.Tokens, s.tokens[id])
	}
	for id := range s.dirtyBalances {
		batch.Balances = append(batch.Balances, s.balances[id])
	}
	for id := range s.removedBalances {
		batch.RemovedBalances = append(batch.RemovedBalances, id)
	}

	if batch.IsEmpty() {
		return batch, nil
	}

	if err := s.backend.Flush(ctx, batch); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStore, errors.SeverityHigh,
			"STORE_FLUSH_FAILED", "持久化批量变更失败")
	}

	s.logger.WithFields(logrus.Fields{
		"accounts":  len(batch.Accounts),
		"contracts": len(batch.Contracts),
		"tokens":    len(batch.Tokens),
		"balances":  len(batch.Balances),
		"removed":   len(batch.RemovedBalances),
		"transfers": len(batch.Transfers),
		"mints":     len(batch.Mints),
		"burns":     len(batch.Burns),
	}).Debug("批量变更已落盘")

	// 缓存保留（继续提供read-your-own-writes），脏集合与历史缓冲清空
	s.dirtyAccounts = make(map[string]struct{})
	s.dirtyContracts = make(map[string]struct{})
	s.dirtyTokens = make(map[string]struct{})
	s.dirtyBalances = make(map[string]struct{})
	s.removedBalances = make(map[string]struct{})
	s.transfers = nil
	s.mints = nil
	s.burns = nil

	return batch, nil
}

// drainKeys 取出并清空键集合
func drainKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
		delete(set, k)
	}
	return keys
}

// wrapFetchError 包装后端查询错误
func wrapFetchError(err error, kind string) error {
	return errors.WrapError(err, errors.ErrorTypeStore, errors.SeverityHigh,
		"STORE_FETCH_FAILED", "批量查询"+kind+"失败")
}
