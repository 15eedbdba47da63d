package store

import (
	"context"
	"math/big"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reconcile/internal/errors"
	"reconcile/pkg/models"
)

// countingBackend 统计各类批量查询的调用次数
type countingBackend struct {
	*MemoryBackend
	accountFetches  int
	contractFetches int
	tokenFetches    int
	balanceFetches  int
}

func (c *countingBackend) FetchAccounts(ctx context.Context, ids []string) (map[string]*models.Account, error) {
	c.accountFetches++
	return c.MemoryBackend.FetchAccounts(ctx, ids)
}

func (c *countingBackend) FetchContracts(ctx context.Context, ids []string) (map[string]*models.Contract, error) {
	c.contractFetches++
	return c.MemoryBackend.FetchContracts(ctx, ids)
}

func (c *countingBackend) FetchTokens(ctx context.Context, ids []string) (map[string]*models.Token, error) {
	c.tokenFetches++
	return c.MemoryBackend.FetchTokens(ctx, ids)
}

func (c *countingBackend) FetchBalances(ctx context.Context, ids []string) (map[string]*models.TokenBalance, error) {
	c.balanceFetches++
	return c.MemoryBackend.FetchBalances(ctx, ids)
}

func newTestStore() (*Store, *countingBackend) {
	backend := &countingBackend{MemoryBackend: NewMemoryBackend()}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewStore(backend, logger), backend
}

func TestDeferCoalescesAndLoadsInOneQuery(t *testing.T) {
	s, backend := newTestStore()
	ctx := context.Background()

	// 同一个键重复登记会被合并
	s.DeferAccount("0xa")
	s.DeferAccount("0xa")
	s.DeferAccount("0xb")
	s.DeferContract("0xc1")
	assert.Equal(t, 3, s.DeferredCount())

	require.NoError(t, s.Load(ctx))

	// 每类实体只发起一次批量查询
	assert.Equal(t, 1, backend.accountFetches)
	assert.Equal(t, 1, backend.contractFetches)
	assert.Equal(t, 0, s.DeferredCount())

	// 预载后的读取不再触发后端查询
	account, err := s.GetAccount(ctx, "0xa")
	require.NoError(t, err)
	assert.Nil(t, account) // 后端没有该账户，缓存记为确认不存在
	assert.Equal(t, 1, backend.accountFetches)
}

func TestGetFallsBackToOnDemandLoad(t *testing.T) {
	s, backend := newTestStore()
	ctx := context.Background()

	require.NoError(t, backend.MemoryBackend.Flush(ctx, &Batch{
		Accounts: []*models.Account{{ID: "0xa", Address: "0xA"}},
	}))

	// 未登记预载的键依然可以解析，只是单独走一次查询
	account, err := s.GetAccount(ctx, "0xa")
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.Equal(t, "0xA", account.Address)
	assert.Equal(t, 1, backend.accountFetches)

	// 第二次读取命中缓存
	_, err = s.GetAccount(ctx, "0xa")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.accountFetches)
}

func TestReadYourOwnWrites(t *testing.T) {
	s, backend := newTestStore()
	ctx := context.Background()

	// 未落盘的写入对后续决策立即可见
	s.InsertToken(&models.Token{
		ID:         "0xc1",
		ContractID: "0xc1",
		Type:       models.StandardERC20,
		Supply:     big.NewInt(0),
	})

	token, err := s.GetToken(ctx, "0xc1")
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, 0, backend.tokenFetches) // 不应触发后端查询

	// 此时后端仍然没有该实体
	assert.Nil(t, backend.MemoryBackend.Token("0xc1"))
}

func TestGetOrFailReportsReferentialIntegrity(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, err := s.GetTokenOrFail(ctx, "0xmissing")
	require.Error(t, err)
	assert.True(t, errors.IsReferentialIntegrity(err))

	_, err = s.GetAccountOrFail(ctx, "0xmissing")
	require.Error(t, err)
	assert.True(t, errors.IsReferentialIntegrity(err))

	_, err = s.GetContractOrFail(ctx, "0xmissing")
	require.Error(t, err)
	assert.True(t, errors.IsReferentialIntegrity(err))

	_, err = s.GetBalanceOrFail(ctx, "0xmissing")
	require.Error(t, err)
	assert.True(t, errors.IsReferentialIntegrity(err))
}

func TestRemoveBalance(t *testing.T) {
	s, backend := newTestStore()
	ctx := context.Background()

	require.NoError(t, backend.MemoryBackend.Flush(ctx, &Batch{
		Balances: []*models.TokenBalance{
			{ID: "0xa-0xc1", AccountID: "0xa", TokenID: "0xc1", Value: big.NewInt(10)},
		},
	}))

	s.RemoveBalance("0xa-0xc1")

	// 删除后立即视为不存在
	balance, err := s.GetBalance(ctx, "0xa-0xc1")
	require.NoError(t, err)
	assert.Nil(t, balance)

	_, err = s.Flush(ctx)
	require.NoError(t, err)
	assert.Nil(t, backend.MemoryBackend.Balance("0xa-0xc1"))
}

func TestRemoveThenRecreateBalance(t *testing.T) {
	s, backend := newTestStore()
	ctx := context.Background()

	// 同一批内先删后建：销毁后再次入账
	s.RemoveBalance("0xa-0xc1")
	s.InsertBalance(&models.TokenBalance{
		ID: "0xa-0xc1", AccountID: "0xa", TokenID: "0xc1", Value: big.NewInt(5),
	})

	_, err := s.Flush(ctx)
	require.NoError(t, err)

	persisted := backend.MemoryBackend.Balance("0xa-0xc1")
	require.NotNil(t, persisted)
	assert.Equal(t, int64(5), persisted.Value.Int64())
}

func TestFlushClearsPendingAndKeepsCache(t *testing.T) {
	s, backend := newTestStore()
	ctx := context.Background()

	s.InsertAccount(&models.Account{ID: "0xa", Address: "0xA"})
	s.InsertContract(&models.Contract{
		ID: "0xc1", Address: "0xC1", TotalSupply: big.NewInt(100),
		Interfaces: []models.TokenStandard{models.StandardERC20},
	})
	s.InsertTransfer(&models.Transfer{ID: "log-1", Amount: big.NewInt(100)})
	assert.Equal(t, 3, s.PendingMutations())

	batch, err := s.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Size())
	assert.Equal(t, 0, s.PendingMutations())

	// 落盘后缓存保留，读取不走后端
	account, err := s.GetAccount(ctx, "0xa")
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.Equal(t, 0, backend.accountFetches)

	// 再次落盘为空批次
	batch, err = s.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, batch.IsEmpty())
}

func TestFlushHistoryIdempotent(t *testing.T) {
	s, backend := newTestStore()
	ctx := context.Background()

	s.InsertMint(&models.Mint{ID: "log-1", Amount: big.NewInt(100)})
	_, err := s.Flush(ctx)
	require.NoError(t, err)

	// 重跑批次按日志ID去重，不产生重复历史记录
	s2 := NewStore(backend, logrus.New())
	s2.InsertMint(&models.Mint{ID: "log-1", Amount: big.NewInt(100)})
	_, err = s2.Flush(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, backend.MemoryBackend.MintCount())
}
