package policy

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reconcile/internal/classifier"
	"reconcile/internal/engine"
	"reconcile/internal/identity"
	"reconcile/internal/store"
	"reconcile/pkg/models"
)

const (
	contractAddr = "0x1000000000000000000000000000000000000C01"
	aliceAddr    = "0x0000000000000000000000000000000000000abc"
	bobAddr      = "0x0000000000000000000000000000000000000DEf"
)

type fixture struct {
	store   *store.Store
	queue   *engine.Queue
	policy  *Policy
	backend *store.MemoryBackend
}

func newFixture() *fixture {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	backend := store.NewMemoryBackend()
	st := store.NewStore(backend, logger)
	queue := engine.NewQueue(st, logger)
	return &fixture{
		store:   st,
		queue:   queue,
		policy:  New(st, queue, logger),
		backend: backend,
	}
}

// run 先批量预加载声明键，再排空队列，模拟运行循环的一个批次
func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Load(ctx))
	require.NoError(t, f.queue.Process(ctx))
}

func erc20Event(from, to string, amount int64) *classifier.TransferEvent {
	return &classifier.TransferEvent{
		Standard: models.StandardERC20,
		From:     common.HexToAddress(from),
		To:       common.HexToAddress(to),
		Amount:   big.NewInt(amount),
	}
}

func erc721Event(from, to string, tokenIndex int64) *classifier.TransferEvent {
	return &classifier.TransferEvent{
		Standard: models.StandardERC721,
		From:     common.HexToAddress(from),
		To:       common.HexToAddress(to),
		Amount:   big.NewInt(1),
		TokenID:  big.NewInt(tokenIndex),
	}
}

func TestERC20MintCreatesEverything(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.queue.SetBlock(engine.BlockContext{Height: 100, Timestamp: 1700000000})
	f.queue.SetTransaction("0xt1")
	logID := models.EventLogID(100, 0)
	f.policy.Apply(logID, contractAddr, erc20Event(identity.ZeroAddress, aliceAddr, 100))
	f.run(t)

	tokenID := identity.TokenID(contractAddr, nil)
	token, err := f.store.GetToken(ctx, tokenID)
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, "100", token.Supply.String())

	contract, err := f.store.GetContract(ctx, identity.ContractID(contractAddr))
	require.NoError(t, err)
	require.NotNil(t, contract)
	assert.Equal(t, "100", contract.TotalSupply.String())
	assert.True(t, contract.HasInterface(models.StandardERC20))

	// 接收方账户和持仓已创建，空地址不建账户
	alice, err := f.store.GetAccount(ctx, identity.AccountID(aliceAddr))
	require.NoError(t, err)
	require.NotNil(t, alice)
	zero, err := f.store.GetAccount(ctx, identity.AccountID(identity.ZeroAddress))
	require.NoError(t, err)
	assert.Nil(t, zero)

	balance, err := f.store.GetBalance(ctx, identity.BalanceID(aliceAddr, contractAddr, nil))
	require.NoError(t, err)
	require.NotNil(t, balance)
	assert.Equal(t, "100", balance.Value.String())

	// 铸造与转账记录共用事件标识，不产生销毁记录
	_, err = f.store.Flush(ctx)
	require.NoError(t, err)
	require.NotNil(t, f.backend.Mint(logID))
	require.NotNil(t, f.backend.Transfer(logID))
	assert.Nil(t, f.backend.Burn(logID))
	assert.Equal(t, uint64(100), f.backend.Mint(logID).BlockNumber)
	assert.Equal(t, "0xt1", f.backend.Transfer(logID).TxnHash)
}

func TestERC20TransferMovesBalance(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.queue.SetBlock(engine.BlockContext{Height: 1, Timestamp: 10})
	f.queue.SetTransaction("0xa")
	f.policy.Apply(models.EventLogID(1, 0), contractAddr, erc20Event(identity.ZeroAddress, aliceAddr, 100))

	f.queue.SetBlock(engine.BlockContext{Height: 2, Timestamp: 22})
	f.queue.SetTransaction("0xb")
	f.policy.Apply(models.EventLogID(2, 0), contractAddr, erc20Event(aliceAddr, bobAddr, 40))
	f.run(t)

	aliceBal, err := f.store.GetBalance(ctx, identity.BalanceID(aliceAddr, contractAddr, nil))
	require.NoError(t, err)
	require.NotNil(t, aliceBal)
	assert.Equal(t, "60", aliceBal.Value.String())

	bobBal, err := f.store.GetBalance(ctx, identity.BalanceID(bobAddr, contractAddr, nil))
	require.NoError(t, err)
	require.NotNil(t, bobBal)
	assert.Equal(t, "40", bobBal.Value.String())

	// 普通转账不改变供给量
	token, err := f.store.GetToken(ctx, identity.TokenID(contractAddr, nil))
	require.NoError(t, err)
	assert.Equal(t, "100", token.Supply.String())
}

func TestERC20DebitWithoutBalanceIsSkipped(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// 发送方从未入账，扣减整体跳过，接收方照常入账
	f.queue.SetBlock(engine.BlockContext{Height: 5, Timestamp: 50})
	f.queue.SetTransaction("0xc")
	f.policy.Apply(models.EventLogID(5, 0), contractAddr, erc20Event(aliceAddr, bobAddr, 30))
	f.run(t)

	aliceBal, err := f.store.GetBalance(ctx, identity.BalanceID(aliceAddr, contractAddr, nil))
	require.NoError(t, err)
	assert.Nil(t, aliceBal)

	bobBal, err := f.store.GetBalance(ctx, identity.BalanceID(bobAddr, contractAddr, nil))
	require.NoError(t, err)
	require.NotNil(t, bobBal)
	assert.Equal(t, "30", bobBal.Value.String())
}

func TestERC721MintThenBurnNetsToZero(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.queue.SetBlock(engine.BlockContext{Height: 10, Timestamp: 100})
	f.queue.SetTransaction("0xm")
	f.policy.Apply(models.EventLogID(10, 0), contractAddr, erc721Event(identity.ZeroAddress, aliceAddr, 7))

	f.queue.SetBlock(engine.BlockContext{Height: 11, Timestamp: 111})
	f.queue.SetTransaction("0xn")
	f.policy.Apply(models.EventLogID(11, 0), contractAddr, erc721Event(aliceAddr, identity.ZeroAddress, 7))
	f.run(t)

	index := big.NewInt(7)
	token, err := f.store.GetToken(ctx, identity.TokenID(contractAddr, index))
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, "0", token.Supply.String())
	assert.Equal(t, "7", token.Index.String())

	contract, err := f.store.GetContract(ctx, identity.ContractID(contractAddr))
	require.NoError(t, err)
	assert.Equal(t, "0", contract.TotalSupply.String())
	assert.True(t, contract.HasInterface(models.StandardERC721))

	// 销毁扣减到零，持仓记录被删除
	balance, err := f.store.GetBalance(ctx, identity.BalanceID(aliceAddr, contractAddr, index))
	require.NoError(t, err)
	assert.Nil(t, balance)

	_, err = f.store.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.backend.MintCount())
	assert.Equal(t, 1, f.backend.BurnCount())
	assert.Equal(t, 2, f.backend.TransferCount())
}

func TestERC721ImplicitMintWhenSupplyZero(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// 合约未从空地址铸造就直接转出，按隐式铸造处理
	f.queue.SetBlock(engine.BlockContext{Height: 20, Timestamp: 200})
	f.queue.SetTransaction("0xi")
	logID := models.EventLogID(20, 0)
	f.policy.Apply(logID, contractAddr, erc721Event(aliceAddr, bobAddr, 3))
	f.run(t)

	index := big.NewInt(3)
	token, err := f.store.GetToken(ctx, identity.TokenID(contractAddr, index))
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, "1", token.Supply.String())

	// 发送方无持仓，扣减跳过；接收方正常入账
	bobBal, err := f.store.GetBalance(ctx, identity.BalanceID(bobAddr, contractAddr, index))
	require.NoError(t, err)
	require.NotNil(t, bobBal)
	assert.Equal(t, "1", bobBal.Value.String())

	_, err = f.store.Flush(ctx)
	require.NoError(t, err)
	require.NotNil(t, f.backend.Mint(logID))
	require.NotNil(t, f.backend.Transfer(logID))
}

func TestERC721ImplicitMintDoesNotDebitSender(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// 预置异常状态：供给为零但发送方残留一条持仓记录
	// 隐式铸造分支不应扣减发送方
	index := big.NewInt(5)
	contractID := identity.ContractID(contractAddr)
	tokenID := identity.TokenID(contractAddr, index)
	aliceBalanceID := identity.BalanceID(aliceAddr, contractAddr, index)
	require.NoError(t, f.backend.Flush(ctx, &store.Batch{
		Accounts: []*models.Account{
			{ID: identity.AccountID(aliceAddr), Address: identity.Normalize(aliceAddr)},
		},
		Contracts: []*models.Contract{
			{ID: contractID, Address: identity.Normalize(contractAddr),
				TotalSupply: big.NewInt(0), Interfaces: []models.TokenStandard{models.StandardERC721}},
		},
		Tokens: []*models.Token{
			{ID: tokenID, ContractID: contractID, Type: models.StandardERC721,
				Index: index, Supply: big.NewInt(0)},
		},
		Balances: []*models.TokenBalance{
			{ID: aliceBalanceID, AccountID: identity.AccountID(aliceAddr),
				TokenID: tokenID, Value: big.NewInt(1)},
		},
	}))

	f.queue.SetBlock(engine.BlockContext{Height: 25, Timestamp: 250})
	f.queue.SetTransaction("0xj")
	logID := models.EventLogID(25, 0)
	f.policy.Apply(logID, contractAddr, erc721Event(aliceAddr, bobAddr, 5))
	f.run(t)

	token, err := f.store.GetToken(ctx, tokenID)
	require.NoError(t, err)
	assert.Equal(t, "1", token.Supply.String())

	// 发送方持仓原样保留，接收方照常入账
	aliceBal, err := f.store.GetBalance(ctx, aliceBalanceID)
	require.NoError(t, err)
	require.NotNil(t, aliceBal)
	assert.Equal(t, "1", aliceBal.Value.String())

	bobBal, err := f.store.GetBalance(ctx, identity.BalanceID(bobAddr, contractAddr, index))
	require.NoError(t, err)
	require.NotNil(t, bobBal)
	assert.Equal(t, "1", bobBal.Value.String())

	_, err = f.store.Flush(ctx)
	require.NoError(t, err)
	require.NotNil(t, f.backend.Mint(logID))
}

func TestBothZeroAddressesSkipped(t *testing.T) {
	f := newFixture()

	f.queue.SetBlock(engine.BlockContext{Height: 30, Timestamp: 300})
	f.queue.SetTransaction("0xz")
	f.policy.Apply(models.EventLogID(30, 0), contractAddr, erc20Event(identity.ZeroAddress, identity.ZeroAddress, 99))

	// 入队前整体跳过，队列与声明集合均为空
	assert.Equal(t, 0, f.queue.Size())
	assert.Equal(t, 0, f.store.DeferredCount())
}

func TestSupplyConservationAcrossMintsAndBurns(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.queue.SetBlock(engine.BlockContext{Height: 40, Timestamp: 400})
	f.queue.SetTransaction("0xs")
	f.policy.Apply(models.EventLogID(40, 0), contractAddr, erc20Event(identity.ZeroAddress, aliceAddr, 100))
	f.policy.Apply(models.EventLogID(40, 1), contractAddr, erc20Event(identity.ZeroAddress, bobAddr, 50))
	f.policy.Apply(models.EventLogID(40, 2), contractAddr, erc20Event(aliceAddr, identity.ZeroAddress, 30))
	f.run(t)

	// 供给量 = 铸造总和 - 销毁总和
	token, err := f.store.GetToken(ctx, identity.TokenID(contractAddr, nil))
	require.NoError(t, err)
	assert.Equal(t, "120", token.Supply.String())

	contract, err := f.store.GetContract(ctx, identity.ContractID(contractAddr))
	require.NoError(t, err)
	assert.Equal(t, "120", contract.TotalSupply.String())
}

func TestDeclaredKeysCoalesce(t *testing.T) {
	f := newFixture()

	f.queue.SetBlock(engine.BlockContext{Height: 50, Timestamp: 500})
	f.queue.SetTransaction("0xd")
	f.policy.Apply(models.EventLogID(50, 0), contractAddr, erc20Event(aliceAddr, bobAddr, 10))
	before := f.store.DeferredCount()
	// 同一事件形状重复声明的键合并
	f.policy.Apply(models.EventLogID(50, 1), contractAddr, erc20Event(aliceAddr, bobAddr, 20))
	assert.Equal(t, before, f.store.DeferredCount())
	f.run(t)
}
