package engine

import (
	"context"
	"math/big"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reconcile/internal/errors"
	"reconcile/internal/store"
	"reconcile/pkg/models"
)

func newTestQueue() (*Queue, *store.Store, *store.MemoryBackend) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	backend := store.NewMemoryBackend()
	st := store.NewStore(backend, logger)
	return NewQueue(st, logger), st, backend
}

func big10(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("invalid big int literal: " + s)
	}
	return v
}

func TestProcessAppliesInOrder(t *testing.T) {
	q, st, _ := newTestQueue()
	ctx := context.Background()

	q.SetBlock(BlockContext{Height: 100, Hash: "0xb1", Timestamp: 1700000000})
	q.SetTransaction("0xt1")
	q.Add(AccountCreate{AccountID: "0xaaa", Address: "0xAaA"})
	q.Add(ContractCreate{ContractID: "0xccc", Address: "0xCcC"})
	q.Add(TokenCreate{TokenID: "0xccc-tok", ContractID: "0xccc", Type: models.StandardERC20})

	require.NoError(t, q.Process(ctx))
	assert.Equal(t, 0, q.Size())

	// 后入队的代币创建能解析到前面创建的合约
	token, err := st.GetToken(ctx, "0xccc-tok")
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, "0xccc", token.ContractID)

	contract, err := st.GetContract(ctx, "0xccc")
	require.NoError(t, err)
	require.NotNil(t, contract)
	assert.True(t, contract.HasInterface(models.StandardERC20))
}

func TestLazyDrainsDepthFirst(t *testing.T) {
	q, _, _ := newTestQueue()
	ctx := context.Background()

	var order []string
	q.SetBlock(BlockContext{Height: 1})

	q.Lazy(func(ctx context.Context) error {
		order = append(order, "outer-1")
		q.Lazy(func(ctx context.Context) error {
			order = append(order, "inner-1")
			q.Lazy(func(ctx context.Context) error {
				order = append(order, "inner-inner")
				return nil
			})
			return nil
		})
		q.Lazy(func(ctx context.Context) error {
			order = append(order, "inner-2")
			return nil
		})
		return nil
	})
	q.Lazy(func(ctx context.Context) error {
		order = append(order, "outer-2")
		return nil
	})

	require.NoError(t, q.Process(ctx))
	// 延迟决策产生的条目先于外层后续条目排空
	assert.Equal(t, []string{"outer-1", "inner-1", "inner-inner", "inner-2", "outer-2"}, order)
}

func TestLazyContextOnHistoryRows(t *testing.T) {
	q, st, backend := newTestQueue()
	ctx := context.Background()

	q.SetBlock(BlockContext{Height: 10, Timestamp: 1000})
	q.SetTransaction("0xfirst")
	q.Add(ContractCreate{ContractID: "0xc", Address: "0xC"})
	q.Add(TokenCreate{TokenID: "0xc-t", ContractID: "0xc", Type: models.StandardERC20})
	q.Lazy(func(ctx context.Context) error {
		q.Add(TokenMint{MintID: "mint-10", TokenID: "0xc-t", Amount: big10("5")})
		return nil
	})

	q.SetBlock(BlockContext{Height: 11, Timestamp: 1012})
	q.SetTransaction("0xsecond")
	q.Lazy(func(ctx context.Context) error {
		q.Add(TokenMint{MintID: "mint-11", TokenID: "0xc-t", Amount: big10("7")})
		return nil
	})

	require.NoError(t, q.Process(ctx))
	_, err := st.Flush(ctx)
	require.NoError(t, err)

	mint10 := backend.Mint("mint-10")
	require.NotNil(t, mint10)
	assert.Equal(t, uint64(10), mint10.BlockNumber)
	assert.Equal(t, "0xfirst", mint10.TxnHash)

	mint11 := backend.Mint("mint-11")
	require.NotNil(t, mint11)
	assert.Equal(t, uint64(11), mint11.BlockNumber)
	assert.Equal(t, "0xsecond", mint11.TxnHash)

	token := backend.Token("0xc-t")
	require.NotNil(t, token)
	assert.Equal(t, "12", token.Supply.String())
}

func TestMintBurnMoveSupplyTogether(t *testing.T) {
	q, st, _ := newTestQueue()
	ctx := context.Background()

	q.SetBlock(BlockContext{Height: 5, Timestamp: 500})
	q.Add(ContractCreate{ContractID: "0xc", Address: "0xC"})
	q.Add(TokenCreate{TokenID: "0xc-t", ContractID: "0xc", Type: models.StandardERC721, Index: big10("7")})
	q.Add(TokenMint{MintID: "m1", TokenID: "0xc-t", Amount: big10("1")})
	require.NoError(t, q.Process(ctx))

	token, err := st.GetToken(ctx, "0xc-t")
	require.NoError(t, err)
	assert.Equal(t, "1", token.Supply.String())
	contract, err := st.GetContract(ctx, "0xc")
	require.NoError(t, err)
	assert.Equal(t, "1", contract.TotalSupply.String())

	q.Add(TokenBurn{BurnID: "b1", TokenID: "0xc-t", Amount: big10("1")})
	require.NoError(t, q.Process(ctx))

	// 铸造后销毁，供给量净回零
	assert.Equal(t, "0", token.Supply.String())
	assert.Equal(t, "0", contract.TotalSupply.String())
}

func TestBalanceChangeRemovesNonPositiveRow(t *testing.T) {
	q, st, _ := newTestQueue()
	ctx := context.Background()

	q.SetBlock(BlockContext{Height: 3})
	q.Add(AccountCreate{AccountID: "0xa", Address: "0xA"})
	q.Add(ContractCreate{ContractID: "0xc", Address: "0xC"})
	q.Add(TokenCreate{TokenID: "0xc-t", ContractID: "0xc", Type: models.StandardERC20})
	q.Add(BalanceCreate{BalanceID: "0xa-0xc-t", AccountID: "0xa", TokenID: "0xc-t"})
	q.Add(BalanceChange{BalanceID: "0xa-0xc-t", Amount: big10("100")})
	require.NoError(t, q.Process(ctx))

	balance, err := st.GetBalance(ctx, "0xa-0xc-t")
	require.NoError(t, err)
	require.NotNil(t, balance)
	assert.Equal(t, "100", balance.Value.String())

	// 扣减到零删除持仓记录
	q.Add(BalanceChange{BalanceID: "0xa-0xc-t", Amount: big10("-100")})
	require.NoError(t, q.Process(ctx))

	balance, err = st.GetBalance(ctx, "0xa-0xc-t")
	require.NoError(t, err)
	assert.Nil(t, balance)

	// 再次入账重建新记录
	q.Add(BalanceCreate{BalanceID: "0xa-0xc-t", AccountID: "0xa", TokenID: "0xc-t"})
	q.Add(BalanceChange{BalanceID: "0xa-0xc-t", Amount: big10("30")})
	require.NoError(t, q.Process(ctx))

	balance, err = st.GetBalance(ctx, "0xa-0xc-t")
	require.NoError(t, err)
	require.NotNil(t, balance)
	assert.Equal(t, "30", balance.Value.String())
}

func TestBalanceChangeBelowZeroAlsoRemoves(t *testing.T) {
	q, st, _ := newTestQueue()
	ctx := context.Background()

	q.SetBlock(BlockContext{Height: 4})
	q.Add(AccountCreate{AccountID: "0xa", Address: "0xA"})
	q.Add(ContractCreate{ContractID: "0xc", Address: "0xC"})
	q.Add(TokenCreate{TokenID: "0xc-t", ContractID: "0xc", Type: models.StandardERC20})
	q.Add(BalanceCreate{BalanceID: "0xa-0xc-t", AccountID: "0xa", TokenID: "0xc-t"})
	q.Add(BalanceChange{BalanceID: "0xa-0xc-t", Amount: big10("10")})
	q.Add(BalanceChange{BalanceID: "0xa-0xc-t", Amount: big10("-25")})
	require.NoError(t, q.Process(ctx))

	// 负余额不落库，记录被删除
	balance, err := st.GetBalance(ctx, "0xa-0xc-t")
	require.NoError(t, err)
	assert.Nil(t, balance)
}

func TestApplyFailureAnnotatesContext(t *testing.T) {
	q, _, _ := newTestQueue()
	ctx := context.Background()

	q.SetBlock(BlockContext{Height: 42})
	q.SetTransaction("0xdead")
	q.Add(TokenMint{MintID: "m1", TokenID: "missing-token", Amount: big10("1")})

	err := q.Process(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsReferentialIntegrity(err))

	var re *errors.ReconcileError
	require.ErrorAs(t, err, &re)
	require.NotNil(t, re.BlockNumber)
	require.NotNil(t, re.TxHash)
	assert.Equal(t, uint64(42), *re.BlockNumber)
	assert.Equal(t, "0xdead", *re.TxHash)
}

func TestLazyFailureAnnotatesCapturedContext(t *testing.T) {
	q, _, _ := newTestQueue()
	ctx := context.Background()

	q.SetBlock(BlockContext{Height: 7})
	q.SetTransaction("0xt7")
	q.Lazy(func(ctx context.Context) error {
		return errors.NewReconcileError(errors.ErrorTypeProtocolViolation,
			errors.SeverityLow, "TEST_FAILURE", "决策失败")
	})

	err := q.Process(ctx)
	require.Error(t, err)

	var re *errors.ReconcileError
	require.ErrorAs(t, err, &re)
	require.NotNil(t, re.BlockNumber)
	require.NotNil(t, re.TxHash)
	assert.Equal(t, uint64(7), *re.BlockNumber)
	assert.Equal(t, "0xt7", *re.TxHash)
}
