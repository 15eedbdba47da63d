package engine

import (
	"math/big"

	"reconcile/pkg/models"
)

// Action 具名的状态变更单元
// 种类集合是封闭的，执行时在apply里对具体类型做显式分派
type Action interface {
	kind() string
}

// AccountCreate 创建账户，调用方保证已确认不存在
type AccountCreate struct {
	AccountID string
	Address   string
}

func (AccountCreate) kind() string { return "account_create" }

// ContractCreate 创建合约，接口集合为空、供给量为零
type ContractCreate struct {
	ContractID string
	Address    string
}

func (ContractCreate) kind() string { return "contract_create" }

// TokenCreate 创建代币，要求所属合约已可解析
type TokenCreate struct {
	TokenID    string
	ContractID string
	Type       models.TokenStandard
	Index      *big.Int // 仅非同质化代币存在
}

func (TokenCreate) kind() string { return "token_create" }

// TokenMint 铸造：代币供给量与合约总供给量同批增加，并写入铸造记录
type TokenMint struct {
	MintID  string
	TokenID string
	Amount  *big.Int
}

func (TokenMint) kind() string { return "token_mint" }

// TokenBurn 销毁：代币供给量与合约总供给量同批减少，并写入销毁记录
type TokenBurn struct {
	BurnID  string
	TokenID string
	Amount  *big.Int
}

func (TokenBurn) kind() string { return "token_burn" }

// TokenTransfer 写入转账历史记录，本身不移动持仓
type TokenTransfer struct {
	TransferID string
	TokenID    string
	FromID     string
	ToID       string
	Amount     *big.Int
}

func (TokenTransfer) kind() string { return "token_transfer" }

// BalanceCreate 创建零值持仓，调用方保证已确认不存在
type BalanceCreate struct {
	BalanceID string
	AccountID string
	TokenID   string
}

func (BalanceCreate) kind() string { return "balance_create" }

// BalanceChange 按带符号的金额调整持仓
// 结果小于等于零时删除持仓记录，不保留非正余额
type BalanceChange struct {
	BalanceID string
	Amount    *big.Int
}

func (BalanceChange) kind() string { return "balance_change" }
