package models

import (
	"math/big"
	"time"
)

// Transfer 转账历史记录，只追加不修改
type Transfer struct {
	ID          string    `json:"id"` // 源日志ID，链内全局唯一
	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`
	TxnHash     string    `json:"txn_hash,omitempty"`
	ContractID  string    `json:"contract_id"`
	TokenID     string    `json:"token_id"`
	FromID      string    `json:"from_id"`
	ToID        string    `json:"to_id"`
	Amount      *big.Int  `json:"amount"`
}

// Mint 铸造历史记录
type Mint struct {
	ID          string    `json:"id"`
	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`
	TxnHash     string    `json:"txn_hash,omitempty"`
	ContractID  string    `json:"contract_id"`
	TokenID     string    `json:"token_id"`
	Amount      *big.Int  `json:"amount"`
}

// Burn 销毁历史记录
type Burn struct {
	ID          string    `json:"id"`
	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`
	TxnHash     string    `json:"txn_hash,omitempty"`
	ContractID  string    `json:"contract_id"`
	TokenID     string    `json:"token_id"`
	Amount      *big.Int  `json:"amount"`
}
