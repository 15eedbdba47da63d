package models

import (
	"math/big"
)

// TokenStandard 代币标准标签
type TokenStandard string

const (
	StandardERC20  TokenStandard = "ERC20"
	StandardERC721 TokenStandard = "ERC721"
)

// String 返回标准的字符串表示
func (s TokenStandard) String() string {
	return string(s)
}

// Account 账户实体，创建后不再变更
type Account struct {
	ID      string `json:"id"`      // 规范化地址
	Address string `json:"address"` // 校验和格式地址
}

// Contract 合约实体
type Contract struct {
	ID          string          `json:"id"`
	Address     string          `json:"address"`
	TotalSupply *big.Int        `json:"total_supply"` // 概念上无符号，异常代币行为下可为负
	Interfaces  []TokenStandard `json:"interfaces"`   // 实现的标准集合，只增不减
}

// HasInterface 判断合约是否已记录某个标准
func (c *Contract) HasInterface(standard TokenStandard) bool {
	for _, i := range c.Interfaces {
		if i == standard {
			return true
		}
	}
	return false
}

// Token 代币实体
// ERC20合约对应单个Token，ERC721合约按token index逐个创建
type Token struct {
	ID         string        `json:"id"`
	ContractID string        `json:"contract_id"`
	Type       TokenStandard `json:"type"`
	Index      *big.Int      `json:"index,omitempty"` // 仅非同质化代币存在
	Supply     *big.Int      `json:"supply"`
}

// TokenBalance 账户持仓实体
// 首次入账时惰性创建，余额降到0及以下时删除，不保留零余额记录
type TokenBalance struct {
	ID        string   `json:"id"` // 账户ID + 代币ID
	AccountID string   `json:"account_id"`
	TokenID   string   `json:"token_id"`
	Value     *big.Int `json:"value"`
}
