// Package identity 提供实体标识派生
// 纯函数、无IO，同一输入在进程重启后仍产生相同标识
package identity

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// TokenIndexWidth 代币序号的定宽十进制位数，补零后字典序与数值序一致
const TokenIndexWidth = 10

// ZeroAddress 空地址，表示铸造/销毁端点而非真实账户
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// Normalize 将地址规范化为校验和格式
func Normalize(address string) string {
	return common.HexToAddress(address).Hex()
}

// IsZeroAddress 判断是否为空地址
func IsZeroAddress(address string) bool {
	return common.HexToAddress(address) == (common.Address{})
}

// AccountID 从账户地址派生账户标识
func AccountID(address string) string {
	return strings.ToLower(Normalize(address))
}

// ContractID 从合约地址派生合约标识
func ContractID(address string) string {
	return strings.ToLower(Normalize(address))
}

// TokenID 从合约地址派生代币标识
// index仅对非同质化代币存在，渲染为定宽补零的十进制后缀
func TokenID(contractAddress string, index *big.Int) string {
	id := ContractID(contractAddress)
	if index != nil {
		id += "-" + PadIndex(index)
	}
	return id
}

// BalanceID 从账户地址和代币标识派生持仓标识
func BalanceID(accountAddress, contractAddress string, index *big.Int) string {
	return AccountID(accountAddress) + "-" + TokenID(contractAddress, index)
}

// PadIndex 将代币序号渲染为定宽补零的十进制字符串
func PadIndex(index *big.Int) string {
	return fmt.Sprintf("%0*s", TokenIndexWidth, index.String())
}
