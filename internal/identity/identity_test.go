package identity

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccountID(t *testing.T) {
	// 大小写不同的同一地址必须派生出相同标识
	mixed := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	upper := "0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED"
	lower := "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"

	assert.Equal(t, lower, AccountID(mixed))
	assert.Equal(t, AccountID(mixed), AccountID(upper))
	assert.Equal(t, AccountID(mixed), AccountID(lower))
}

func TestContractID(t *testing.T) {
	addr := "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", ContractID(addr))

	// 账户与合约共享同一个地址空间，派生规则一致
	assert.Equal(t, AccountID(addr), ContractID(addr))
}

func TestTokenID(t *testing.T) {
	contract := "0xBC4CA0EdA7647A8aB7C2061c2E118A18a936f13D"

	tests := []struct {
		name     string
		index    *big.Int
		expected string
	}{
		{
			name:     "fungible token without index",
			index:    nil,
			expected: "0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d",
		},
		{
			name:     "non-fungible token index 7",
			index:    big.NewInt(7),
			expected: "0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d-0000000007",
		},
		{
			name:     "index wider than padding",
			index:    must("123456789012345"),
			expected: "0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d-123456789012345",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, TokenID(contract, tt.index))
		})
	}
}

func TestTokenIDPaddingAvoidsCollision(t *testing.T) {
	contract := "0xBC4CA0EdA7647A8aB7C2061c2E118A18a936f13D"

	// 补零保证不同序号不会产生字典序前缀碰撞
	id5 := TokenID(contract, big.NewInt(5))
	id50 := TokenID(contract, big.NewInt(50))
	assert.NotEqual(t, id5, id50)

	// 同一(地址, 序号)始终派生相同标识
	assert.Equal(t, id5, TokenID(contract, big.NewInt(5)))
}

func TestBalanceID(t *testing.T) {
	account := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	contract := "0xBC4CA0EdA7647A8aB7C2061c2E118A18a936f13D"

	assert.Equal(t,
		"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed-0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d",
		BalanceID(account, contract, nil))
	assert.Equal(t,
		"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed-0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d-0000000007",
		BalanceID(account, contract, big.NewInt(7)))
}

func TestIsZeroAddress(t *testing.T) {
	assert.True(t, IsZeroAddress(ZeroAddress))
	assert.True(t, IsZeroAddress("0x0000000000000000000000000000000000000000"))
	assert.False(t, IsZeroAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"))
}

func must(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("invalid big int literal: " + s)
	}
	return v
}
