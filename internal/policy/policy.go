// Package policy 实现按代币标准划分的对账决策
// 对每条已解码的转账事件：先声明全部实体键以便批量预加载，
// 再把创建/铸造/销毁/持仓变动决策以延迟条目入队，由引擎深度优先排空
package policy

import (
	"context"
	"math/big"

	"github.com/sirupsen/logrus"

	"reconcile/internal/classifier"
	"reconcile/internal/engine"
	"reconcile/internal/identity"
	"reconcile/internal/store"
	"reconcile/pkg/models"
)

// Policy 标准相关的对账决策逻辑
type Policy struct {
	store  *store.Store
	queue  *engine.Queue
	logger *logrus.Logger
}

// New 创建对账决策器
func New(st *store.Store, queue *engine.Queue, logger *logrus.Logger) *Policy {
	return &Policy{
		store:  st,
		queue:  queue,
		logger: logger,
	}
}

// Apply 处理一条已解码的转账事件
// 两端均为空地址的事件在入队前整体跳过，不产生任何状态变更
// logID同时作为转账记录和铸造/销毁记录的标识，不同实体种类互不冲突
func (p *Policy) Apply(logID, contractAddress string, event *classifier.TransferEvent) {
	from := event.From.Hex()
	to := event.To.Hex()

	if identity.IsZeroAddress(from) && identity.IsZeroAddress(to) {
		p.logger.WithFields(logrus.Fields{
			"log_id":   logID,
			"contract": contractAddress,
		}).Warn("转账两端均为空地址，协议违规，跳过该事件")
		return
	}

	isNFT := event.Standard == models.StandardERC721
	var index *big.Int
	amount := event.Amount
	if isNFT {
		index = event.TokenID
		amount = big.NewInt(1)
	}

	contractID := identity.ContractID(contractAddress)
	tokenID := identity.TokenID(contractAddress, index)
	fromID := identity.AccountID(from)
	toID := identity.AccountID(to)
	fromBalanceID := identity.BalanceID(from, contractAddress, index)
	toBalanceID := identity.BalanceID(to, contractAddress, index)

	// 声明本事件决策需要的全部键，预加载一次取回
	p.store.DeferContract(contractID)
	p.store.DeferToken(tokenID)
	p.store.DeferAccount(fromID)
	p.store.DeferAccount(toID)
	p.store.DeferBalance(fromBalanceID)
	p.store.DeferBalance(toBalanceID)

	// 代币不存在时按需创建，合约也不存在时先建合约
	p.queue.Lazy(func(ctx context.Context) error {
		token, err := p.store.GetToken(ctx, tokenID)
		if err != nil {
			return err
		}
		if token != nil {
			return nil
		}
		contract, err := p.store.GetContract(ctx, contractID)
		if err != nil {
			return err
		}
		if contract == nil {
			p.queue.Add(engine.ContractCreate{
				ContractID: contractID,
				Address:    identity.Normalize(contractAddress),
			})
		}
		p.queue.Add(engine.TokenCreate{
			TokenID:    tokenID,
			ContractID: contractID,
			Type:       event.Standard,
			Index:      index,
		})
		return nil
	})

	p.ensureAccount(fromID, from)
	p.ensureAccount(toID, to)

	if identity.IsZeroAddress(from) {
		p.queue.Add(engine.TokenMint{MintID: logID, TokenID: tokenID, Amount: amount})
	} else if isNFT {
		// 发送方非空但供给为零：链上合约未按标准从空地址铸造
		// 记为隐式铸造，此时发送方并不真正持有该代币，不做扣减
		p.queue.Lazy(func(ctx context.Context) error {
			token, err := p.store.GetTokenOrFail(ctx, tokenID)
			if err != nil {
				return err
			}
			if token.Supply.Sign() == 0 {
				p.logger.WithFields(logrus.Fields{
					"log_id": logID,
					"token":  tokenID,
					"from":   fromID,
				}).Warn("非空地址发出但代币供给为零，按隐式铸造处理")
				p.queue.Add(engine.TokenMint{MintID: logID, TokenID: tokenID, Amount: amount})
				return nil
			}
			return p.debitSender(ctx, logID, fromBalanceID, amount)
		})
	} else {
		p.queue.Lazy(func(ctx context.Context) error {
			return p.debitSender(ctx, logID, fromBalanceID, amount)
		})
	}

	if identity.IsZeroAddress(to) {
		p.queue.Add(engine.TokenBurn{BurnID: logID, TokenID: tokenID, Amount: amount})
	} else {
		p.queue.Lazy(func(ctx context.Context) error {
			balance, err := p.store.GetBalance(ctx, toBalanceID)
			if err != nil {
				return err
			}
			if balance == nil {
				p.queue.Add(engine.BalanceCreate{
					BalanceID: toBalanceID,
					AccountID: toID,
					TokenID:   tokenID,
				})
			}
			p.queue.Add(engine.BalanceChange{BalanceID: toBalanceID, Amount: amount})
			return nil
		})
	}

	// 历史转账记录恒定写入，与铸造/销毁分类无关
	p.queue.Add(engine.TokenTransfer{
		TransferID: logID,
		TokenID:    tokenID,
		FromID:     fromID,
		ToID:       toID,
		Amount:     amount,
	})
}

// debitSender 扣减发送方持仓
// 扣减方没有持仓记录时整体跳过扣减，不凭空产生负余额
func (p *Policy) debitSender(ctx context.Context, logID, balanceID string, amount *big.Int) error {
	balance, err := p.store.GetBalance(ctx, balanceID)
	if err != nil {
		return err
	}
	if balance == nil {
		p.logger.WithFields(logrus.Fields{
			"log_id":  logID,
			"balance": balanceID,
		}).Debug("扣减方无持仓记录，跳过扣减")
		return nil
	}
	p.queue.Add(engine.BalanceChange{
		BalanceID: balanceID,
		Amount:    new(big.Int).Neg(amount),
	})
	return nil
}

// ensureAccount 按需创建账户
// 空地址表示铸造/销毁端点而非真实账户，不做决策
func (p *Policy) ensureAccount(accountID, address string) {
	if identity.IsZeroAddress(address) {
		return
	}
	p.queue.Lazy(func(ctx context.Context) error {
		account, err := p.store.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if account == nil {
			p.queue.Add(engine.AccountCreate{
				AccountID: accountID,
				Address:   identity.Normalize(address),
			})
		}
		return nil
	})
}
