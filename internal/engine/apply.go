package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"reconcile/internal/errors"
	"reconcile/pkg/models"
)

// apply 执行单个具体动作，按动作类型显式分派
// 所有读取走缓存存储，缺失的前置实体返回引用完整性错误
func (q *Queue) apply(ctx context.Context, e entry) error {
	switch a := e.action.(type) {
	case AccountCreate:
		q.store.InsertAccount(&models.Account{
			ID:      a.AccountID,
			Address: a.Address,
		})

	case ContractCreate:
		q.store.InsertContract(&models.Contract{
			ID:          a.ContractID,
			Address:     a.Address,
			TotalSupply: new(big.Int),
		})

	case TokenCreate:
		contract, err := q.store.GetContractOrFail(ctx, a.ContractID)
		if err != nil {
			return err
		}
		token := &models.Token{
			ID:         a.TokenID,
			ContractID: a.ContractID,
			Type:       a.Type,
			Supply:     new(big.Int),
		}
		if a.Index != nil {
			token.Index = new(big.Int).Set(a.Index)
		}
		q.store.InsertToken(token)
		// 合约接口集合记录出现过的代币标准，首次出现时追加
		if !contract.HasInterface(a.Type) {
			contract.Interfaces = append(contract.Interfaces, a.Type)
			q.store.UpsertContract(contract)
		}

	case TokenMint:
		token, err := q.store.GetTokenOrFail(ctx, a.TokenID)
		if err != nil {
			return err
		}
		contract, err := q.store.GetContractOrFail(ctx, token.ContractID)
		if err != nil {
			return err
		}
		token.Supply = new(big.Int).Add(token.Supply, a.Amount)
		q.store.UpsertToken(token)
		contract.TotalSupply = new(big.Int).Add(contract.TotalSupply, a.Amount)
		q.store.UpsertContract(contract)
		q.store.InsertMint(&models.Mint{
			ID:          a.MintID,
			BlockNumber: e.block.Height,
			Timestamp:   time.Unix(int64(e.block.Timestamp), 0),
			TxnHash:     e.txnHash(),
			ContractID:  token.ContractID,
			TokenID:     token.ID,
			Amount:      new(big.Int).Set(a.Amount),
		})

	case TokenBurn:
		token, err := q.store.GetTokenOrFail(ctx, a.TokenID)
		if err != nil {
			return err
		}
		contract, err := q.store.GetContractOrFail(ctx, token.ContractID)
		if err != nil {
			return err
		}
		token.Supply = new(big.Int).Sub(token.Supply, a.Amount)
		q.store.UpsertToken(token)
		contract.TotalSupply = new(big.Int).Sub(contract.TotalSupply, a.Amount)
		q.store.UpsertContract(contract)
		q.store.InsertBurn(&models.Burn{
			ID:          a.BurnID,
			BlockNumber: e.block.Height,
			Timestamp:   time.Unix(int64(e.block.Timestamp), 0),
			TxnHash:     e.txnHash(),
			ContractID:  token.ContractID,
			TokenID:     token.ID,
			Amount:      new(big.Int).Set(a.Amount),
		})

	case TokenTransfer:
		token, err := q.store.GetTokenOrFail(ctx, a.TokenID)
		if err != nil {
			return err
		}
		q.store.InsertTransfer(&models.Transfer{
			ID:          a.TransferID,
			BlockNumber: e.block.Height,
			Timestamp:   time.Unix(int64(e.block.Timestamp), 0),
			TxnHash:     e.txnHash(),
			ContractID:  token.ContractID,
			TokenID:     token.ID,
			FromID:      a.FromID,
			ToID:        a.ToID,
			Amount:      new(big.Int).Set(a.Amount),
		})

	case BalanceCreate:
		q.store.InsertBalance(&models.TokenBalance{
			ID:        a.BalanceID,
			AccountID: a.AccountID,
			TokenID:   a.TokenID,
			Value:     new(big.Int),
		})

	case BalanceChange:
		balance, err := q.store.GetBalanceOrFail(ctx, a.BalanceID)
		if err != nil {
			return err
		}
		next := new(big.Int).Add(balance.Value, a.Amount)
		if next.Sign() > 0 {
			balance.Value = next
			q.store.UpsertBalance(balance)
			return nil
		}
		// 非正余额不落库，记录直接删除，之后再入账会重建新记录
		if next.Sign() < 0 {
			q.logger.WithFields(logrus.Fields{
				"balance_id": a.BalanceID,
				"value":      next.String(),
				"block":      e.block.Height,
			}).Warn("余额扣减为负，按协议违规处理并删除持仓记录")
		}
		q.store.RemoveBalance(a.BalanceID)

	default:
		return errors.NewReconcileError(errors.ErrorTypeSystem, errors.SeverityHigh,
			"UNKNOWN_ACTION", fmt.Sprintf("未知动作类型: %T", e.action))
	}
	return nil
}
