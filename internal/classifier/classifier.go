// Package classifier 负责Transfer日志的标准判别与解码
//
// ERC-20和ERC-721的Transfer事件共享同一个topic签名，但参数形状不同：
// ERC-20的value不做索引（3个topic + 32字节data），ERC-721的tokenId做索引
// （4个topic + 空data）。判别以结构形状为先，形状判别不可用时先按ERC-721
// 尝试解码，解码形状错误再回退到ERC-20。
package classifier

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"reconcile/internal/errors"
	"reconcile/pkg/models"
)

// TransferTopic Transfer(address,address,uint256)的事件签名topic
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// erc20DataArgs ERC-20 Transfer事件data段的参数布局（非索引的value）
var erc20DataArgs = abi.Arguments{
	{Name: "value", Type: mustNewType("uint256")},
}

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("classifier: 构造ABI类型 %s 失败: %v", t, err))
	}
	return typ
}

// TransferEvent 解码后的Transfer事件
type TransferEvent struct {
	Standard models.TokenStandard
	From     common.Address
	To       common.Address
	Amount   *big.Int // ERC-721固定为1
	TokenID  *big.Int // 仅ERC-721存在
}

// Classifier Transfer日志分类器
type Classifier struct {
	logger *logrus.Logger
}

// NewClassifier 创建分类器
func NewClassifier(logger *logrus.Logger) *Classifier {
	return &Classifier{logger: logger}
}

// IsTransfer 判断日志的事件签名是否为Transfer
func IsTransfer(log *models.EventLog) bool {
	return len(log.Topics) > 0 && log.Topics[0] == TransferTopic.Hex()
}

// Classify 判别并解码一条Transfer日志
//
// topic数量是首要判别依据：4个topic视为ERC-721，3个topic且data为32字节
// 视为ERC-20。形状不落在这两种情况时退化为先试ERC-721、失败再试ERC-20。
// 两种标准都解不开时返回分类错误，调用方跳过该日志并带上下文上报，不中止运行。
func (c *Classifier) Classify(log *models.EventLog) (*TransferEvent, error) {
	switch {
	case len(log.Topics) == 4:
		return decodeERC721(log)
	case len(log.Topics) == 3 && len(log.Data) == 32:
		return decodeERC20(log)
	}

	c.logger.WithFields(logrus.Fields{
		"log_id": log.ID,
		"topics": len(log.Topics),
	}).Debug("结构判别不可用，按ERC-721优先尝试解码")

	event, err := decodeERC721(log)
	if err == nil {
		return event, nil
	}
	if !errors.IsDecodeShape(err) {
		return nil, err
	}

	event, err = decodeERC20(log)
	if err == nil {
		return event, nil
	}
	if !errors.IsDecodeShape(err) {
		return nil, err
	}

	return nil, errors.NewReconcileError(
		errors.ErrorTypeClassification,
		errors.SeverityLow,
		"UNCLASSIFIABLE_LOG",
		"两种标准均无法解码该日志",
	).WithContext("log_id", log.ID).WithContext("topics", len(log.Topics))
}

// decodeERC20 按ERC-20形状解码：from/to做索引，value在data段
func decodeERC20(log *models.EventLog) (*TransferEvent, error) {
	if len(log.Topics) != 3 {
		return nil, shapeError("erc20", fmt.Sprintf("期望3个topic，实际%d个", len(log.Topics)))
	}
	if len(log.Data) != 32 {
		return nil, shapeError("erc20", fmt.Sprintf("期望32字节data，实际%d字节", len(log.Data)))
	}

	values, err := erc20DataArgs.Unpack(log.Data)
	if err != nil {
		return nil, shapeError("erc20", err.Error())
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, shapeError("erc20", "value参数不是uint256")
	}

	return &TransferEvent{
		Standard: models.StandardERC20,
		From:     topicAddress(log.Topics[1]),
		To:       topicAddress(log.Topics[2]),
		Amount:   amount,
	}, nil
}

// decodeERC721 按ERC-721形状解码：from/to/tokenId全部做索引，data为空
func decodeERC721(log *models.EventLog) (*TransferEvent, error) {
	if len(log.Topics) != 4 {
		return nil, shapeError("erc721", fmt.Sprintf("期望4个topic，实际%d个", len(log.Topics)))
	}
	if len(log.Data) != 0 {
		return nil, shapeError("erc721", fmt.Sprintf("期望空data，实际%d字节", len(log.Data)))
	}

	tokenID := new(big.Int).SetBytes(common.HexToHash(log.Topics[3]).Bytes())

	return &TransferEvent{
		Standard: models.StandardERC721,
		From:     topicAddress(log.Topics[1]),
		To:       topicAddress(log.Topics[2]),
		Amount:   big.NewInt(1),
		TokenID:  tokenID,
	}, nil
}

// topicAddress 从32字节topic中截取地址
func topicAddress(topic string) common.Address {
	return common.BytesToAddress(common.HexToHash(topic).Bytes())
}

// shapeError 构造解码形状错误，与业务错误区分，触发分类回退而非中止
func shapeError(standard, detail string) error {
	return errors.NewReconcileError(
		errors.ErrorTypeDecodeShape,
		errors.SeverityLow,
		"DECODE_SHAPE_MISMATCH",
		fmt.Sprintf("按%s解码失败: %s", standard, detail),
	)
}
