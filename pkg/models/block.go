package models

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
)

// Block 区块数据模型，仅保留对账所需的头部字段和有序日志列表
type Block struct {
	Number    uint64      `json:"block_number"`
	Hash      string      `json:"hash"`
	Timestamp time.Time   `json:"timestamp"`
	Logs      []*EventLog `json:"logs"`
}

// FromEthereumHeader 从以太坊区块头转换为内部模型
func (b *Block) FromEthereumHeader(header *types.Header) {
	if header == nil {
		return
	}

	b.Number = header.Number.Uint64()
	b.Hash = header.Hash().Hex()
	b.Timestamp = time.Unix(int64(header.Time), 0)
}

// EventLog 合约事件日志模型
type EventLog struct {
	ID              string   `json:"id"` // 跨区块唯一的日志标识
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            []byte   `json:"data"`
	BlockNumber     uint64   `json:"block_number"`
	TransactionHash string   `json:"transaction_hash"`
	LogIndex        uint     `json:"log_index"`
}

// FromEthereumLog 从以太坊日志转换为内部模型
func (l *EventLog) FromEthereumLog(log *types.Log) {
	if log == nil {
		return
	}

	l.ID = EventLogID(log.BlockNumber, log.Index)
	l.Address = log.Address.Hex()
	l.Topics = make([]string, 0, len(log.Topics))
	for _, topic := range log.Topics {
		l.Topics = append(l.Topics, topic.Hex())
	}
	l.Data = log.Data
	l.BlockNumber = log.BlockNumber
	l.TransactionHash = log.TxHash.Hex()
	l.LogIndex = log.Index
}

// EventLogID 生成日志的稳定标识，区块号和日志序号定宽编码保证字典序与数值序一致
func EventLogID(blockNumber uint64, logIndex uint) string {
	return fmt.Sprintf("%010d-%06d", blockNumber, logIndex)
}
