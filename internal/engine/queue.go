package engine

import (
	"context"

	"github.com/sirupsen/logrus"

	"reconcile/internal/errors"
	"reconcile/internal/store"
)

// BlockContext 条目入队时所处的区块上下文
type BlockContext struct {
	Height    uint64
	Hash      string
	Timestamp uint64
}

// TxContext 条目入队时所处的交易上下文
type TxContext struct {
	Hash string
}

// LazyFunc 延迟决策函数，执行时缓存已经预加载完成
// 函数内追加的条目在返回后立即深度优先排空
type LazyFunc func(ctx context.Context) error

// entry 队列条目：具体动作或延迟决策，二者必居其一
// 入队时捕获当前区块/交易上下文，执行时原样恢复
type entry struct {
	action Action
	lazy   LazyFunc
	block  BlockContext
	txn    *TxContext
}

func (e entry) txnHash() string {
	if e.txn == nil {
		return ""
	}
	return e.txn.Hash
}

// Queue 对账动作队列
// 非并发安全，单协程内按入队顺序消费
type Queue struct {
	store   *store.Store
	logger  *logrus.Logger
	block   BlockContext
	txn     *TxContext
	entries []entry
}

// NewQueue 创建动作队列
func NewQueue(st *store.Store, logger *logrus.Logger) *Queue {
	return &Queue{
		store:  st,
		logger: logger,
	}
}

// SetBlock 进入新区块，交易上下文同时清空
func (q *Queue) SetBlock(block BlockContext) {
	q.block = block
	q.txn = nil
}

// SetTransaction 进入新交易
func (q *Queue) SetTransaction(hash string) {
	q.txn = &TxContext{Hash: hash}
}

// Add 追加具体动作，捕获当前上下文
func (q *Queue) Add(action Action) {
	q.entries = append(q.entries, entry{
		action: action,
		block:  q.block,
		txn:    q.txn,
	})
}

// Lazy 追加延迟决策，捕获当前上下文
func (q *Queue) Lazy(fn LazyFunc) {
	q.entries = append(q.entries, entry{
		lazy:  fn,
		block: q.block,
		txn:   q.txn,
	})
}

// Size 当前待执行条目数
func (q *Queue) Size() int {
	return len(q.entries)
}

// Process 排空队列
// 执行前必须完成声明键的批量预加载，否则延迟决策会逐条回源
// 任一条目失败立即停止，剩余条目保留在队列中
func (q *Queue) Process(ctx context.Context) error {
	for len(q.entries) > 0 {
		e := q.entries[0]
		q.entries = q.entries[1:]
		if err := q.run(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) run(ctx context.Context, e entry) error {
	if e.lazy != nil {
		return q.runLazy(ctx, e)
	}
	if err := q.apply(ctx, e); err != nil {
		return errors.Annotate(err, e.block.Height, e.txnHash())
	}
	return nil
}

// runLazy 执行延迟决策并深度优先排空其新产生的条目
// 执行期间恢复条目捕获的上下文，外层队列暂存，结束后还原
func (q *Queue) runLazy(ctx context.Context, e entry) error {
	savedBlock, savedTxn, savedEntries := q.block, q.txn, q.entries
	q.block, q.txn, q.entries = e.block, e.txn, nil
	defer func() {
		q.block, q.txn, q.entries = savedBlock, savedTxn, savedEntries
	}()

	if err := e.lazy(ctx); err != nil {
		return errors.Annotate(err, e.block.Height, e.txnHash())
	}

	for len(q.entries) > 0 {
		next := q.entries[0]
		q.entries = q.entries[1:]
		if err := q.run(ctx, next); err != nil {
			return err
		}
	}
	return nil
}
