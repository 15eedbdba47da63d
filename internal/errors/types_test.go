package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReconcileErrorError(t *testing.T) {
	err := NewReconcileError(ErrorTypeStore, SeverityHigh, "STORE_FLUSH_FAILED", "持久化批量变更失败")
	assert.Contains(t, err.Error(), "STORE_FLUSH_FAILED")
	assert.Contains(t, err.Error(), "持久化批量变更失败")

	// 标注上下文后错误信息携带区块和交易
	err.WithBlockNumber(18000000).WithTxHash("0xabc")
	assert.Contains(t, err.Error(), "block=18000000")
	assert.Contains(t, err.Error(), "tx=0xabc")
}

func TestWrapErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := WrapError(cause, ErrorTypeTransport, SeverityHigh, "RPC_FAILED", "RPC调用失败")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestDetermineRecoverable(t *testing.T) {
	tests := []struct {
		name        string
		errorType   ErrorType
		recoverable bool
	}{
		{"decode shape mismatch is recoverable", ErrorTypeDecodeShape, true},
		{"protocol violation is recoverable", ErrorTypeProtocolViolation, true},
		{"referential integrity aborts the run", ErrorTypeReferentialIntegrity, false},
		{"store failure aborts the run", ErrorTypeStore, false},
		{"transport failure aborts the run", ErrorTypeTransport, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewReconcileError(tt.errorType, SeverityMedium, "TEST", "测试")
			assert.Equal(t, tt.recoverable, err.IsRecoverable())
		})
	}
}

func TestIsDecodeShape(t *testing.T) {
	assert.True(t, IsDecodeShape(ErrDecodeShapeMismatch))
	assert.False(t, IsDecodeShape(NewEntityNotFound("token", "0xabc")))
	assert.False(t, IsDecodeShape(stderrors.New("plain error")))

	// 包装后依然可以识别
	wrapped := fmt.Errorf("decode failed: %w", ErrDecodeShapeMismatch)
	assert.True(t, IsDecodeShape(wrapped))
}

func TestNewEntityNotFound(t *testing.T) {
	err := NewEntityNotFound("token", "0xc1-0000000007")

	assert.True(t, IsReferentialIntegrity(err))
	assert.False(t, err.IsRecoverable())
	assert.Contains(t, err.Error(), "token")
	assert.Contains(t, err.Error(), "0xc1-0000000007")
	assert.Equal(t, "token", err.Context["entity_kind"])
}

func TestAnnotate(t *testing.T) {
	// 普通错误被包装并标注
	plain := stderrors.New("boom")
	annotated := Annotate(plain, 100, "0xdead")

	var re *ReconcileError
	assert.True(t, stderrors.As(annotated, &re))
	assert.Equal(t, uint64(100), *re.BlockNumber)
	assert.Equal(t, "0xdead", *re.TxHash)
	assert.ErrorIs(t, annotated, plain)
}

func TestAnnotateKeepsInnerContext(t *testing.T) {
	// 嵌套惰性动作的错误保留最内层的归属上下文
	inner := NewEntityNotFound("contract", "0xc1").WithBlockNumber(50).WithTxHash("0xinner")

	annotated := Annotate(inner, 100, "0xouter")

	var re *ReconcileError
	assert.True(t, stderrors.As(annotated, &re))
	assert.Equal(t, uint64(50), *re.BlockNumber)
	assert.Equal(t, "0xinner", *re.TxHash)
}

func TestAnnotateNil(t *testing.T) {
	assert.NoError(t, Annotate(nil, 100, "0xabc"))
}

func TestErrorStatsRecord(t *testing.T) {
	stats := NewErrorStats()

	stats.RecordError(NewReconcileError(ErrorTypeStore, SeverityHigh, "A", "a"))
	stats.RecordError(NewReconcileError(ErrorTypeStore, SeverityHigh, "B", "b"))
	stats.RecordError(NewReconcileError(ErrorTypeDecodeShape, SeverityLow, "C", "c"))

	assert.Equal(t, 3, stats.TotalErrors)
	assert.Equal(t, 2, stats.ErrorsByType[ErrorTypeStore])
	assert.Equal(t, 1, stats.ErrorsByType[ErrorTypeDecodeShape])
	assert.Equal(t, "C", stats.LastError.Code)
}
