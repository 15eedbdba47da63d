package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 解码相关错误
	ErrorTypeDecodeShape ErrorType = iota // 日志形状与尝试的标准不匹配，可回退
	ErrorTypeClassification

	// 对账相关错误
	ErrorTypeReferentialIntegrity // 引用了不存在的实体，说明上游数据或排序有缺陷
	ErrorTypeProtocolViolation    // 不合规代币行为，记录后继续

	// 存储与传输错误
	ErrorTypeStore
	ErrorTypeTransport
	ErrorTypeTimeout
	ErrorTypeRateLimit

	// 系统相关错误
	ErrorTypeConfig
	ErrorTypeValidation
	ErrorTypeSystem
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// ReconcileError 自定义错误类型
// 携带区块高度和交易哈希上下文，便于定位失败批次中的具体动作
type ReconcileError struct {
	Type        ErrorType              `json:"type"`
	Severity    ErrorSeverity          `json:"severity"`
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	Timestamp   time.Time              `json:"timestamp"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Cause       error                  `json:"cause,omitempty"`
	Recoverable bool                   `json:"recoverable"`
	BlockNumber *uint64                `json:"block_number,omitempty"`
	TxHash      *string                `json:"tx_hash,omitempty"`
}

// Error 实现error接口
func (e *ReconcileError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.BlockNumber != nil {
		msg += fmt.Sprintf(" (block=%d", *e.BlockNumber)
		if e.TxHash != nil {
			msg += fmt.Sprintf(" tx=%s", *e.TxHash)
		}
		msg += ")"
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

// Unwrap 支持errors.Unwrap
func (e *ReconcileError) Unwrap() error {
	return e.Cause
}

// IsRecoverable 判断是否可在本批次内恢复
func (e *ReconcileError) IsRecoverable() bool {
	return e.Recoverable
}

// HasBlockContext 判断是否已标注区块上下文
func (e *ReconcileError) HasBlockContext() bool {
	return e.BlockNumber != nil
}

// WithContext 添加上下文信息
func (e *ReconcileError) WithContext(key string, value interface{}) *ReconcileError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithBlockNumber 添加区块号
func (e *ReconcileError) WithBlockNumber(blockNumber uint64) *ReconcileError {
	e.BlockNumber = &blockNumber
	return e
}

// WithTxHash 添加交易哈希
func (e *ReconcileError) WithTxHash(txHash string) *ReconcileError {
	e.TxHash = &txHash
	return e
}

// NewReconcileError 创建新的错误
func NewReconcileError(errorType ErrorType, severity ErrorSeverity, code, message string) *ReconcileError {
	return &ReconcileError{
		Type:        errorType,
		Severity:    severity,
		Code:        code,
		Message:     message,
		Timestamp:   time.Now(),
		Recoverable: determineRecoverable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *ReconcileError {
	return &ReconcileError{
		Type:        errorType,
		Severity:    severity,
		Code:        code,
		Message:     message,
		Timestamp:   time.Now(),
		Cause:       err,
		Recoverable: determineRecoverable(errorType),
	}
}

// determineRecoverable 根据错误类型判断能否在批次内恢复
// 解码形状不匹配触发分类回退，合规性违规仅记录，其余一律中止本次运行
func determineRecoverable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeDecodeShape, ErrorTypeProtocolViolation:
		return true
	default:
		return false
	}
}

// IsDecodeShape 判断是否为解码形状不匹配错误
func IsDecodeShape(err error) bool {
	var re *ReconcileError
	if errors.As(err, &re) {
		return re.Type == ErrorTypeDecodeShape
	}
	return false
}

// IsReferentialIntegrity 判断是否为引用完整性错误
func IsReferentialIntegrity(err error) bool {
	var re *ReconcileError
	if errors.As(err, &re) {
		return re.Type == ErrorTypeReferentialIntegrity
	}
	return false
}

// Annotate 为错误标注区块和交易上下文
// 已标注过的错误保持原有上下文不变，保证内层动作的归属优先
func Annotate(err error, blockNumber uint64, txHash string) error {
	if err == nil {
		return nil
	}

	var re *ReconcileError
	if errors.As(err, &re) {
		if !re.HasBlockContext() {
			re.WithBlockNumber(blockNumber)
			if txHash != "" {
				re.WithTxHash(txHash)
			}
		}
		return err
	}

	wrapped := WrapError(err, ErrorTypeSystem, SeverityHigh, "ACTION_FAILED", "动作执行失败").
		WithBlockNumber(blockNumber)
	if txHash != "" {
		wrapped.WithTxHash(txHash)
	}
	return wrapped
}

// 预定义错误
var (
	ErrDecodeShapeMismatch = NewReconcileError(
		ErrorTypeDecodeShape,
		SeverityLow,
		"DECODE_SHAPE_MISMATCH",
		"日志形状与事件参数布局不匹配",
	)

	ErrUnclassifiableLog = NewReconcileError(
		ErrorTypeClassification,
		SeverityLow,
		"UNCLASSIFIABLE_LOG",
		"两种标准均无法解码该日志",
	)

	ErrConfigInvalid = NewReconcileError(
		ErrorTypeConfig,
		SeverityCritical,
		"CONFIG_INVALID",
		"配置无效",
	)
)

// NewEntityNotFound 创建引用完整性错误
// getOrFail语义：被引用实体在声明预载后仍不存在，属于上游数据或排序缺陷
func NewEntityNotFound(kind, id string) *ReconcileError {
	return NewReconcileError(
		ErrorTypeReferentialIntegrity,
		SeverityHigh,
		"ENTITY_NOT_FOUND",
		fmt.Sprintf("%s %s 不存在", kind, id),
	).WithContext("entity_kind", kind).WithContext("entity_id", id)
}

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeDecodeShape:          "DecodeShape",
	ErrorTypeClassification:       "Classification",
	ErrorTypeReferentialIntegrity: "ReferentialIntegrity",
	ErrorTypeProtocolViolation:    "ProtocolViolation",
	ErrorTypeStore:                "Store",
	ErrorTypeTransport:            "Transport",
	ErrorTypeTimeout:              "Timeout",
	ErrorTypeRateLimit:            "RateLimit",
	ErrorTypeConfig:               "Config",
	ErrorTypeValidation:           "Validation",
	ErrorTypeSystem:               "System",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}
