package errors

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors      int                   `json:"total_errors"`
	ErrorsByType     map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity map[ErrorSeverity]int `json:"errors_by_severity"`
	RecentErrors     []*ReconcileError     `json:"recent_errors"`
	LastError        *ReconcileError       `json:"last_error"`
	LastErrorTime    time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:     make(map[ErrorType]int),
		ErrorsBySeverity: make(map[ErrorSeverity]int),
		RecentErrors:     make([]*ReconcileError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *ReconcileError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
	es.ErrorsBySeverity[err.Severity]++

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// ErrorHandler 错误处理器
// 对账引擎没有批内重试策略，这里只负责统计和按严重级别落日志
type ErrorHandler struct {
	logger *logrus.Logger
	stats  *ErrorStats
	mu     sync.RWMutex
}

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger: logger,
		stats:  NewErrorStats(),
	}
}

// Handle 处理错误：记录统计并落日志，原样返回
func (eh *ErrorHandler) Handle(err error) error {
	if err == nil {
		return nil
	}

	reconcileErr, ok := err.(*ReconcileError)
	if !ok {
		reconcileErr = WrapError(err, ErrorTypeSystem, SeverityMedium, "UNKNOWN_ERROR", "未知错误")
	}

	eh.mu.Lock()
	eh.stats.RecordError(reconcileErr)
	eh.mu.Unlock()

	entry := eh.logger.WithFields(logrus.Fields{
		"error_type":  reconcileErr.Type.String(),
		"error_code":  reconcileErr.Code,
		"recoverable": reconcileErr.Recoverable,
	})
	if reconcileErr.BlockNumber != nil {
		entry = entry.WithField("block_number", *reconcileErr.BlockNumber)
	}
	if reconcileErr.TxHash != nil {
		entry = entry.WithField("tx_hash", *reconcileErr.TxHash)
	}

	switch reconcileErr.Severity {
	case SeverityLow:
		entry.Debug(reconcileErr.Message)
	case SeverityMedium:
		entry.Warn(reconcileErr.Message)
	default:
		entry.Error(reconcileErr.Message)
	}

	return err
}

// GetStats 获取错误统计信息
func (eh *ErrorHandler) GetStats() *ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()
	return eh.stats
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}
