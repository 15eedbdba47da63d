package validation

import (
	"fmt"
	"regexp"
	"strings"

	"reconcile/internal/errors"
	"reconcile/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Validator 数据验证器
//
// 对账前对拉取到的区块和日志做格式预校验。宽松模式下无效数据仅记录
// 并跳过；严格模式下由调用方决定是否中止。
type Validator struct {
	logger       *logrus.Logger
	strictMode   bool // 严格模式
	errorHandler *errors.ErrorHandler
	rules        map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                     `json:"valid"`
	Errors   []*errors.ReconcileError `json:"errors,omitempty"`
	Warnings []string                 `json:"warnings,omitempty"`
	DataType string                   `json:"data_type"`
}

// NewValidator 创建数据验证器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	v := &Validator{
		logger:       logger,
		strictMode:   strictMode,
		errorHandler: errors.NewErrorHandler(logger),
		rules:        make(map[string]ValidationRule),
	}

	// 注册默认验证规则
	v.registerDefaultRules()

	return v
}

// registerDefaultRules 注册默认验证规则
func (v *Validator) registerDefaultRules() {
	// 日志验证规则
	v.AddRule(NewEventLogValidationRule())

	// 地址验证规则
	v.AddRule(NewAddressValidationRule())

	// 哈希验证规则
	v.AddRule(NewHashValidationRule())
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// ValidateBlock 验证区块数据
func (v *Validator) ValidateBlock(block *models.Block) *ValidationResult {
	if block == nil {
		return &ValidationResult{
			Valid: false,
			Errors: []*errors.ReconcileError{errors.NewReconcileError(
				errors.ErrorTypeValidation, errors.SeverityMedium,
				"EMPTY_BLOCK", "区块为空")},
			DataType: "block",
		}
	}

	result := &ValidationResult{
		Valid:    true,
		DataType: "block",
		Errors:   make([]*errors.ReconcileError, 0),
		Warnings: make([]string, 0),
	}

	// 验证哈希格式
	if !isValidHash(block.Hash) {
		result.Valid = false
		result.Errors = append(result.Errors,
			errors.NewReconcileError(errors.ErrorTypeValidation, errors.SeverityHigh,
				"INVALID_BLOCK_HASH", "区块哈希格式无效").WithBlockNumber(block.Number))
	}

	// 验证时间戳
	if block.Timestamp.IsZero() {
		result.Valid = false
		result.Errors = append(result.Errors,
			errors.NewReconcileError(errors.ErrorTypeValidation, errors.SeverityMedium,
				"INVALID_TIMESTAMP", "区块时间戳无效").WithBlockNumber(block.Number))
	}

	// 验证日志的归属与排序，顺序处理的正确性依赖日志按log_index升序
	v.validateLogOrdering(block, result)

	return result
}

// validateLogOrdering 验证区块内日志的归属与顺序
func (v *Validator) validateLogOrdering(block *models.Block, result *ValidationResult) {
	var lastIndex uint
	for i, log := range block.Logs {
		if log == nil {
			result.Valid = false
			result.Errors = append(result.Errors,
				errors.NewReconcileError(errors.ErrorTypeValidation, errors.SeverityHigh,
					"NIL_LOG", fmt.Sprintf("区块内第%d条日志为空", i)).WithBlockNumber(block.Number))
			continue
		}

		if log.BlockNumber != block.Number {
			result.Valid = false
			result.Errors = append(result.Errors,
				errors.NewReconcileError(errors.ErrorTypeValidation, errors.SeverityHigh,
					"LOG_BLOCK_MISMATCH",
					fmt.Sprintf("日志 %s 归属区块 %d，与所在区块 %d 不一致", log.ID, log.BlockNumber, block.Number)).
					WithBlockNumber(block.Number))
		}

		if i > 0 && log.LogIndex <= lastIndex {
			result.Valid = false
			result.Errors = append(result.Errors,
				errors.NewReconcileError(errors.ErrorTypeValidation, errors.SeverityHigh,
					"LOG_ORDER_VIOLATION",
					fmt.Sprintf("日志 %s 的log_index未按升序排列", log.ID)).
					WithBlockNumber(block.Number))
		}
		lastIndex = log.LogIndex
	}
}

// ValidateEventLog 验证事件日志数据
func (v *Validator) ValidateEventLog(log *models.EventLog) *ValidationResult {
	if log == nil {
		return &ValidationResult{
			Valid: false,
			Errors: []*errors.ReconcileError{errors.NewReconcileError(
				errors.ErrorTypeValidation, errors.SeverityMedium,
				"EMPTY_LOG", "日志为空")},
			DataType: "event_log",
		}
	}

	result := &ValidationResult{
		Valid:    true,
		DataType: "event_log",
		Errors:   make([]*errors.ReconcileError, 0),
		Warnings: make([]string, 0),
	}

	// 验证交易哈希
	if !isValidHash(log.TransactionHash) {
		result.Valid = false
		result.Errors = append(result.Errors,
			errors.NewReconcileError(errors.ErrorTypeValidation, errors.SeverityHigh,
				"INVALID_TX_HASH", "交易哈希格式无效").WithTxHash(log.TransactionHash))
	}

	// 验证合约地址
	if !isValidAddress(log.Address) || log.Address == "" {
		result.Valid = false
		result.Errors = append(result.Errors,
			errors.NewReconcileError(errors.ErrorTypeValidation, errors.SeverityHigh,
				"INVALID_CONTRACT_ADDRESS", "合约地址格式无效").WithTxHash(log.TransactionHash))
	}

	// 验证主题
	for i, topic := range log.Topics {
		if !isValidHash(topic) {
			result.Valid = false
			result.Errors = append(result.Errors,
				errors.NewReconcileError(errors.ErrorTypeValidation, errors.SeverityMedium,
					"INVALID_TOPIC", fmt.Sprintf("主题%d格式无效", i)).WithTxHash(log.TransactionHash))
		}
	}

	// 执行扩展验证规则
	if rule, exists := v.rules["event_log"]; exists {
		if err := rule.Validate(log); err != nil {
			result.Valid = false
			if reconcileErr, ok := err.(*errors.ReconcileError); ok {
				result.Errors = append(result.Errors, reconcileErr.WithBlockNumber(log.BlockNumber))
			} else {
				result.Errors = append(result.Errors, errors.WrapError(err,
					errors.ErrorTypeValidation, errors.SeverityMedium,
					"LOG_RULE_VALIDATION_FAILED", "日志规则验证失败").WithBlockNumber(log.BlockNumber))
			}
		}
	}

	return result
}

// isValidHash 验证哈希格式
func isValidHash(hash string) bool {
	if len(hash) != 66 { // 0x + 64 hex chars
		return false
	}
	if !strings.HasPrefix(hash, "0x") {
		return false
	}

	hashRegex := regexp.MustCompile("^0x[0-9a-fA-F]{64}$")
	return hashRegex.MatchString(hash)
}

// isValidAddress 验证地址格式
func isValidAddress(addr string) bool {
	if addr == "" {
		return true // 空地址在某些情况下是有效的
	}

	// 检查是否以0x开头并且长度为42
	if !strings.HasPrefix(addr, "0x") {
		return false
	}

	return common.IsHexAddress(addr)
}

// EventLogValidationRule 事件日志验证规则
type EventLogValidationRule struct{}

func NewEventLogValidationRule() *EventLogValidationRule {
	return &EventLogValidationRule{}
}

func (r *EventLogValidationRule) Name() string {
	return "event_log"
}

func (r *EventLogValidationRule) Description() string {
	return "事件日志数据验证规则"
}

func (r *EventLogValidationRule) Validate(data interface{}) error {
	log, ok := data.(*models.EventLog)
	if !ok {
		return fmt.Errorf("数据类型不是事件日志")
	}

	// 验证主题数量
	if len(log.Topics) > 4 { // Solidity事件最多4个indexed参数
		return errors.NewReconcileError(errors.ErrorTypeValidation, errors.SeverityMedium,
			"TOO_MANY_TOPICS", "日志主题数量过多")
	}

	// 验证日志ID，定宽编码保证按ID排序即按链上顺序排序
	if log.ID != models.EventLogID(log.BlockNumber, log.LogIndex) {
		return errors.NewReconcileError(errors.ErrorTypeValidation, errors.SeverityMedium,
			"INVALID_LOG_ID", "日志ID与区块号和日志序号不匹配")
	}

	return nil
}

// AddressValidationRule 地址验证规则
type AddressValidationRule struct{}

func NewAddressValidationRule() *AddressValidationRule {
	return &AddressValidationRule{}
}

func (r *AddressValidationRule) Name() string {
	return "address"
}

func (r *AddressValidationRule) Description() string {
	return "以太坊地址验证规则"
}

func (r *AddressValidationRule) Validate(data interface{}) error {
	addr, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if !isValidAddress(addr) {
		return errors.NewReconcileError(errors.ErrorTypeValidation, errors.SeverityHigh,
			"INVALID_ADDRESS_FORMAT", "地址格式无效")
	}

	return nil
}

// HashValidationRule 哈希验证规则
type HashValidationRule struct{}

func NewHashValidationRule() *HashValidationRule {
	return &HashValidationRule{}
}

func (r *HashValidationRule) Name() string {
	return "hash"
}

func (r *HashValidationRule) Description() string {
	return "哈希值验证规则"
}

func (r *HashValidationRule) Validate(data interface{}) error {
	hash, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if !isValidHash(hash) {
		return errors.NewReconcileError(errors.ErrorTypeValidation, errors.SeverityHigh,
			"INVALID_HASH_FORMAT", "哈希格式无效")
	}

	return nil
}

// GetValidationStats 获取验证统计信息
func (v *Validator) GetValidationStats() map[string]interface{} {
	return map[string]interface{}{
		"strict_mode":      v.strictMode,
		"registered_rules": len(v.rules),
		"error_stats":      v.errorHandler.GetStats(),
	}
}

// IsStrict 是否处于严格模式
func (v *Validator) IsStrict() bool {
	return v.strictMode
}

// SetStrictMode 设置严格模式
func (v *Validator) SetStrictMode(strict bool) {
	v.strictMode = strict
	v.logger.Infof("验证器严格模式设置为: %t", strict)
}
