package validation

import (
	"testing"
	"time"

	"reconcile/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewValidator(t *testing.T) {
	logger := logrus.New()
	validator := NewValidator(logger, true)

	assert.NotNil(t, validator)
	assert.True(t, validator.strictMode)
	assert.NotNil(t, validator.rules)
	assert.Equal(t, 3, len(validator.rules)) // 默认注册的规则数量
}

func TestValidateBlock_ValidBlock(t *testing.T) {
	logger := logrus.New()
	validator := NewValidator(logger, false)

	block := &models.Block{
		Number:    1000,
		Hash:      "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
		Timestamp: time.Now(),
		Logs: []*models.EventLog{
			{
				ID:          models.EventLogID(1000, 0),
				BlockNumber: 1000,
				LogIndex:    0,
			},
			{
				ID:          models.EventLogID(1000, 3),
				BlockNumber: 1000,
				LogIndex:    3,
			},
		},
	}

	result := validator.ValidateBlock(block)

	assert.NotNil(t, result)
	assert.True(t, result.Valid)
	assert.Equal(t, "block", result.DataType)
	assert.Empty(t, result.Errors)
}

func TestValidateBlock_InvalidHash(t *testing.T) {
	logger := logrus.New()
	validator := NewValidator(logger, false)

	block := &models.Block{
		Number:    1000,
		Hash:      "invalid_hash", // 无效哈希
		Timestamp: time.Now(),
	}

	result := validator.ValidateBlock(block)

	assert.NotNil(t, result)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)
	assert.Equal(t, "INVALID_BLOCK_HASH", result.Errors[0].Code)
}

func TestValidateBlock_ZeroTimestamp(t *testing.T) {
	logger := logrus.New()
	validator := NewValidator(logger, false)

	block := &models.Block{
		Number: 1000,
		Hash:   "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
		// Timestamp 零值
	}

	result := validator.ValidateBlock(block)

	assert.NotNil(t, result)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)
	assert.Equal(t, "INVALID_TIMESTAMP", result.Errors[0].Code)
}

func TestValidateBlock_LogOrderViolation(t *testing.T) {
	logger := logrus.New()
	validator := NewValidator(logger, false)

	block := &models.Block{
		Number:    1000,
		Hash:      "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
		Timestamp: time.Now(),
		Logs: []*models.EventLog{
			{
				ID:          models.EventLogID(1000, 5),
				BlockNumber: 1000,
				LogIndex:    5,
			},
			{
				ID:          models.EventLogID(1000, 2), // 乱序
				BlockNumber: 1000,
				LogIndex:    2,
			},
		},
	}

	result := validator.ValidateBlock(block)

	assert.NotNil(t, result)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)
	assert.Equal(t, "LOG_ORDER_VIOLATION", result.Errors[0].Code)
}

func TestValidateBlock_LogBlockMismatch(t *testing.T) {
	logger := logrus.New()
	validator := NewValidator(logger, false)

	block := &models.Block{
		Number:    1000,
		Hash:      "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
		Timestamp: time.Now(),
		Logs: []*models.EventLog{
			{
				ID:          models.EventLogID(999, 0), // 归属其他区块
				BlockNumber: 999,
				LogIndex:    0,
			},
		},
	}

	result := validator.ValidateBlock(block)

	assert.NotNil(t, result)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)
	assert.Equal(t, "LOG_BLOCK_MISMATCH", result.Errors[0].Code)
}

func TestValidateBlock_NilBlock(t *testing.T) {
	logger := logrus.New()
	validator := NewValidator(logger, false)

	result := validator.ValidateBlock(nil)

	assert.NotNil(t, result)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)
	assert.Equal(t, "block", result.DataType)
}

func TestValidateEventLog_ValidLog(t *testing.T) {
	logger := logrus.New()
	validator := NewValidator(logger, false)

	log := &models.EventLog{
		ID:              models.EventLogID(1000, 0),
		TransactionHash: "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
		BlockNumber:     1000,
		Address:         "0x1234567890abcdef1234567890abcdef12345678",
		Topics: []string{
			"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
			"0x0000000000000000000000001234567890abcdef1234567890abcdef12345678",
			"0x000000000000000000000000abcdef1234567890abcdef1234567890abcdef12",
		},
		Data:     common.FromHex("0x0000000000000000000000000000000000000000000000000de0b6b3a7640000"),
		LogIndex: 0,
	}

	result := validator.ValidateEventLog(log)

	assert.NotNil(t, result)
	assert.True(t, result.Valid)
	assert.Equal(t, "event_log", result.DataType)
	assert.Empty(t, result.Errors)
}

func TestValidateEventLog_InvalidTopic(t *testing.T) {
	logger := logrus.New()
	validator := NewValidator(logger, false)

	log := &models.EventLog{
		ID:              models.EventLogID(1000, 0),
		TransactionHash: "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
		BlockNumber:     1000,
		Address:         "0x1234567890abcdef1234567890abcdef12345678",
		Topics: []string{
			"invalid_topic", // 无效主题
		},
		LogIndex: 0,
	}

	result := validator.ValidateEventLog(log)

	assert.NotNil(t, result)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)
	assert.Equal(t, "INVALID_TOPIC", result.Errors[0].Code)
}

func TestValidateEventLog_InvalidContractAddress(t *testing.T) {
	logger := logrus.New()
	validator := NewValidator(logger, false)

	log := &models.EventLog{
		ID:              models.EventLogID(1000, 0),
		TransactionHash: "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
		BlockNumber:     1000,
		Address:         "not_an_address",
		LogIndex:        0,
	}

	result := validator.ValidateEventLog(log)

	assert.NotNil(t, result)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)
	assert.Equal(t, "INVALID_CONTRACT_ADDRESS", result.Errors[0].Code)
}

func TestValidateEventLog_InvalidLogID(t *testing.T) {
	logger := logrus.New()
	validator := NewValidator(logger, false)

	log := &models.EventLog{
		ID:              "1000-0", // 未按定宽格式编码
		TransactionHash: "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
		BlockNumber:     1000,
		Address:         "0x1234567890abcdef1234567890abcdef12345678",
		LogIndex:        0,
	}

	result := validator.ValidateEventLog(log)

	assert.NotNil(t, result)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)
	assert.Equal(t, "INVALID_LOG_ID", result.Errors[0].Code)
}

func TestValidateEventLog_NilLog(t *testing.T) {
	logger := logrus.New()
	validator := NewValidator(logger, false)

	result := validator.ValidateEventLog(nil)

	assert.NotNil(t, result)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)
	assert.Equal(t, "event_log", result.DataType)
}

func TestIsValidHash(t *testing.T) {
	tests := []struct {
		name     string
		hash     string
		expected bool
	}{
		{
			name:     "valid hash",
			hash:     "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
			expected: true,
		},
		{
			name:     "invalid hash - no 0x prefix",
			hash:     "1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
			expected: false,
		},
		{
			name:     "invalid hash - too short",
			hash:     "0x123456",
			expected: false,
		},
		{
			name:     "invalid hash - too long",
			hash:     "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef12",
			expected: false,
		},
		{
			name:     "invalid hash - invalid characters",
			hash:     "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdeX",
			expected: false,
		},
		{
			name:     "empty hash",
			hash:     "",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isValidHash(tt.hash)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestIsValidAddress(t *testing.T) {
	tests := []struct {
		name     string
		address  string
		expected bool
	}{
		{
			name:     "valid address",
			address:  "0x1234567890abcdef1234567890abcdef12345678",
			expected: true,
		},
		{
			name:     "valid address - uppercase",
			address:  "0x1234567890ABCDEF1234567890ABCDEF12345678",
			expected: true,
		},
		{
			name:     "valid address - mixed case",
			address:  "0x1234567890AbCdEf1234567890aBcDeF12345678",
			expected: true,
		},
		{
			name:     "empty address",
			address:  "",
			expected: true, // 空地址在某些情况下是有效的
		},
		{
			name:     "invalid address - no 0x prefix",
			address:  "1234567890abcdef1234567890abcdef12345678",
			expected: false,
		},
		{
			name:     "invalid address - too short",
			address:  "0x123456",
			expected: false,
		},
		{
			name:     "invalid address - too long",
			address:  "0x1234567890abcdef1234567890abcdef1234567890",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isValidAddress(tt.address)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestEventLogValidationRule(t *testing.T) {
	rule := NewEventLogValidationRule()

	assert.Equal(t, "event_log", rule.Name())
	assert.Equal(t, "事件日志数据验证规则", rule.Description())

	// 测试有效日志
	validLog := &models.EventLog{
		ID:          models.EventLogID(1000, 0),
		BlockNumber: 1000,
		LogIndex:    0,
		Topics: []string{
			"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
		},
	}

	err := rule.Validate(validLog)
	assert.NoError(t, err)

	// 测试主题数量过多的日志
	tooManyTopics := &models.EventLog{
		ID:          models.EventLogID(1000, 0),
		BlockNumber: 1000,
		LogIndex:    0,
		Topics:      make([]string, 5),
	}

	err = rule.Validate(tooManyTopics)
	assert.Error(t, err)

	// 测试错误的数据类型
	err = rule.Validate("not a log")
	assert.Error(t, err)
}

func TestAddressValidationRule(t *testing.T) {
	rule := NewAddressValidationRule()

	assert.Equal(t, "address", rule.Name())
	assert.Equal(t, "以太坊地址验证规则", rule.Description())

	assert.NoError(t, rule.Validate("0x1234567890abcdef1234567890abcdef12345678"))
	assert.Error(t, rule.Validate("invalid"))
	assert.Error(t, rule.Validate(12345))
}

func TestValidatorStrictMode(t *testing.T) {
	logger := logrus.New()

	// 测试严格模式
	strictValidator := NewValidator(logger, true)
	assert.True(t, strictValidator.IsStrict())

	// 测试非严格模式
	lenientValidator := NewValidator(logger, false)
	assert.False(t, lenientValidator.IsStrict())

	// 测试设置严格模式
	lenientValidator.SetStrictMode(true)
	assert.True(t, lenientValidator.IsStrict())
}

func TestGetValidationStats(t *testing.T) {
	logger := logrus.New()
	validator := NewValidator(logger, true)

	stats := validator.GetValidationStats()

	assert.NotNil(t, stats)
	assert.Contains(t, stats, "strict_mode")
	assert.Contains(t, stats, "registered_rules")
	assert.Contains(t, stats, "error_stats")

	assert.Equal(t, true, stats["strict_mode"])
	assert.Equal(t, 3, stats["registered_rules"]) // 默认规则数量
}

// 基准测试
func BenchmarkValidateBlock(b *testing.B) {
	logger := logrus.New()
	validator := NewValidator(logger, false)

	block := &models.Block{
		Number:    1000,
		Hash:      "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
		Timestamp: time.Now(),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		validator.ValidateBlock(block)
	}
}

func BenchmarkValidateEventLog(b *testing.B) {
	logger := logrus.New()
	validator := NewValidator(logger, false)

	log := &models.EventLog{
		ID:              models.EventLogID(1000, 0),
		TransactionHash: "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
		BlockNumber:     1000,
		Address:         "0x1234567890abcdef1234567890abcdef12345678",
		Topics: []string{
			"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
		},
		LogIndex: 0,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		validator.ValidateEventLog(log)
	}
}
