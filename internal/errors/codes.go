// Package errors provides structured error handling for shardex.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage errors (shard stores, locks, disk)
//   - 4XX: Validation and illegal-state errors
//   - 5XX: Internal and pipeline errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates shard storage errors.
	CategoryIO Category = "IO"
	// CategoryValidation indicates invalid input or illegal state.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates pipeline and unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Storage errors (200-299)
	ErrCodeCorruptIndex      = "ERR_205_CORRUPT_INDEX"
	ErrCodeShardLocked       = "ERR_207_SHARD_LOCKED"
	ErrCodeShardWrite        = "ERR_208_SHARD_WRITE"
	ErrCodeDimensionMismatch = "ERR_209_DIMENSION_MISMATCH"

	// Validation errors (400-499)
	ErrCodeInvalidInput   = "ERR_401_INVALID_INPUT"
	ErrCodeBatchSealed    = "ERR_407_BATCH_SEALED"
	ErrCodeBatchConsumed  = "ERR_408_BATCH_CONSUMED"
	ErrCodeNoShardForType = "ERR_409_NO_SHARD"

	// Internal errors (500-599)
	ErrCodeInternal          = "ERR_501_INTERNAL"
	ErrCodePreparation       = "ERR_506_PREPARATION_FAILED"
	ErrCodePipelineClosed    = "ERR_507_PIPELINE_CLOSED"
	ErrCodeQueueFull         = "ERR_508_QUEUE_FULL"
	ErrCodeMaintenanceFailed = "ERR_509_MAINTENANCE_FAILED"
	ErrCodeExecutionAborted  = "ERR_510_EXECUTION_ABORTED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// "ERR_407_BATCH_SEALED" -> '4'
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeCorruptIndex, ErrCodePreparation:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
// Storage writes and backpressure rejections can succeed on a later attempt;
// validation and preparation failures never will.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeShardWrite, ErrCodeShardLocked, ErrCodeQueueFull, ErrCodeExecutionAborted:
		return true
	default:
		return false
	}
}
