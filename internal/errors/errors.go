package errors

import (
	stderrors "errors"
	"fmt"
)

// ShardexError is what every package of the pipeline returns. Code drives
// the rest: New derives Category, Severity and Retryable from it, errors.Is
// compares codes only, and reporters log Details as attributes.
type ShardexError struct {
	Code     string // ERR_<number>_<NAME>, see codes.go
	Message  string
	Category Category
	Severity Severity

	// Details are logged as attributes and shown on the CLI, e.g. the shard
	// or batch the error concerns.
	Details map[string]string
	Cause   error

	// Retryable marks failures a resubmission may cure, such as a shard that
	// failed to commit. The retrying reporter only acts on these.
	Retryable bool

	// Suggestion is printed under the message by the CLI.
	Suggestion string
}

func (e *ShardexError) Error() string {
	if e.Cause == nil || e.Cause.Error() == e.Message {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
}

func (e *ShardexError) Unwrap() error { return e.Cause }

// Is matches any *ShardexError carrying the same code, so a Sentinel can
// stand in for the real error in errors.Is.
func (e *ShardexError) Is(target error) bool {
	t, ok := target.(*ShardexError)
	return ok && t.Code == e.Code
}

// WithDetail records key=value and returns e.
func (e *ShardexError) WithDetail(key, value string) *ShardexError {
	if e.Details == nil {
		e.Details = make(map[string]string, 1)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion sets the operator hint and returns e.
func (e *ShardexError) WithSuggestion(suggestion string) *ShardexError {
	e.Suggestion = suggestion
	return e
}

// New builds an error for code. cause may be nil.
func New(code string, message string, cause error) *ShardexError {
	return &ShardexError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap tags err with code, reusing its text as the message. A nil err stays nil.
func Wrap(code string, err error) *ShardexError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Sentinel is a code-only value for errors.Is comparisons.
func Sentinel(code string) *ShardexError {
	return &ShardexError{Code: code, Message: code}
}

// Shorthands for the common codes.

func ConfigError(message string, cause error) *ShardexError {
	return New(ErrCodeConfigInvalid, message, cause)
}

func IOError(message string, cause error) *ShardexError {
	return New(ErrCodeShardWrite, message, cause)
}

func ValidationError(message string, cause error) *ShardexError {
	return New(ErrCodeInvalidInput, message, cause)
}

func InternalError(message string, cause error) *ShardexError {
	return New(ErrCodeInternal, message, cause)
}

// find returns the first *ShardexError in err's chain.
func find(err error) (*ShardexError, bool) {
	var se *ShardexError
	ok := stderrors.As(err, &se)
	return se, ok
}

// IsRetryable reports whether the first ShardexError in the chain is retryable.
func IsRetryable(err error) bool {
	se, ok := find(err)
	return ok && se.Retryable
}

// IsFatal reports whether the first ShardexError in the chain is fatal.
func IsFatal(err error) bool {
	se, ok := find(err)
	return ok && se.Severity == SeverityFatal
}

// GetCode returns the code of the first ShardexError in the chain, or "".
func GetCode(err error) string {
	if se, ok := find(err); ok {
		return se.Code
	}
	return ""
}

// GetCategory returns the category of the first ShardexError in the chain, or "".
func GetCategory(err error) Category {
	if se, ok := find(err); ok {
		return se.Category
	}
	return ""
}
