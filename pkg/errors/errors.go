package errors

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

const (
	CodeInvalidInput   ErrorCode = "INVALID_INPUT"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeAlreadyExists  ErrorCode = "ALREADY_EXISTS"
	CodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	CodeForbidden      ErrorCode = "FORBIDDEN"
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"

	// Gateway core error taxonomy.
	CodeConfig          ErrorCode = "CONFIG_ERROR"
	CodeTransport       ErrorCode = "TRANSPORT_ERROR"
	CodeLLM             ErrorCode = "LLM_ERROR"
	CodeClassifier      ErrorCode = "CLASSIFIER_ERROR"
	CodeApprovalTimeout ErrorCode = "APPROVAL_TIMEOUT"
	CodeDispatch        ErrorCode = "DISPATCH_ERROR"
	CodeIntegrity       ErrorCode = "INTEGRITY_ERROR"
	CodeMCP             ErrorCode = "MCP_ERROR"
	CodeCapability      ErrorCode = "CAPABILITY_ERROR"
)

// Sentinel errors for the Gateway core taxonomy (spec §7). Wrap with
// fmt.Errorf("...: %w", ErrXxx) at the call site so errors.Is keeps working
// through the stack.
var (
	ErrConfig          = &AppError{Code: CodeConfig, Message: "configuration error"}
	ErrTransport       = &AppError{Code: CodeTransport, Message: "transport error"}
	ErrLLM             = &AppError{Code: CodeLLM, Message: "llm provider error"}
	ErrClassifier      = &AppError{Code: CodeClassifier, Message: "classifier error"}
	ErrApprovalTimeout = &AppError{Code: CodeApprovalTimeout, Message: "approval rendezvous expired"}
	ErrDispatch        = &AppError{Code: CodeDispatch, Message: "dispatch error"}
	ErrIntegrity       = &AppError{Code: CodeIntegrity, Message: "integrity verification failed"}
	ErrMCP             = &AppError{Code: CodeMCP, Message: "mcp server error"}
	ErrCapability      = &AppError{Code: CodeCapability, Message: "capability token error"}
)

// AppError 应用错误
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewInvalidInputError 创建无效输入错误
func NewInvalidInputError(message string) *AppError {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: message,
	}
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: message,
	}
}

// NewAlreadyExistsError 创建已存在错误
func NewAlreadyExistsError(message string) *AppError {
	return &AppError{
		Code:    CodeAlreadyExists,
		Message: message,
	}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
	}
}

// NewInternalErrorWithCause 创建带原因的内部错误
func NewInternalErrorWithCause(message string, cause error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
		Err:     cause,
	}
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeNotFound
	}
	return false
}

// IsInvalidInput 判断是否为无效输入错误
func IsInvalidInput(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeInvalidInput
	}
	return false
}

// Wrap tags err with code, preserving it as the unwrap target.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Is reports whether the first *AppError in err's chain carries the given
// taxonomy code; AppErrors wrapped beneath it are not checked.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
