// Package errors 带错误代码与详情的应用错误
package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
	"strings"
)

// ErrorCode 错误代码
type ErrorCode string

const (
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"

	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeCache    ErrorCode = "CACHE_ERROR"
	ErrCodeNetwork  ErrorCode = "NETWORK_ERROR"
)

// 保存/删除命令错误代码
//
// 这些代码直接暴露给调用方，细节中总是带有 DetailExportedPath，
// 用于定位出错的关联路径。
const (
	ErrCodeNoIDGenerator               ErrorCode = "NO_ID_GENERATOR"
	ErrCodeNeitherIDNorKey             ErrorCode = "NEITHER_ID_NOR_KEY"
	ErrCodeEmptyObject                 ErrorCode = "EMPTY_OBJECT"
	ErrCodeNotUnique                   ErrorCode = "NOT_UNIQUE"
	ErrCodeIllegalTargetID             ErrorCode = "ILLEGAL_TARGET_ID"
	ErrCodeOptimisticLock              ErrorCode = "OPTIMISTIC_LOCK_ERROR"
	ErrCodeTargetIsNotTransferable     ErrorCode = "TARGET_IS_NOT_TRANSFERABLE"
	ErrCodeUnloadedFrozenBackReference ErrorCode = "UNLOADED_FROZEN_BACK_REFERENCE"
	ErrCodeCannotDissociateTargets     ErrorCode = "CANNOT_DISSOCIATE_TARGETS"
	ErrCodeNullTarget                  ErrorCode = "NULL_TARGET"
	ErrCodeNoKeyProps                  ErrorCode = "NO_KEY_PROPS"
	ErrCodeNoVersion                   ErrorCode = "NO_VERSION"
	ErrCodeMutationTooDeep             ErrorCode = "MUTATION_TOO_DEEP"
	ErrCodeExecution                   ErrorCode = "EXECUTION_ERROR"
)

// 详情键
const (
	DetailExportedPath = "exportedPath"
	DetailSQL          = "sql"
	DetailProp         = "prop"
	DetailTargetID     = "targetId"
	DetailProps        = "props"
	DetailValues       = "values"
	DetailChildType    = "childType"
	DetailEntityID     = "entityId"
)

// IError 应用错误接口
//
// WithDetails / WithContext 返回新错误，原错误的详情不变。
type IError interface {
	error
	Code() ErrorCode
	Message() string
	Cause() error
	Details() map[string]any
	Is(target error) bool
	WithDetails(details map[string]any) IError
	WithContext(key string, value any) IError
}

// AppError IError 的实现
type AppError struct {
	code    ErrorCode
	message string
	cause   error
	details map[string]any
}

func NewError(code ErrorCode, message string) IError {
	return &AppError{code: code, message: message}
}

// WrapError err 为 nil 时返回 nil
func WrapError(err error, code ErrorCode, message string) IError {
	if err == nil {
		return nil
	}
	return &AppError{code: code, message: message, cause: err}
}

// Error 格式为 "[CODE] message (path: p): cause"
func (e *AppError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.code, e.message)
	if path := e.ExportedPath(); path != "" {
		fmt.Fprintf(&sb, " (path: %s)", path)
	}
	if e.cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.cause.Error())
	}
	return sb.String()
}

func (e *AppError) Code() ErrorCode { return e.code }
func (e *AppError) Message() string { return e.message }
func (e *AppError) Cause() error    { return e.cause }
func (e *AppError) Unwrap() error   { return e.cause }

// Details 返回副本
func (e *AppError) Details() map[string]any {
	if e.details == nil {
		return map[string]any{}
	}
	return maps.Clone(e.details)
}

func (e *AppError) Detail(key string) (any, bool) {
	v, ok := e.details[key]
	return v, ok
}

// ExportedPath 出错节点的关联路径，没有时为空串
func (e *AppError) ExportedPath() string {
	if v, ok := e.details[DetailExportedPath]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

// Is 两个 AppError 代码相同即视为匹配；否则沿 cause 比较
func (e *AppError) Is(target error) bool {
	if target == nil {
		return false
	}
	if other, ok := target.(*AppError); ok {
		return e.code == other.code
	}
	return e.cause != nil && stdErrors.Is(e.cause, target)
}

func (e *AppError) WithDetails(details map[string]any) IError {
	merged := make(map[string]any, len(e.details)+len(details))
	maps.Copy(merged, e.details)
	maps.Copy(merged, details)
	return &AppError{code: e.code, message: e.message, cause: e.cause, details: merged}
}

func (e *AppError) WithContext(key string, value any) IError {
	return e.WithDetails(map[string]any{key: value})
}

// 哨兵错误，配合 errors.Is 按代码匹配
var (
	ErrNotFound       = NewError(ErrCodeNotFound, "记录不存在")
	ErrOptimisticLock = NewError(ErrCodeOptimisticLock, "乐观锁校验失败")
)

func IsNotFound(err error) bool       { return IsErrorCode(err, ErrCodeNotFound) }
func IsOptimisticLock(err error) bool { return IsErrorCode(err, ErrCodeOptimisticLock) }

// IsErrorCode 错误链中最外层的 AppError 是否为 code
func IsErrorCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.code == code
}

// GetErrorCode 非 AppError 视为 INTERNAL_ERROR，nil 为空串
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if appErr, ok := AsAppError(err); ok {
		return appErr.code
	}
	return ErrCodeInternal
}

func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
