package errors

import (
	"context"
	"fmt"
	"runtime"

	"gorel/logging"
)

// WrapWithLog 包装错误并记录 Warn 日志，日志带调用位置
func WrapWithLog(ctx context.Context, err error, code ErrorCode, msg string, fields ...logging.Field) error {
	if err == nil {
		return nil
	}
	_, file, line, _ := runtime.Caller(1)
	all := append([]logging.Field{
		logging.Error(err),
		logging.String("error_code", string(code)),
		logging.String("location", fmt.Sprintf("%s:%d", file, line)),
	}, fields...)
	logging.GetLogger().Warn(ctx, msg, all...)
	return WrapError(err, code, msg)
}

// WrapDatabase 包装连接或事务层面的错误
//
// 先经 Normalize 识别已知错误（连接断开、唯一约束等），识别出的保留其错误码；
// 其余按 DATABASE_ERROR 包装并记录日志。两种情况都带上 operation。
func WrapDatabase(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	if ae, ok := AsAppError(Normalize(err)); ok {
		return ae.WithContext("operation", operation)
	}
	wrapped := WrapWithLog(ctx, err, ErrCodeDatabase, fmt.Sprintf("数据库操作失败: %s", operation),
		logging.String("operation", operation))
	return wrapped.(IError).WithContext("operation", operation)
}
