package errors

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stdErrors "errors"
	"sync"
)

// Classifier 识别特定驱动/组件的错误
//
// 返回 ok=false 表示不认识该错误，交由下一个 Classifier 处理。
type Classifier func(err error) (code ErrorCode, message string, ok bool)

var (
	classifiersMu sync.RWMutex
	classifiers   []Classifier
)

// RegisterClassifier 注册错误分类器（通常在驱动适配包的 init 中调用）
func RegisterClassifier(c Classifier) {
	if c == nil {
		return
	}
	classifiersMu.Lock()
	classifiers = append(classifiers, c)
	classifiersMu.Unlock()
}

// Normalize 将基础设施层的错误规范化为 AppError。
//
// 注意：
//   - 如果传入的 err 已经是 IError，则原样返回；
//   - 未识别的错误保持原样，不强行包装，交由调用方决定是否 Wrap。
func Normalize(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := err.(IError); ok {
		return err
	}

	switch {
	case stdErrors.Is(err, sql.ErrNoRows):
		return WrapError(err, ErrCodeNotFound, "记录不存在")
	case stdErrors.Is(err, context.DeadlineExceeded):
		return WrapError(err, ErrCodeTimeout, "操作超时")
	case stdErrors.Is(err, driver.ErrBadConn), stdErrors.Is(err, sql.ErrConnDone):
		return WrapError(err, ErrCodeNetwork, "数据库连接不可用")
	case stdErrors.Is(err, sql.ErrTxDone):
		return WrapError(err, ErrCodeDatabase, "事务已结束")
	}

	classifiersMu.RLock()
	defer classifiersMu.RUnlock()
	for _, c := range classifiers {
		if code, msg, ok := c(err); ok {
			return WrapError(err, code, msg)
		}
	}

	return err
}
