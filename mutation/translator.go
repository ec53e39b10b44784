package mutation

import (
	"context"
	"strings"

	"gorel/data/db/dialect"
	"gorel/errors"
)

// ExecInfo 失败语句的上下文
type ExecInfo struct {
	Path    *MutationPath
	SQL     string
	Dialect dialect.Dialect
}

// ExceptionTranslator 把驱动错误翻译为错误分类中的某一种；
// 无法识别时返回 nil，交给链上的下一个翻译器
type ExceptionTranslator interface {
	Translate(ctx context.Context, err error, info ExecInfo) error
}

// TranslatorFunc 函数适配器
type TranslatorFunc func(ctx context.Context, err error, info ExecInfo) error

func (f TranslatorFunc) Translate(ctx context.Context, err error, info ExecInfo) error {
	return f(ctx, err, info)
}

// TranslatorChain 依次尝试各翻译器，全部无法识别时包装为 EXECUTION_ERROR
type TranslatorChain []ExceptionTranslator

func (c TranslatorChain) Translate(ctx context.Context, err error, info ExecInfo) error {
	if err == nil {
		return nil
	}
	// 已分类的错误原样返回
	if _, ok := errors.AsAppError(err); ok {
		return err
	}
	for _, t := range c {
		if translated := t.Translate(ctx, err, info); translated != nil {
			return translated
		}
	}
	return errors.WrapError(err, errors.ErrCodeExecution, "语句执行失败").WithDetails(map[string]any{
		errors.DetailExportedPath: pathString(info.Path),
		errors.DetailSQL:          info.SQL,
	})
}

// DefaultTranslator 按方言识别唯一键冲突和外键冲突
type DefaultTranslator struct{}

func (DefaultTranslator) Translate(_ context.Context, err error, info ExecInfo) error {
	details := map[string]any{
		errors.DetailExportedPath: pathString(info.Path),
		errors.DetailSQL:          info.SQL,
	}
	switch {
	case info.Dialect.IsUniqueViolation(err):
		return errors.WrapError(err, errors.ErrCodeNotUnique, "唯一约束冲突").WithDetails(details)
	case info.Dialect.IsForeignKeyViolation(err) && dissociating(info.SQL):
		return errors.WrapError(err, errors.ErrCodeCannotDissociateTargets, "仍有子对象引用被删除或脱钩的行").WithDetails(details)
	case info.Dialect.IsForeignKeyViolation(err):
		return errors.WrapError(err, errors.ErrCodeIllegalTargetID, "外键引用了不存在的目标").WithDetails(details)
	default:
		return nil
	}
}

// dissociating DELETE 和把外键置空的 UPDATE 只会因为仍被子行引用而违反外键约束
func dissociating(sql string) bool {
	s := strings.ToUpper(strings.TrimSpace(sql))
	return strings.HasPrefix(s, "DELETE") || (strings.HasPrefix(s, "UPDATE") && strings.Contains(s, "= NULL"))
}

func pathString(p *MutationPath) string {
	if p == nil {
		return ""
	}
	return p.String()
}

// newError 构造带 exportedPath 的命令错误
func newError(code errors.ErrorCode, path *MutationPath, msg string, details map[string]any) error {
	all := map[string]any{errors.DetailExportedPath: pathString(path)}
	for k, v := range details {
		all[k] = v
	}
	return errors.NewError(code, msg).WithDetails(all)
}
