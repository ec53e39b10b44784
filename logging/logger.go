// Package logging 结构化日志接口与默认实现
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level 日志级别
type Level int32

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (lv Level) String() string {
	switch lv {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(lv))
	}
}

// ParseLevel 解析配置中的级别名，大小写不敏感，空串为 INFO
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DebugLevel, nil
	case "", "INFO":
		return InfoLevel, nil
	case "WARN", "WARNING":
		return WarnLevel, nil
	case "ERROR":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// Logger 日志接口，所有方法都接收 ctx
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// WithFields 返回附加了字段的新 Logger，原 Logger 不变
	WithFields(fields ...Field) Logger
}

// Field 日志字段
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field                 { return Field{Key: key, Value: value} }
func Int(key string, value int) Field                { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field            { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field              { return Field{Key: key, Value: value} }
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }
func Error(err error) Field                          { return Field{Key: "error", Value: err} }

// Stringer 输出时才调用 String()，级别被过滤时没有开销
func Stringer(key string, value fmt.Stringer) Field {
	return Field{Key: key, Value: value}
}

// Strings 逗号拼接
func Strings(key string, values []string) Field {
	return Field{Key: key, Value: strings.Join(values, ",")}
}

// StdLogger 逐行输出 "时间 级别 前缀 消息 k=v ..." 的文本日志
//
// 派生出的 Logger（WithFields）与原 Logger 共享输出与级别。
type StdLogger struct {
	prefix string
	fields []Field
	out    *output
}

type output struct {
	mu    sync.Mutex
	w     io.Writer
	level atomic.Int32
	now   func() time.Time
}

// NewStdLogger 输出到 stderr，默认输出全部级别
func NewStdLogger(prefix string) *StdLogger {
	return NewWriterLogger(os.Stderr, prefix)
}

// NewWriterLogger 输出到 w
func NewWriterLogger(w io.Writer, prefix string) *StdLogger {
	return &StdLogger{prefix: prefix, out: &output{w: w, now: time.Now}}
}

// SetLevel 设置最低输出级别
func (l *StdLogger) SetLevel(level Level) { l.out.level.Store(int32(level)) }

// Level 当前最低输出级别
func (l *StdLogger) Level() Level { return Level(l.out.level.Load()) }

func (l *StdLogger) Debug(_ context.Context, msg string, fields ...Field) {
	l.log(DebugLevel, msg, fields)
}

func (l *StdLogger) Info(_ context.Context, msg string, fields ...Field) {
	l.log(InfoLevel, msg, fields)
}

func (l *StdLogger) Warn(_ context.Context, msg string, fields ...Field) {
	l.log(WarnLevel, msg, fields)
}

func (l *StdLogger) Error(_ context.Context, msg string, fields ...Field) {
	l.log(ErrorLevel, msg, fields)
}

func (l *StdLogger) WithFields(fields ...Field) Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &StdLogger{prefix: l.prefix, fields: merged, out: l.out}
}

func (l *StdLogger) log(level Level, msg string, fields []Field) {
	if level < l.Level() {
		return
	}
	var sb strings.Builder
	sb.WriteString(l.out.now().Format("2006-01-02T15:04:05.000Z07:00"))
	sb.WriteByte(' ')
	sb.WriteString(level.String())
	if l.prefix != "" {
		sb.WriteByte(' ')
		sb.WriteString(l.prefix)
	}
	sb.WriteByte(' ')
	sb.WriteString(msg)
	for _, group := range [][]Field{l.fields, fields} {
		for _, f := range group {
			sb.WriteByte(' ')
			sb.WriteString(f.Key)
			sb.WriteByte('=')
			sb.WriteString(formatValue(f.Value))
		}
	}
	sb.WriteByte('\n')

	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	_, _ = io.WriteString(l.out.w, sb.String())
}

// formatValue 含空白或引号的值加引号，保证一行可以按空格切分
func formatValue(v any) string {
	var s string
	switch val := v.(type) {
	case nil:
		return "<nil>"
	case string:
		s = val
	case error:
		s = val.Error()
	case fmt.Stringer:
		s = val.String()
	default:
		s = fmt.Sprint(val)
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

// NoopLogger 丢弃全部日志
type NoopLogger struct{}

func NewNoopLogger() *NoopLogger { return &NoopLogger{} }

func (l *NoopLogger) Debug(context.Context, string, ...Field) {}
func (l *NoopLogger) Info(context.Context, string, ...Field)  {}
func (l *NoopLogger) Warn(context.Context, string, ...Field)  {}
func (l *NoopLogger) Error(context.Context, string, ...Field) {}
func (l *NoopLogger) WithFields(...Field) Logger              { return l }

var globalLogger atomic.Value

func init() {
	SetLogger(NewStdLogger("[gorel]"))
}

type loggerHolder struct{ Logger }

// SetLogger 替换全局 Logger，nil 表示关闭日志
func SetLogger(logger Logger) {
	if logger == nil {
		logger = NewNoopLogger()
	}
	globalLogger.Store(loggerHolder{Logger: logger})
}

// GetLogger 当前全局 Logger
func GetLogger() Logger {
	return globalLogger.Load().(loggerHolder).Logger
}

// ComponentLogger 带 component 字段的全局 Logger
//
// 在构造组件时调用；之后再 SetLogger 不影响已构造的组件。
func ComponentLogger(component string) Logger {
	return GetLogger().WithFields(String("component", component))
}
