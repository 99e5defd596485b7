// Package xerrors 定义了命令总线的错误分类与带堆栈的增强错误。
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType 错误的大类，对应启动期、连接期、消费期的不同传播策略。
type ErrorType uint

const (
	ErrUnknown    ErrorType = iota
	ErrInternal             // 未分类的内部错误
	ErrInvalidArg           // 调用参数非法
	ErrConfig               // 启动配置缺失或非法，致命
	ErrConnection           // broker 连接或断开失败，返回给发起连接的调用方
	ErrSend                 // 主题发布失败，携带 broker 原始消息
	ErrHandler              // 单条记录的业务处理或事务失败，仅影响该记录
	ErrProvision            // 命令日志表创建失败，注册致命
)

// Severity 错误严重程度。
type Severity uint8

const (
	SeverityTrivial Severity = iota
	SeverityMinor
	SeverityMajor
	SeverityCritical
)

var typeNames = [...]string{
	"Unknown", "Internal", "InvalidArg", "Config", "Connection", "Send", "Handler", "Provision",
}

func (t ErrorType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Severity 返回该类错误的默认严重程度。
func (t ErrorType) Severity() Severity {
	switch t {
	case ErrConfig, ErrProvision:
		return SeverityCritical
	case ErrConnection:
		return SeverityMajor
	case ErrHandler, ErrSend, ErrInvalidArg:
		return SeverityMinor
	default:
		return SeverityMajor
	}
}

// Error 增强型错误结构
type Error struct {
	Type     ErrorType      `json:"type"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"` // 对外展示的消息，连接/发送错误时为 broker 原文
	Detail   string         `json:"detail"`
	Cause    error          `json:"-"`
	Stack    []string       `json:"stack"`
	Context  map[string]any `json:"context"`
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("[%s] %s (cause: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap 实现 Go 1.13 解包接口
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 使同类型的 *Error 可以通过 errors.Is 与哨兵比较。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Type == e.Type
}

// New 创建新错误并自动捕获堆栈
func New(errType ErrorType, message string, cause error) *Error {
	e := &Error{
		Type:     errType,
		Severity: errType.Severity(),
		Message:  message,
		Cause:    cause,
		Context:  make(map[string]any),
	}
	e.captureStack()
	return e
}

func (e *Error) captureStack() {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		e.Stack = append(e.Stack, fmt.Sprintf("%s:%d (%s)", frame.File, frame.Line, frame.Function))
		if !more || len(e.Stack) >= depth {
			break
		}
	}
}

// WithContext 附加上下文字段。
func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

// WithDetail 附加对内调试信息。
func (e *Error) WithDetail(format string, args ...any) *Error {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// Wrap 包装现有错误。err 为 nil 时返回 nil。
func Wrap(err error, errType ErrorType, msg string) *Error {
	if err == nil {
		return nil
	}
	return New(errType, msg, err)
}

// WrapInternal 快速包装内部错误
func WrapInternal(err error, msg string) *Error {
	return Wrap(err, ErrInternal, msg)
}

// Verbatim 包装错误并原样保留其消息，用于 broker 返回的连接与发送错误。
func Verbatim(err error, errType ErrorType) *Error {
	if err == nil {
		return nil
	}
	return New(errType, err.Error(), err)
}

// Config 创建配置错误。
func Config(msg string, cause error) *Error {
	return New(ErrConfig, msg, cause)
}

// InvalidArg 创建参数错误。
func InvalidArg(msg string) *Error {
	return New(ErrInvalidArg, msg, nil)
}

// FromError 尝试转换
func FromError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// TypeOf 返回错误链中第一个 *Error 的类型。
func TypeOf(err error) ErrorType {
	if e, ok := FromError(err); ok {
		return e.Type
	}
	return ErrUnknown
}

// IsType 判断错误链中是否包含指定类型的 *Error。
func IsType(err error, errType ErrorType) bool {
	return errors.Is(err, &Error{Type: errType})
}
