package session

import (
	"errors"
	"fmt"
)

// ErrorKind 会话层错误类别
type ErrorKind string

const (
	KindFraming          ErrorKind = "FramingError"    // 入站帧不是合法的OCPP-J帧
	KindUnknownFrameType ErrorKind = "UnknownFrameType" // 消息类型不是2/3/4
	KindUnknownAction    ErrorKind = "UnknownAction"    // 没有注册处理器的动作
	KindValidation       ErrorKind = "ValidationError"  // payload校验失败
	KindInternal         ErrorKind = "InternalError"    // 处理器异常
	KindCallTimeout      ErrorKind = "CallTimeout"      // 出站CALL超时未响应
	KindTooManyPending   ErrorKind = "TooManyPending"   // 待响应表已满
	KindHandshakeFailed  ErrorKind = "HandshakeFailed"  // WebSocket握手失败或子协议不符
	KindSocketClosed     ErrorKind = "SocketClosed"     // 对端或系统关闭了socket
	KindBusy             ErrorKind = "Busy"             // 会话inbox已满
	KindCancelled        ErrorKind = "Cancelled"        // 操作因会话关闭而中止
)

// Error 带类别的会话错误
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// Error 实现error接口
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap 返回底层错误
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError 创建会话错误
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError 包装底层错误
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// IsKind 判断错误是否属于指定类别
func IsKind(err error, kind ErrorKind) bool {
	var sessionErr *Error
	if errors.As(err, &sessionErr) {
		return sessionErr.Kind == kind
	}
	return false
}
